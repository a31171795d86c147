package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		claims   []string
		required string
		want     bool
	}{
		{"exact match", []string{"user:read"}, "user:read", true},
		{"no match", []string{"user:read"}, "user:write", false},
		{"wildcard grants action", []string{"user:*"}, "user:write", true},
		{"wildcard wrong resource", []string{"user:*"}, "channel:read", false},
		{"super grants everything", []string{SuperPermission}, "channel:delete", true},
		{"empty claims", nil, "user:read", false},
		{"wildcard claim exact required", []string{"channel:*"}, "channel:*", true},
		{"no colon in required", []string{"admin"}, "admin", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Check(tt.claims, tt.required))
		})
	}
}

func TestCheckAny(t *testing.T) {
	claims := []string{"user:read", "channel:*"}
	assert.True(t, CheckAny(claims, "role:write", "channel:delete"))
	assert.False(t, CheckAny(claims, "role:write", "role:read"))
	assert.False(t, CheckAny(claims))
}

func TestCanAdminister(t *testing.T) {
	assert.True(t, CanAdminister("super_admin", "tenant_admin"))
	assert.True(t, CanAdminister("tenant_admin", "end_user"))
	assert.False(t, CanAdminister("admin", "admin"), "equal levels cannot manage each other")
	assert.False(t, CanAdminister("end_user", "admin"))
	assert.False(t, CanAdminister("mystery_role", "end_user"), "unknown roles manage nothing")
	assert.True(t, CanAdminister("admin", "mystery_role"))
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, LevelSuperAdmin, LevelOf("super_admin"))
	assert.Equal(t, 0, LevelOf("nope"))
}
