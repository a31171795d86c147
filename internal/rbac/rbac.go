// Package rbac resolves role-based permissions. Permissions are
// colon-delimited "resource:action" names; "resource:*" grants every
// action on the resource and "system:admin" grants everything.
package rbac

import "strings"

// SuperPermission short-circuits every check.
const SuperPermission = "system:admin"

// Role hierarchy levels; higher is more privileged. Unknown roles are
// level 0 and cannot administer anything.
const (
	LevelSuperAdmin  = 4
	LevelTenantAdmin = 3
	LevelAdmin       = 2
	LevelEndUser     = 1
)

var roleLevels = map[string]int{
	"super_admin":  LevelSuperAdmin,
	"tenant_admin": LevelTenantAdmin,
	"admin":        LevelAdmin,
	"end_user":     LevelEndUser,
}

// LevelOf returns the hierarchy level for a role name.
func LevelOf(role string) int {
	return roleLevels[role]
}

// CanAdminister reports whether actorRole may manage targetRole. Equal
// levels cannot manage each other.
func CanAdminister(actorRole, targetRole string) bool {
	actor := LevelOf(actorRole)
	return actor > 0 && actor > LevelOf(targetRole)
}

// Check reports whether the permission claim set satisfies required.
func Check(claims []string, required string) bool {
	resource, _, ok := strings.Cut(required, ":")
	wildcard := ""
	if ok {
		wildcard = resource + ":*"
	}
	for _, p := range claims {
		switch p {
		case SuperPermission, required:
			return true
		}
		if wildcard != "" && p == wildcard {
			return true
		}
	}
	return false
}

// CheckAny reports whether any of the required permissions is granted.
func CheckAny(claims []string, required ...string) bool {
	for _, r := range required {
		if Check(claims, r) {
			return true
		}
	}
	return false
}
