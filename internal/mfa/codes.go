package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	backupCodeCount  = 10
	backupCodeLength = 8
	// Excludes I, O, 0 and 1 to avoid visual confusion. 32^8 keyspace
	// keeps generated codes statistically unique across all users.
	backupCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// generateBackupCodes creates cryptographically secure recovery codes.
// Returns the raw codes; callers hash them before storage.
func generateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		code := make([]byte, backupCodeLength)
		for j := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeChars))))
			if err != nil {
				return nil, fmt.Errorf("crypto/rand failed: %w", err)
			}
			code[j] = backupCodeChars[n.Int64()]
		}
		codes[i] = string(code)
	}
	return codes, nil
}

// generateNumericCode returns a 6-digit code for SMS/email delivery.
func generateNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// hashCode hashes a code for at-rest storage and lookups.
func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
