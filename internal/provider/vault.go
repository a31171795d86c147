package provider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Vault encrypts provider credentials at rest with AES-256-GCM. GCM
// gives confidentiality and authenticity; a random nonce per encryption
// is prepended to the ciphertext. Stored values carry an "enc:" prefix
// so plaintext can never be mistaken for ciphertext.
//
// Decrypted credentials exist in cleartext in channel memory for the
// lifetime of the process; the upstream SDK calls require it. They are
// never written to logs or the database.
type Vault struct {
	key []byte
}

// NewVault builds a vault from the 64-hex-char master key.
func NewVault(keyHex string) (*Vault, error) {
	if len(keyHex) != 64 {
		return nil, fmt.Errorf("vault key must be exactly 32 bytes (64 hex characters)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("vault key must be hex: %w", err)
	}
	return &Vault{key: key}, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return gcm, nil
}

// EncryptCredentials serializes and seals a credential map.
func (v *Vault) EncryptCredentials(creds map[string]string) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return v.Encrypt(plaintext)
}

// DecryptCredentials opens a sealed credential map.
func (v *Vault) DecryptCredentials(ciphertext string) (map[string]string, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

// Encrypt seals arbitrary bytes and returns the prefixed, base64 form.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	// Nonce reuse with the same key breaks GCM entirely; one fresh
	// nonce per encryption.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return "enc:" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a prefixed, base64-encoded ciphertext. Tampering fails
// the GCM authentication check.
func (v *Vault) Decrypt(value string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, "enc:")
	if !ok {
		return nil, fmt.Errorf("invalid encrypted format (missing 'enc:' prefix)")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short (possible corruption or tampering)")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (invalid key or tampered data): %w", err)
	}
	return plaintext, nil
}
