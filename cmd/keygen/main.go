// Command keygen prints fresh values for the two secrets the service
// needs: the token signing key and the credential-vault key.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	fmt.Printf("TOKEN_SIGNING_KEY=%s\n", randomHex(32))
	fmt.Printf("VAULT_KEY=%s\n", randomHex(32))
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	return hex.EncodeToString(buf)
}
