package domain

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DigestToken returns the stored form of a viewer token
func DigestToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
