package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashKey returns a short stable hex digest of the joined parts.
// Used to build deterministic queue task ids.
func HashKey(parts ...string) string {
	sum := SumSHA256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:12])
}
