// Package checksum computes the content hashes used to detect changed files and chunks.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumString is Sum for string input.
func SumString(s string) string {
	return Sum([]byte(s))
}
