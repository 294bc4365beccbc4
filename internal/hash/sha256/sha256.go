// Package sha256 names stored payloads by their SHA-256 digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements consumer.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. Equal payloads fetched from
// different URLs hash to the same blob name.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
