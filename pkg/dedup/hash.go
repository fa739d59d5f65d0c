package dedup

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash computes the 256-bit digest of normalized content. The same
// function runs at write time (the auto-hash hook) and at probe time, so
// the stored fingerprint and the probe always agree.
func ContentHash(normalizedContent string) string {
	sum := sha256.Sum256([]byte(normalizedContent))
	return hex.EncodeToString(sum[:])
}
