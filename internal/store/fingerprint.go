package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies chunk content independent of case and spacing.
// Hybrid search merges semantic and keyword hits on it.
func Fingerprint(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
