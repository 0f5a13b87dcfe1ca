package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewInviteCode returns a short human-readable code used to pair a capsule.
// Ambiguous characters (0/O, 1/I/L) are excluded.
func NewInviteCode() string {
	const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	var code strings.Builder
	for i, b := range bytes {
		if i == 4 {
			code.WriteByte('-')
		}
		code.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return code.String()
}
