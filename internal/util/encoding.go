package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC so visually identical identifiers compare equal
// regardless of how the client composed them.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// NormalizeIdentifier normalizes and trims a device or label identifier.
func NormalizeIdentifier(s string) string {
	return strings.TrimSpace(Normalize(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
