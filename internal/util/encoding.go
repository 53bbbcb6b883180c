package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername folds a relay-facing handle to its canonical form:
// NFKC, surrounding whitespace trimmed, lower-cased.
func NormalizeUsername(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimSpace(s))
}
