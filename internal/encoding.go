package internal

import (
	"encoding/base64"
	"strings"
)

// B64Encode returns the standard base64 encoding of b.
func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// B64Decode decodes standard base64, tolerating URL-safe alphabets and
// missing padding. Session-establishment backends differ on which variant
// they emit for SPKI keys, so the decoder accepts both.
func B64Decode(s string) ([]byte, error) {
	normalized := strings.ReplaceAll(strings.ReplaceAll(s, "-", "+"), "_", "/")

	if rem := len(normalized) % 4; rem != 0 {
		normalized += strings.Repeat("=", 4-rem)
	}

	return base64.StdEncoding.DecodeString(normalized)
}
