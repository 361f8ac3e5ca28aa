// Package hmacsig implements HMAC-SHA256 message authentication for request
// signing. Signatures are computed over the exact wire bytes of a body so
// they also protect ciphertext integrity end to end.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Sign computes the HMAC-SHA256 of data under key.
func Sign(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)

	// sha256 writes never fail.
	_, _ = mac.Write(data)

	return mac.Sum(nil)
}

// Verify reports whether sig is a valid HMAC-SHA256 of data under key,
// comparing in constant time.
func Verify(data, sig, key []byte) bool {
	return hmac.Equal(sig, Sign(data, key))
}
