package portalcrypt

import (
	"github.com/tidwall/gjson"
)

// encKey is the JSON key marking a field-level ciphertext wrapper.
const encKey = "$enc"

// EncryptedFieldData carries the components of a single encrypted field.
// Ciphertext and tag are split because the backend expects them as distinct
// fields; this is a wire-compatibility requirement, not a cryptographic
// distinction.
type EncryptedFieldData struct {
	// Ciphertext is base64, without the authentication tag.
	Ciphertext string `json:"c"`
	// IV is the base64 12-byte nonce.
	IV string `json:"iv"`
	// Tag is the base64 16-byte authentication tag.
	Tag string `json:"t"`
}

// EncryptedFieldValue is the wire wrapper that replaces an encrypted field
// in a JSON document: {"$enc":{"c":...,"iv":...,"t":...}}.
type EncryptedFieldValue struct {
	Enc EncryptedFieldData `json:"$enc"`
}

// EncryptedPayload is the wire envelope for a fully encrypted body. The
// ciphertext includes the appended authentication tag, per the combined
// output convention.
type EncryptedPayload struct {
	// IV is the base64 12-byte nonce.
	IV string `json:"iv"`
	// Ciphertext is base64 ciphertext with the tag appended.
	Ciphertext string `json:"ciphertext"`
	// Section names the key that produced the ciphertext. Diagnostic only:
	// the receiver is responsible for decrypting with the matching key.
	Section Section `json:"section"`
}

// IsEncryptedFieldValue reports whether raw is a JSON value structurally
// matching the encrypted-field wrapper, with string types on all three
// components.
func IsEncryptedFieldValue(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}

	return isEncryptedFieldResult(gjson.ParseBytes(raw))
}

func isEncryptedFieldResult(v gjson.Result) bool {
	if !v.IsObject() {
		return false
	}

	enc := v.Get(encKey)
	if !enc.IsObject() {
		return false
	}

	return enc.Get("c").Type == gjson.String &&
		enc.Get("iv").Type == gjson.String &&
		enc.Get("t").Type == gjson.String
}

// IsEncryptedPayload reports whether raw is a JSON value structurally
// matching the full-payload envelope. Receivers use it to distinguish a
// wrapped response from plain JSON.
func IsEncryptedPayload(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}

	return isEncryptedPayloadResult(gjson.ParseBytes(raw))
}

func isEncryptedPayloadResult(v gjson.Result) bool {
	if !v.IsObject() {
		return false
	}

	return v.Get("iv").Type == gjson.String &&
		v.Get("ciphertext").Type == gjson.String &&
		v.Get("section").Type == gjson.String
}
