package portalcrypt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/caresphere/portalcrypt/internal"
	"github.com/caresphere/portalcrypt/pkg/crypto/aead"
	"github.com/caresphere/portalcrypt/pkg/crypto/hmacsig"
	"github.com/caresphere/portalcrypt/pkg/log"
)

// defaultCrypto is the cipher behind the package-level crypto primitives.
var defaultCrypto AEAD = aead.NewAES256GCM()

// Payload crypto metrics
var (
	payloadEncryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.payload.encrypt", MetricsPrefix), nil)
	payloadDecryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.payload.decrypt", MetricsPrefix), nil)
)

// EncryptPayload serializes data to JSON and encrypts the whole of it under
// the given section key, drawing a fresh nonce for the call. The section is
// recorded in the envelope for diagnostics; it does not influence the
// cryptography.
func EncryptPayload(data interface{}, key *Key, section Section) (*EncryptedPayload, error) {
	defer payloadEncryptTimer.UpdateSince(time.Now())

	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "error serializing payload")
	}

	nonce, sealed, err := sealWithKey(plaintext, key)
	if err != nil {
		return nil, err
	}

	return &EncryptedPayload{
		IV:         internal.B64Encode(nonce),
		Ciphertext: internal.B64Encode(sealed),
		Section:    section,
	}, nil
}

// DecryptPayload reverses EncryptPayload, returning the serialized payload
// bytes and the section recorded in the envelope. Any failure is reported as
// ErrDecryption; a wrong key and tampered ciphertext are indistinguishable.
func DecryptPayload(p *EncryptedPayload, key *Key) ([]byte, Section, error) {
	defer payloadDecryptTimer.UpdateSince(time.Now())

	nonce, err := internal.B64Decode(p.IV)
	if err != nil {
		log.Debugf("payload iv decode failed: %v", err)
		return nil, "", ErrDecryption
	}

	sealed, err := internal.B64Decode(p.Ciphertext)
	if err != nil {
		log.Debugf("payload ciphertext decode failed: %v", err)
		return nil, "", ErrDecryption
	}

	plaintext, err := openWithKey(nonce, sealed, key)
	if err != nil {
		log.Debugf("payload decrypt failed: %v", err)
		return nil, "", ErrDecryption
	}

	return plaintext, p.Section, nil
}

// SignPayload computes a base64 HMAC-SHA256 signature over body. Callers
// must sign the final wire bytes, post-encryption, so the signature also
// protects ciphertext integrity across transport re-encoding.
func SignPayload(body []byte, key *Key) (string, error) {
	var sig []byte

	if err := key.WithBytes(UsageSign, func(keyBytes []byte) error {
		sig = hmacsig.Sign(body, keyBytes)
		return nil
	}); err != nil {
		return "", err
	}

	return internal.B64Encode(sig), nil
}

// VerifyPayload reports whether signature is a valid base64 HMAC-SHA256 of
// body. A malformed signature verifies false rather than erroring.
func VerifyPayload(body []byte, signature string, key *Key) (bool, error) {
	sig, err := internal.B64Decode(signature)
	if err != nil {
		return false, nil
	}

	var ok bool

	if err := key.WithBytes(UsageSign, func(keyBytes []byte) error {
		ok = hmacsig.Verify(body, sig, keyBytes)
		return nil
	}); err != nil {
		return false, err
	}

	return ok, nil
}

// sealWithKey encrypts plaintext with a fresh nonce under an encryption key.
func sealWithKey(plaintext []byte, key *Key) (nonce, sealed []byte, err error) {
	err = key.WithBytes(UsageEncrypt, func(keyBytes []byte) error {
		var sealErr error
		nonce, sealed, sealErr = defaultCrypto.Seal(plaintext, keyBytes)

		return sealErr
	})

	return nonce, sealed, err
}

// openWithKey decrypts sealed ciphertext under an encryption key.
func openWithKey(nonce, sealed []byte, key *Key) ([]byte, error) {
	return key.WithBytesFunc(UsageEncrypt, func(keyBytes []byte) ([]byte, error) {
		return defaultCrypto.Open(nonce, sealed, keyBytes)
	})
}
