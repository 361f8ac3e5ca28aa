// Package aead implements authenticated encryption for the portalcrypt wire
// formats. Unlike ciphers that append the nonce to their output, the seal
// operation returns the nonce separately because both wire formats carry it
// in a dedicated field.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/caresphere/portalcrypt/internal"
)

// Cipher provides authenticated encryption with a caller-held nonce. Sealed
// output is ciphertext with the authentication tag appended.
type Cipher interface {
	Seal(data, key []byte) (nonce, sealed []byte, err error)
	Open(nonce, sealed, key []byte) ([]byte, error)
}

type cryptoFunc func(key []byte) (cipher.AEAD, error)

// Seal encrypts data using the provided key bytes and a fresh random nonce,
// generated per call and never reused for a given key.
func (c cryptoFunc) Seal(data, key []byte) (nonce, sealed []byte, err error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = internal.GetRandBytes(aeadCipher.NonceSize())
	sealed = make([]byte, 0, len(data)+aeadCipher.Overhead())

	sealed = aeadCipher.Seal(sealed, nonce, data, nil)

	return nonce, sealed, nil
}

// Open decrypts sealed data using the provided nonce and key.
func (c cryptoFunc) Open(nonce, sealed, key []byte) ([]byte, error) {
	aeadCipher, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aeadCipher.NonceSize() {
		return nil, errors.New("nonce length does not match cipher nonce size")
	}

	if len(sealed) < aeadCipher.Overhead() {
		return nil, errors.New("data length is shorter than authentication tag size")
	}

	d, err := aeadCipher.Open(nil, nonce, sealed, nil)

	return d, errors.Wrap(err, "error decrypting data")
}
