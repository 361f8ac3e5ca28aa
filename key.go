package portalcrypt

import (
	"fmt"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/pkg/errors"
)

// KeyUsage restricts what a Key's bytes may be used for. Every access to the
// underlying bytes states its intended use, and a mismatch is rejected.
type KeyUsage int

const (
	// UsageDerive marks a key-derivation-only secret, such as the session
	// master key. It can never be used to encrypt or sign directly.
	UsageDerive KeyUsage = iota

	// UsageEncrypt marks a derived AES-256-GCM section key.
	UsageEncrypt

	// UsageSign marks a derived HMAC-SHA256 message-authentication key.
	UsageSign
)

func (u KeyUsage) String() string {
	switch u {
	case UsageDerive:
		return "derive"
	case UsageEncrypt:
		return "encrypt"
	case UsageSign:
		return "sign"
	default:
		return fmt.Sprintf("KeyUsage(%d)", int(u))
	}
}

// Key represents an unencrypted key stored in a secure section in memory,
// bound to a single usage. Keys are "non-extractable in intent": the raw
// bytes are only reachable through scoped accessors and are made unreadable
// again when the accessor returns.
type Key struct {
	usage  KeyUsage
	secret securememory.Secret
	once   sync.Once
}

// Usage returns the usage the key is bound to.
func (k *Key) Usage() KeyUsage {
	return k.usage
}

// Close destroys the underlying buffer for this key.
func (k *Key) Close() {
	k.once.Do(k.close)
}

func (k *Key) close() {
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed returns true if the underlying buffer has been closed.
func (k *Key) IsClosed() bool {
	return k.secret.IsClosed()
}

func (k *Key) String() string {
	return fmt.Sprintf("Key(%p){usage(%s) secret(%p)}", k, k.usage, k.secret)
}

// WithBytes makes the underlying bytes readable and passes them to the
// function provided. A reference MUST not be stored to the provided bytes.
// The bytes are made unreadable again after the function exits. The stated
// use must match the usage the key was created with.
func (k *Key) WithBytes(use KeyUsage, action func([]byte) error) error {
	if use != k.usage {
		return errors.Errorf("key usage mismatch: key is %s-only, refusing %s", k.usage, use)
	}

	return k.secret.WithBytes(action)
}

// WithBytesFunc behaves as WithBytes but allows the action to return a value.
func (k *Key) WithBytesFunc(use KeyUsage, action func([]byte) ([]byte, error)) ([]byte, error) {
	if use != k.usage {
		return nil, errors.Errorf("key usage mismatch: key is %s-only, refusing %s", k.usage, use)
	}

	return k.secret.WithBytesFunc(action)
}

// NewKey creates a Key bound to the given usage. Note that the underlying
// array will be wiped after the function exits.
func NewKey(factory securememory.SecretFactory, usage KeyUsage, raw []byte) (*Key, error) {
	sec, err := factory.New(raw)
	if err != nil {
		return nil, errors.Wrap(err, "error allocating secret for key")
	}

	return &Key{
		usage:  usage,
		secret: sec,
	}, nil
}

// GenerateKey creates a new random Key bound to the given usage.
func GenerateKey(factory securememory.SecretFactory, usage KeyUsage, size int) (*Key, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, errors.Wrap(err, "error allocating random secret for key")
	}

	return &Key{
		usage:  usage,
		secret: sec,
	}, nil
}
