package portalcrypt

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoActiveSession is returned by key operations when no encryption
	// session has been established. Callers must establish one; nothing in
	// this package re-establishes sessions implicitly.
	ErrNoActiveSession = errors.New("no active encryption session")

	// ErrSessionExpired is returned by key operations when the session's
	// expiry has passed.
	ErrSessionExpired = errors.New("encryption session expired")

	// ErrDecryption is returned on any authenticated-decryption failure.
	// It is deliberately generic: a wrong key and tampered ciphertext are
	// indistinguishable to the caller.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidFieldPath is returned for malformed dot-paths, including the
	// unimplemented bracket-index syntax.
	ErrInvalidFieldPath = errors.New("invalid field path")
)

// ConfigError reports invalid or missing deployment configuration. It is
// returned at construction so misconfiguration fails fast, never at first
// use.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Param, e.Reason)
}

// EstablishmentError reports a failed session-establishment handshake. For
// HTTP-level failures StatusCode and Body carry the server's response for
// diagnostics; transport-level failures leave StatusCode zero and wrap the
// underlying error.
type EstablishmentError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *EstablishmentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("session establishment failed: status %d: %s", e.StatusCode, e.Body)
	}

	return fmt.Sprintf("session establishment failed: %v", e.Err)
}

func (e *EstablishmentError) Unwrap() error {
	return e.Err
}
