// Package portalcrypt implements the client side of an end-to-end encryption
// layer for a patient/doctor healthcare portal. Your main interaction with
// the library will most likely be the Manager, which should be created on
// application start up and stored for the lifetime of the app, and the
// Middleware, which the HTTP client layer calls to protect outgoing request
// bodies and unwrap inbound responses.
//
// Key material is held in protected memory and never persisted; only session
// metadata survives a restart. Call Manager.Close on shutdown so the session
// is invalidated server side and locked memory is released. See mlock
// documentation on how to set/check the current limits. It can also be
// checked using ulimit.
package portalcrypt

import (
	"context"
	"time"
)

// AEAD contains the functions required to encrypt and decrypt data using a
// specific cipher. The nonce is kept detached because both wire formats
// carry it in a dedicated field.
type AEAD interface {
	// Seal encrypts data using the provided key bytes and a fresh nonce,
	// returning the nonce and the ciphertext with authentication tag appended.
	Seal(data, key []byte) (nonce, sealed []byte, err error)
	// Open decrypts sealed data using the provided nonce and key bytes.
	Open(nonce, sealed, key []byte) ([]byte, error)
}

// EstablishRequest is the body POSTed to the session-establishment endpoint.
// Credentials ride on the transport (cookies), never in the body.
type EstablishRequest struct {
	// ClientPublicKey is the base64 SPKI encoding of an ephemeral P-256
	// ECDH public key.
	ClientPublicKey string `json:"clientPublicKey"`
	// DeviceID is a stable per-device identifier.
	DeviceID string `json:"deviceId"`
}

// EstablishResponse is the success body returned by the session-establishment
// endpoint.
type EstablishResponse struct {
	SessionID string `json:"sessionId"`
	// ServerPublicKey is the base64 SPKI encoding of the server's ECDH
	// public key for this session.
	ServerPublicKey string `json:"serverPublicKey"`
	// ExpiresAt is an ISO-8601 timestamp.
	ExpiresAt string `json:"expiresAt"`
}

// SessionEndpoint is the transport used to reach the portal backend's crypto
// endpoints. The package's default implementation lives in pkg/portalapi;
// tests substitute their own.
type SessionEndpoint interface {
	// EstablishSession performs the key-exchange handshake. A non-2xx
	// response must be returned as an *EstablishmentError.
	EstablishSession(ctx context.Context, req *EstablishRequest) (*EstablishResponse, error)
	// InvalidateSession tells the backend to discard a session. Callers
	// treat failures as non-fatal.
	InvalidateSession(ctx context.Context, sessionID string) error
	// BindSession associates an established session with the authenticated
	// user, post-login. Failures are non-fatal.
	BindSession(ctx context.Context, sessionID string) error
}

// SessionMetadata is the persisted remnant of a session: its id and expiry,
// never key material.
type SessionMetadata struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ClientStateStore implements the required methods to persist client-side
// state across reloads. Session metadata is expected to be ephemeral
// (tab-scoped in a browser, process-scoped here); the device id is durable.
type ClientStateStore interface {
	// LoadSessionMetadata retrieves previously stored session metadata.
	// The return value will be nil if not already present.
	LoadSessionMetadata(ctx context.Context) (*SessionMetadata, error)
	// StoreSessionMetadata persists session metadata, replacing any
	// existing value.
	StoreSessionMetadata(ctx context.Context, m *SessionMetadata) error
	// ClearSessionMetadata removes stored session metadata, if any.
	ClearSessionMetadata(ctx context.Context) error
	// LoadDeviceID retrieves the stored device identifier. The return
	// value will be empty if not already present.
	LoadDeviceID(ctx context.Context) (string, error)
	// StoreDeviceID persists the device identifier indefinitely.
	StoreDeviceID(ctx context.Context, id string) error
}

// SessionKeys is the slice of the Manager the Middleware depends on. It is
// an interface so tests can substitute a fake without touching global state.
type SessionKeys interface {
	// SessionID returns the live session's id, or "" if none.
	SessionID() string
	// HasValidSession reports whether an unexpired session is held.
	HasValidSession() bool
	// SectionKey returns the derived encryption key for a section.
	SectionKey(section Section) (*Key, error)
	// SigningKey returns the derived message-authentication key.
	SigningKey() (*Key, error)
}

const (
	// AES256KeySize is the size of the AES key used by the AEAD implementation.
	AES256KeySize int = 32

	// NonceSize is the size of the AES-GCM nonce carried in the iv wire fields.
	NonceSize int = 12

	// TagSize is the size of the AES-GCM authentication tag.
	TagSize int = 16
)

// MetricsPrefix prefixes all metrics names emitted by this library.
const MetricsPrefix = "pcl"
