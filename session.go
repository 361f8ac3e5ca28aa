package portalcrypt

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/singleflight"

	"github.com/caresphere/portalcrypt/internal"
	"github.com/caresphere/portalcrypt/pkg/log"
)

// Session metrics
var (
	establishTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.session.establish", MetricsPrefix), nil)
	sectionKeyTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.session.sectionkey", MetricsPrefix), nil)
	signingKeyTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.session.signingkey", MetricsPrefix), nil)
)

// SessionInfo describes an established session.
type SessionInfo struct {
	SessionID string
	ExpiresAt time.Time
}

// session bundles everything that must live and die together: the server's
// session id, the master key, and every key derived from it. Re-establishing
// swaps the whole value, so a reader holding a *session never observes a
// session id paired with another session's keys.
type session struct {
	id        string
	expiresAt time.Time
	master    *Key

	mu          sync.RWMutex
	sectionKeys map[Section]*Key
	signingKey  *Key
}

// sectionKey returns the cached key for a section, deriving it on first use.
func (s *session) sectionKey(factory securememory.SecretFactory, salt []byte, section Section) (*Key, error) {
	s.mu.RLock()
	if k, ok := s.sectionKeys[section]; ok {
		s.mu.RUnlock()
		return k, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent caller may have derived it while we waited on the lock.
	if k, ok := s.sectionKeys[section]; ok {
		return k, nil
	}

	k, err := DeriveSectionKey(factory, s.master, salt, section)
	if err != nil {
		return nil, err
	}

	s.sectionKeys[section] = k

	return k, nil
}

// signing returns the cached signing key, deriving it on first use.
func (s *session) signing(factory securememory.SecretFactory, salt []byte) (*Key, error) {
	s.mu.RLock()
	if s.signingKey != nil {
		k := s.signingKey
		s.mu.RUnlock()

		return k, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signingKey != nil {
		return s.signingKey, nil
	}

	k, err := DeriveSigningKey(factory, s.master, salt)
	if err != nil {
		return nil, err
	}

	s.signingKey = k

	return k, nil
}

// close destroys the master key and every derived key.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.master.Close()

	for _, k := range s.sectionKeys {
		k.Close()
	}

	if s.signingKey != nil {
		s.signingKey.Close()
	}
}

// Manager owns the encryption session lifecycle: the key-exchange handshake,
// derivation of per-purpose subkeys, expiry tracking, and key caching. It is
// an explicitly constructed, explicitly injected service; create one per
// application instance and share it.
//
// No Manager operation re-establishes a session implicitly. Expired or
// missing sessions surface as typed errors, and re-establishment is the
// caller's (or the background refresher's) responsibility.
type Manager struct {
	endpoint      SessionEndpoint
	states        ClientStateStore
	secretFactory securememory.SecretFactory
	policy        *Policy
	salt          []byte

	mu      sync.RWMutex
	current *session

	establishGroup singleflight.Group

	refresher *refresher

	deviceMu sync.Mutex
	deviceID string
}

// Verify Manager implements the middleware-facing interface.
var _ SessionKeys = (*Manager)(nil)

// ManagerOption is used to configure additional options on a Manager.
type ManagerOption func(*Manager)

// WithSecretFactory sets the factory to use for creating Secrets.
func WithSecretFactory(f securememory.SecretFactory) ManagerOption {
	return func(m *Manager) {
		m.secretFactory = f
	}
}

// WithMetrics enables or disables metrics.
func WithMetrics(enabled bool) ManagerOption {
	return func(m *Manager) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// NewManager creates a Manager. The endpoint is the transport to the portal
// backend (see pkg/portalapi for the HTTP implementation). The states store
// persists session metadata and the device id; it may be nil, in which case
// nothing is persisted and the device id lives only as long as the Manager.
//
// The configured salt is required and validated here so a misconfigured
// deployment fails at construction, not at first use.
func NewManager(config *Config, endpoint SessionEndpoint, states ClientStateStore, opts ...ManagerOption) (*Manager, error) {
	if config == nil {
		return nil, &ConfigError{Param: "config", Reason: "missing"}
	}

	if config.Salt == "" {
		return nil, &ConfigError{Param: "salt", Reason: "deployment key-derivation salt is required"}
	}

	salt, err := internal.B64Decode(config.Salt)
	if err != nil {
		return nil, &ConfigError{Param: "salt", Reason: "not valid base64"}
	}

	if endpoint == nil {
		return nil, &ConfigError{Param: "endpoint", Reason: "session endpoint is required"}
	}

	if config.Policy == nil {
		config.Policy = NewPolicy()
	}

	m := &Manager{
		endpoint:      endpoint,
		states:        states,
		secretFactory: new(memguard.SecretFactory),
		policy:        config.Policy,
		salt:          salt,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.policy.AutoRefresh {
		m.refresher = newRefresher(m)
	}

	// Metadata left by a previous run is only useful for invalidating the
	// server-side session it names; without the master key it can never
	// back a live session here.
	if m.states != nil {
		if meta, loadErr := m.states.LoadSessionMetadata(context.Background()); loadErr == nil && meta != nil {
			log.Debugf("[manager] found persisted session metadata %s (expires %s)", meta.SessionID, meta.ExpiresAt)
		}
	}

	return m, nil
}

// Establish performs the key-exchange handshake and installs the resulting
// session, replacing any existing one. Overlapping calls are coalesced: they
// share a single handshake and all receive its outcome.
func (m *Manager) Establish(ctx context.Context) (*SessionInfo, error) {
	defer establishTimer.UpdateSince(time.Now())

	v, err, _ := m.establishGroup.Do("establish", func() (interface{}, error) {
		return m.establish(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(*SessionInfo), nil
}

func (m *Manager) establish(ctx context.Context) (*SessionInfo, error) {
	deviceID, err := m.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	// The ephemeral private key never leaves this function.
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "error generating ephemeral key pair")
	}

	publicDER, err := x509.MarshalPKIXPublicKey(private.PublicKey())
	if err != nil {
		return nil, errors.Wrap(err, "error encoding client public key")
	}

	resp, err := m.endpoint.EstablishSession(ctx, &EstablishRequest{
		ClientPublicKey: internal.B64Encode(publicDER),
		DeviceID:        deviceID,
	})
	if err != nil {
		return nil, err
	}

	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		return nil, &EstablishmentError{Err: errors.Wrap(err, "error parsing session expiry")}
	}

	serverPublic, err := parseServerPublicKey(resp.ServerPublicKey)
	if err != nil {
		return nil, &EstablishmentError{Err: err}
	}

	shared, err := private.ECDH(serverPublic)
	if err != nil {
		return nil, &EstablishmentError{Err: errors.Wrap(err, "error computing shared secret")}
	}
	defer internal.MemClr(shared)

	master, err := NewKey(m.secretFactory, UsageDerive, shared)
	if err != nil {
		return nil, errors.Wrap(err, "error protecting master key")
	}

	next := &session{
		id:          resp.SessionID,
		expiresAt:   expiresAt,
		master:      master,
		sectionKeys: make(map[Section]*Key),
	}

	// The swap replaces session id, master key, and caches in one step. The
	// replaced session's keys are left for finalizers so in-flight
	// operations holding them can complete.
	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	if m.states != nil {
		meta := &SessionMetadata{SessionID: resp.SessionID, ExpiresAt: expiresAt}
		if storeErr := m.states.StoreSessionMetadata(ctx, meta); storeErr != nil {
			log.Warnf("failed to persist session metadata: %v", storeErr)
		}
	}

	if m.refresher != nil {
		m.refresher.arm(expiresAt)
	}

	log.Debugf("[establish] session %s expires %s", resp.SessionID, expiresAt)

	return &SessionInfo{SessionID: resp.SessionID, ExpiresAt: expiresAt}, nil
}

// Invalidate tells the backend to discard the session and tears down local
// state. Local cleanup always happens, even when the network call fails; the
// returned error is the network call's, for callers that want to log it.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if m.refresher != nil {
		m.refresher.disarm()
	}

	id := ""

	switch {
	case s != nil:
		id = s.id
	case m.states != nil:
		// A previous run may have left a server-side session behind.
		if meta, err := m.states.LoadSessionMetadata(ctx); err == nil && meta != nil {
			id = meta.SessionID
		}
	}

	defer func() {
		if s != nil {
			s.close()
		}

		if m.states != nil {
			if err := m.states.ClearSessionMetadata(ctx); err != nil {
				log.Warnf("failed to clear persisted session metadata: %v", err)
			}
		}
	}()

	if id == "" {
		return nil
	}

	if err := m.endpoint.InvalidateSession(ctx, id); err != nil {
		log.Warnf("session invalidation call failed: %v", err)
		return err
	}

	return nil
}

// BindSession associates the live session with the authenticated user. It is
// optional post-login hardening: failure leaves the session usable and is
// logged rather than escalated.
func (m *Manager) BindSession(ctx context.Context) error {
	id := m.SessionID()
	if id == "" {
		return ErrNoActiveSession
	}

	if err := m.endpoint.BindSession(ctx, id); err != nil {
		log.Warnf("session bind failed: %v", err)
		return err
	}

	return nil
}

// SessionID returns the live session's id, or "" when there is none. An
// expired session is cleared on sight (lazy invalidation).
func (m *Manager) SessionID() string {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s == nil {
		return ""
	}

	if isSessionExpired(s.expiresAt) {
		m.clearExpired(s)
		return ""
	}

	return s.id
}

// clearExpired drops the expired session if it is still current. Its keys
// are not closed here: a caller that fetched one just before expiry may
// still be mid-operation, so reclamation is left to finalizers.
func (m *Manager) clearExpired(s *session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()

	if m.states != nil {
		if err := m.states.ClearSessionMetadata(context.Background()); err != nil {
			log.Warnf("failed to clear persisted session metadata: %v", err)
		}
	}

	log.Debugf("[session] expired session %s cleared", s.id)
}

// HasValidSession reports whether an unexpired session is held.
func (m *Manager) HasValidSession() bool {
	return m.SessionID() != ""
}

// ExpiresWithin reports whether the session expires inside the given window.
// No session at all counts as already expiring.
func (m *Manager) ExpiresWithin(window time.Duration) bool {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s == nil {
		return true
	}

	return expiresWithin(s.expiresAt, window)
}

// ExpiresAt returns the live session's expiry. The second return is false
// when no session is held.
func (m *Manager) ExpiresAt() (time.Time, bool) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s == nil {
		return time.Time{}, false
	}

	return s.expiresAt, true
}

// SectionKey returns the AES-256-GCM key for a section, deriving and caching
// it on first use. It fails with ErrNoActiveSession or ErrSessionExpired
// rather than proceeding with a dead session.
func (m *Manager) SectionKey(section Section) (*Key, error) {
	defer sectionKeyTimer.UpdateSince(time.Now())

	s, err := m.liveSession()
	if err != nil {
		return nil, err
	}

	return s.sectionKey(m.secretFactory, m.salt, section)
}

// SigningKey returns the HMAC-SHA256 key for request signing, deriving and
// caching it on first use.
func (m *Manager) SigningKey() (*Key, error) {
	defer signingKeyTimer.UpdateSince(time.Now())

	s, err := m.liveSession()
	if err != nil {
		return nil, err
	}

	return s.signing(m.secretFactory, m.salt)
}

func (m *Manager) liveSession() (*session, error) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s == nil {
		return nil, ErrNoActiveSession
	}

	if isSessionExpired(s.expiresAt) {
		return nil, ErrSessionExpired
	}

	return s, nil
}

// DeviceID returns the stable device identifier, generating and persisting
// one on first use. Unlike sessions, the device id is long-lived and spans
// them.
func (m *Manager) DeviceID(ctx context.Context) (string, error) {
	m.deviceMu.Lock()
	defer m.deviceMu.Unlock()

	if m.deviceID != "" {
		return m.deviceID, nil
	}

	if m.states != nil {
		id, err := m.states.LoadDeviceID(ctx)
		if err != nil {
			return "", errors.Wrap(err, "error loading device id")
		}

		if id != "" {
			m.deviceID = id
			return id, nil
		}
	}

	id := uuid.NewString()

	if m.states != nil {
		if err := m.states.StoreDeviceID(ctx, id); err != nil {
			return "", errors.Wrap(err, "error storing device id")
		}
	}

	m.deviceID = id
	log.Debugf("[device] generated device id %s", id)

	return id, nil
}

// Close stops the background refresher and invalidates the session. It
// should be called on application shutdown.
func (m *Manager) Close() error {
	if m.refresher != nil {
		m.refresher.stop()
	}

	return m.Invalidate(context.Background())
}

// parseServerPublicKey decodes a base64 SPKI EC public key into its ECDH
// form.
func parseServerPublicKey(b64SPKI string) (*ecdh.PublicKey, error) {
	der, err := internal.B64Decode(b64SPKI)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding server public key")
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing server public key")
	}

	switch pk := pub.(type) {
	case *ecdsa.PublicKey:
		ecdhPub, err := pk.ECDH()

		return ecdhPub, errors.Wrap(err, "error converting server public key")
	case *ecdh.PublicKey:
		return pk, nil
	default:
		return nil, errors.Errorf("server public key is %T, expected an EC key", pub)
	}
}
