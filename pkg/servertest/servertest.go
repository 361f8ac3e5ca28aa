// Package servertest provides an in-process portal backend implementing the
// session endpoints over real HTTP. It performs the server half of the
// key-exchange handshake, so tests and examples can establish genuine
// sessions and verify ciphertext end to end without a deployed backend.
package servertest

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goburrow/cache"
	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/caresphere/portalcrypt"
	"github.com/caresphere/portalcrypt/internal"
	"github.com/caresphere/portalcrypt/pkg/log"
)

// DefaultSessionTTL is the session lifetime unless overridden.
const DefaultSessionTTL = 15 * time.Minute

// CookieName is the auth cookie set on establishment. The session endpoints
// require it, like the portal's own endpoints sit behind authentication.
const CookieName = "portal_auth"

type config struct {
	ttl        time.Duration
	failStatus int
	failBody   string
	salt       []byte
	schemas    map[string]echoSchema
	record     []byte
}

// Option is used to configure the test server.
type Option func(*config)

// WithSessionTTL sets the lifetime of issued sessions.
func WithSessionTTL(d time.Duration) Option {
	return func(c *config) {
		c.ttl = d
	}
}

// WithEstablishFailure makes session establishment fail with the given
// status and body, for exercising error paths.
func WithEstablishFailure(status int, body string) Option {
	return func(c *config) {
		c.failStatus = status
		c.failBody = body
	}
}

// WithDeploymentSalt gives the server its copy of the deployment salt, the
// same raw bytes the client configures. The echo endpoint needs it to derive
// section keys.
func WithDeploymentSalt(salt []byte) Option {
	return func(c *config) {
		c.salt = append([]byte(nil), salt...)
	}
}

// WithEchoSchema registers a server-side field schema, standing in for the
// backend's knowledge of which fields an endpoint protects and under which
// section.
func WithEchoSchema(id string, fields []string, section portalcrypt.Section) Option {
	return func(c *config) {
		c.schemas[id] = echoSchema{fields: fields, section: section}
	}
}

// WithPatientRecord sets the document served by the record endpoint.
func WithPatientRecord(body []byte) Option {
	return func(c *config) {
		c.record = append([]byte(nil), body...)
	}
}

type sessionRecord struct {
	id        string
	deviceID  string
	secret    []byte
	expiresAt time.Time
}

// Server is an in-process portal backend. The embedded httptest.Server's URL
// is the API base to point clients at.
type Server struct {
	*httptest.Server

	cfg      config
	factory  securememory.SecretFactory
	sessions cache.Cache

	mu            sync.Mutex
	establishes   int
	lastPlaintext []byte
}

// New starts a test server. Callers must Close it when done.
func New(opts ...Option) *Server {
	cfg := config{
		ttl:     DefaultSessionTTL,
		schemas: make(map[string]echoSchema),
		record:  []byte(defaultPatientRecord),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		cfg:     cfg,
		factory: new(memguard.SecretFactory),
		// Server-side expiry matches the advertised session lifetime, so a
		// session the client believes expired really is gone here too.
		sessions: cache.New(
			cache.WithMaximumSize(1000),
			cache.WithExpireAfterWrite(cfg.ttl),
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/crypto/establish-session", s.handleEstablish)
	mux.HandleFunc("/crypto/invalidate-session", s.handleInvalidate)
	mux.HandleFunc("/crypto/bind-session", s.handleBind)
	mux.HandleFunc("/echo", s.handleEcho)
	mux.HandleFunc("/patient/record", s.handleRecord)

	s.Server = httptest.NewServer(mux)

	return s
}

// Close shuts down the HTTP server and the session table.
func (s *Server) Close() {
	s.Server.Close()

	if err := s.sessions.Close(); err != nil {
		log.Debugf("[servertest] session table close: %v", err)
	}
}

// SessionSecret returns a copy of the shared secret negotiated for a
// session. Tests use it to derive the same keys as the client and verify
// ciphertext independently. The second return is false for unknown or
// expired sessions.
func (s *Server) SessionSecret(id string) ([]byte, bool) {
	v, ok := s.sessions.GetIfPresent(id)
	if !ok {
		return nil, false
	}

	rec := v.(*sessionRecord)
	secret := make([]byte, len(rec.secret))
	copy(secret, rec.secret)

	return secret, true
}

// SessionDeviceID returns the device id presented when a session was
// established.
func (s *Server) SessionDeviceID(id string) (string, bool) {
	v, ok := s.sessions.GetIfPresent(id)
	if !ok {
		return "", false
	}

	return v.(*sessionRecord).deviceID, true
}

// Revoke discards a session server-side, simulating out-of-band revocation.
func (s *Server) Revoke(id string) {
	s.sessions.Invalidate(id)
}

// Establishes returns how many handshakes completed. Coalescing tests assert
// on it.
func (s *Server) Establishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.establishes
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.cfg.failStatus != 0 {
		http.Error(w, s.cfg.failBody, s.cfg.failStatus)
		return
	}

	var req struct {
		ClientPublicKey string `json:"clientPublicKey"`
		DeviceID        string `json:"deviceId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	clientPub, err := parseClientPublicKey(req.ClientPublicKey)
	if err != nil {
		http.Error(w, "invalid client public key", http.StatusBadRequest)
		return
	}

	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}

	secret, err := private.ECDH(clientPub)
	if err != nil {
		http.Error(w, "key agreement failed", http.StatusBadRequest)
		return
	}

	serverPubDER, err := x509.MarshalPKIXPublicKey(private.PublicKey())
	if err != nil {
		http.Error(w, "key encoding failed", http.StatusInternalServerError)
		return
	}

	rec := &sessionRecord{
		id:        uuid.NewString(),
		deviceID:  req.DeviceID,
		secret:    secret,
		expiresAt: time.Now().Add(s.cfg.ttl),
	}

	s.sessions.Put(rec.id, rec)

	s.mu.Lock()
	s.establishes++
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: CookieName, Value: rec.id, Path: "/"})

	log.Debugf("[servertest] established session %s for device %s", rec.id, rec.deviceID)

	writeJSON(w, map[string]string{
		"sessionId":       rec.id,
		"serverPublicKey": internal.B64Encode(serverPubDER),
		"expiresAt":       rec.expiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}

	// Idempotent: invalidating an unknown or already-dead session succeeds.
	s.sessions.Invalidate(id)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}

	if _, live := s.sessions.GetIfPresent(id); !live {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// sessionRequest validates the shared preconditions of the session
// endpoints: POST, auth cookie, session id header.
func (s *Server) sessionRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	if _, err := r.Cookie(CookieName); err != nil {
		http.Error(w, "missing auth cookie", http.StatusUnauthorized)
		return "", false
	}

	id := r.Header.Get(portalcrypt.HeaderSessionID)
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return "", false
	}

	return id, true
}

func parseClientPublicKey(b64SPKI string) (*ecdh.PublicKey, error) {
	der, err := internal.B64Decode(b64SPKI)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}

	switch pk := pub.(type) {
	case *ecdsa.PublicKey:
		return pk.ECDH()
	case *ecdh.PublicKey:
		return pk, nil
	default:
		return nil, errInvalidKeyType
	}
}

var errInvalidKeyType = errors.New("client public key is not an EC key")

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("[servertest] response encode: %v", err)
	}
}
