package servertest

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/caresphere/portalcrypt"
)

// handleEcho is the server half of the data plane: it verifies and decrypts
// an encrypted request the way the portal backend would, then answers with
// the same payload re-encrypted, so clients can exercise both directions over
// real HTTP.
//
// Plain requests are echoed untouched, mirroring endpoints that predate the
// encryption layer.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := r.Cookie(CookieName); err != nil {
		http.Error(w, "missing auth cookie", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if r.Header.Get(portalcrypt.HeaderEncrypted) != "true" {
		s.recordPlaintext(body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)

		return
	}

	if len(s.cfg.salt) == 0 {
		http.Error(w, "deployment salt not configured", http.StatusInternalServerError)
		return
	}

	secret, ok := s.SessionSecret(r.Header.Get(portalcrypt.HeaderSessionID))
	if !ok {
		http.Error(w, "unknown session", http.StatusUnauthorized)
		return
	}

	// The factory wipes the secret copy once the key is allocated.
	master, err := portalcrypt.NewKey(s.factory, portalcrypt.UsageDerive, secret)
	if err != nil {
		http.Error(w, "key setup failed", http.StatusInternalServerError)
		return
	}
	defer master.Close()

	if !s.verifySignature(w, r, master, body) {
		return
	}

	switch r.Header.Get(portalcrypt.HeaderEncryptionType) {
	case "full":
		s.echoFull(w, master, body)
	case "field":
		s.echoFields(w, r, master, body)
	default:
		http.Error(w, "unknown encryption type", http.StatusBadRequest)
	}
}

// verifySignature checks the request signature when one is present. It
// writes the error response itself and reports whether processing should
// continue.
func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request, master *portalcrypt.Key, body []byte) bool {
	sig := r.Header.Get(portalcrypt.HeaderSignature)
	if sig == "" {
		return true
	}

	signing, err := portalcrypt.DeriveSigningKey(s.factory, master, s.cfg.salt)
	if err != nil {
		http.Error(w, "key derivation failed", http.StatusInternalServerError)
		return false
	}
	defer signing.Close()

	ok, err := portalcrypt.VerifyPayload(body, sig, signing)
	if err != nil || !ok {
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return false
	}

	return true
}

func (s *Server) echoFull(w http.ResponseWriter, master *portalcrypt.Key, body []byte) {
	var payload portalcrypt.EncryptedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed encrypted payload", http.StatusBadRequest)
		return
	}

	key, err := portalcrypt.DeriveSectionKey(s.factory, master, s.cfg.salt, payload.Section)
	if err != nil {
		http.Error(w, "key derivation failed", http.StatusBadRequest)
		return
	}
	defer key.Close()

	plaintext, section, err := portalcrypt.DecryptPayload(&payload, key)
	if err != nil {
		http.Error(w, "decryption failed", http.StatusBadRequest)
		return
	}

	s.recordPlaintext(plaintext)

	echoed, err := portalcrypt.EncryptPayload(json.RawMessage(plaintext), key, section)
	if err != nil {
		http.Error(w, "re-encryption failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, echoed)
}

func (s *Server) echoFields(w http.ResponseWriter, r *http.Request, master *portalcrypt.Key, body []byte) {
	fields := strings.Split(r.Header.Get(portalcrypt.HeaderEncryptedFields), ",")
	if len(fields) == 1 && fields[0] == "" {
		http.Error(w, "missing encrypted fields header", http.StatusBadRequest)
		return
	}

	section := s.fieldSection(r)

	key, err := portalcrypt.DeriveSectionKey(s.factory, master, s.cfg.salt, section)
	if err != nil {
		http.Error(w, "key derivation failed", http.StatusBadRequest)
		return
	}
	defer key.Close()

	plaintext, err := portalcrypt.DecryptFields(body, fields, key)
	if err != nil {
		http.Error(w, "decryption failed", http.StatusBadRequest)
		return
	}

	s.recordPlaintext(plaintext)

	echoed, err := portalcrypt.EncryptFields(plaintext, fields, key, section, nil)
	if err != nil {
		http.Error(w, "re-encryption failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(echoed.Data)
}

// fieldSection resolves the key section for a field-encrypted request. The
// field wrapper carries no section, so it comes from the backend's schema
// knowledge, then the section header, then the default.
func (s *Server) fieldSection(r *http.Request) portalcrypt.Section {
	if id := r.Header.Get(portalcrypt.HeaderEncryptionSchema); id != "" {
		if schema, ok := s.cfg.schemas[id]; ok {
			return schema.section
		}
	}

	if h := r.Header.Get(portalcrypt.HeaderEncryptionSection); h != "" {
		if section := portalcrypt.Section(h); section.Valid() {
			return section
		}
	}

	return portalcrypt.DefaultFullPayloadSection
}

func (s *Server) recordPlaintext(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPlaintext = append([]byte(nil), body...)
}

// LastEchoPlaintext returns a copy of the plaintext the echo endpoint most
// recently recovered. Tests assert on it to prove the server really saw
// through the encryption.
func (s *Server) LastEchoPlaintext() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.lastPlaintext...)
}

// echoSchema is the server's registration of a field schema.
type echoSchema struct {
	fields  []string
	section portalcrypt.Section
}

const defaultPatientRecord = `{
	"mrn": "A-100042",
	"name": "Alex Rivera",
	"ssn": "123-45-6789",
	"insurance": {"carrier": "Acme Health", "memberId": "MBR-77812"},
	"visits": [{"date": "2026-02-11", "diagnosis": "hypertension"}]
}`

// handleRecord serves the configured patient record with the schema's fields
// encrypted, modeling a backend response the client must transparently
// decrypt. The auth cookie doubles as the session reference, the way the
// portal resolves sessions for reads.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		http.Error(w, "missing auth cookie", http.StatusUnauthorized)
		return
	}

	schema, ok := s.cfg.schemas[r.URL.Query().Get("schema")]
	if !ok {
		// endpoints without a schema predate the encryption layer
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.cfg.record)

		return
	}

	if len(s.cfg.salt) == 0 {
		http.Error(w, "deployment salt not configured", http.StatusInternalServerError)
		return
	}

	secret, ok := s.SessionSecret(cookie.Value)
	if !ok {
		http.Error(w, "unknown session", http.StatusUnauthorized)
		return
	}

	master, err := portalcrypt.NewKey(s.factory, portalcrypt.UsageDerive, secret)
	if err != nil {
		http.Error(w, "key setup failed", http.StatusInternalServerError)
		return
	}
	defer master.Close()

	key, err := portalcrypt.DeriveSectionKey(s.factory, master, s.cfg.salt, schema.section)
	if err != nil {
		http.Error(w, "key derivation failed", http.StatusInternalServerError)
		return
	}
	defer key.Close()

	result, err := portalcrypt.EncryptFields(s.cfg.record, schema.fields, key, schema.section, nil)
	if err != nil {
		http.Error(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(portalcrypt.HeaderEncrypted, "true")
	w.Header().Set(portalcrypt.HeaderEncryptionType, "field")
	_, _ = w.Write(result.Data)
}
