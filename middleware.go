package portalcrypt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/tidwall/gjson"

	"github.com/caresphere/portalcrypt/pkg/log"
)

// Headers attached to encrypted requests. The backend routes and verifies
// based on these, so the names are part of the wire contract.
const (
	HeaderEncrypted         = "X-Encrypted"
	HeaderEncryptionType    = "X-Encryption-Type"
	HeaderSessionID         = "X-Session-Id"
	HeaderEncryptionSection = "X-Encryption-Section"
	HeaderEncryptionSchema  = "X-Encryption-Schema"
	HeaderEncryptedFields   = "X-Encrypted-Fields"
	HeaderSignature         = "X-Signature"
)

// Middleware metrics
var (
	requestTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.middleware.request", MetricsPrefix), nil)
	responseTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.middleware.response", MetricsPrefix), nil)
)

// Mode identifies how a request body was (or will be) transformed.
type Mode int

const (
	// ModeNone leaves the body untouched.
	ModeNone Mode = iota
	// ModeField encrypts the schema-selected fields in place.
	ModeField
	// ModeFull replaces the body with a single encrypted envelope.
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeField:
		return "field"
	case ModeFull:
		return "full"
	default:
		return "none"
	}
}

// ProcessedRequest is the outcome of request processing: the body to send
// and the headers to attach. Mode reports what was actually applied, which
// under fail-open can differ from what was asked for.
type ProcessedRequest struct {
	Body            []byte
	Headers         http.Header
	Mode            Mode
	EncryptedFields []string
}

type requestOptions struct {
	schemaID string
	section  Section
	full     bool
	disabled bool
}

// RequestOption is used to configure how a single request is processed.
type RequestOption func(*requestOptions)

// WithSchema selects the registered field schema for this request.
func WithSchema(id string) RequestOption {
	return func(o *requestOptions) {
		o.schemaID = id
	}
}

// WithSection overrides the key section, for full and field modes alike.
func WithSection(section Section) RequestOption {
	return func(o *requestOptions) {
		o.section = section
	}
}

// WithFullPayload forces full-payload encryption for this request.
func WithFullPayload() RequestOption {
	return func(o *requestOptions) {
		o.full = true
	}
}

// WithNoEncryption disables encryption for this request. It wins over every
// other option and over the encrypt-all policy.
func WithNoEncryption() RequestOption {
	return func(o *requestOptions) {
		o.disabled = true
	}
}

type responseOptions struct {
	schemaID string
	section  Section
	disabled bool
}

// ResponseOption is used to configure how a single response is processed.
type ResponseOption func(*responseOptions)

// WithResponseSchema selects the registered field schema for this response.
func WithResponseSchema(id string) ResponseOption {
	return func(o *responseOptions) {
		o.schemaID = id
	}
}

// WithResponseSection overrides the key section used for response
// decryption.
func WithResponseSection(section Section) ResponseOption {
	return func(o *responseOptions) {
		o.section = section
	}
}

// WithResponseDisabled returns the response body untouched.
func WithResponseDisabled() ResponseOption {
	return func(o *responseOptions) {
		o.disabled = true
	}
}

// Middleware applies session encryption to outgoing request bodies and
// removes it from incoming response bodies. It holds no transport: callers
// run their bodies through ProcessRequestBody and ProcessResponseData and
// ship the results over whatever HTTP client they already have.
type Middleware struct {
	sessions SessionKeys
	registry *SchemaRegistry
	policy   *Policy
}

// NewMiddleware creates a Middleware over the given session keys. A nil
// registry or policy gets a fresh default.
func NewMiddleware(sessions SessionKeys, registry *SchemaRegistry, policy *Policy) *Middleware {
	if registry == nil {
		registry = NewSchemaRegistry()
	}

	if policy == nil {
		policy = NewPolicy()
	}

	return &Middleware{
		sessions: sessions,
		registry: registry,
		policy:   policy,
	}
}

// Registry returns the schema registry, for registering schemas after
// construction.
func (mw *Middleware) Registry() *SchemaRegistry {
	return mw.registry
}

// ProcessRequestBody encrypts a request body according to the per-request
// options, the registered schema, and the policy.
//
// Mode selection, in priority order: an explicit disable wins; then an
// explicit full-payload request; then the encrypt-all policy when no schema
// applies; then field mode when the schema names request fields; otherwise
// the body passes through untouched.
//
// When FailOpenOnEncryptError is set, an encryption failure is logged and
// the original body is returned without encryption headers, so the request
// still goes out as plaintext.
func (mw *Middleware) ProcessRequestBody(ctx context.Context, body []byte, opts ...RequestOption) (*ProcessedRequest, error) {
	defer requestTimer.UpdateSince(time.Now())

	o := new(requestOptions)
	for _, opt := range opts {
		opt(o)
	}

	var schema *EncryptedFieldConfig
	if o.schemaID != "" {
		if schema = mw.registry.Get(o.schemaID); schema == nil {
			log.Debugf("[request] no schema registered for %q", o.schemaID)
		}
	}

	mode := mw.requestMode(o, schema)
	if mode == ModeNone || len(body) == 0 {
		return passthrough(body), nil
	}

	processed, err := mw.encryptRequest(body, o, schema, mode)
	if err != nil {
		if mw.policy.FailOpenOnEncryptError {
			log.Warnf("request encryption failed, sending plaintext: %v", err)
			return passthrough(body), nil
		}

		return nil, err
	}

	return processed, nil
}

func (mw *Middleware) requestMode(o *requestOptions, schema *EncryptedFieldConfig) Mode {
	switch {
	case o.disabled:
		return ModeNone
	case o.full:
		return ModeFull
	case mw.policy.EncryptAllPayloads && o.schemaID == "":
		return ModeFull
	case schema != nil && len(schema.RequestFields) > 0:
		return ModeField
	default:
		return ModeNone
	}
}

func (mw *Middleware) encryptRequest(body []byte, o *requestOptions, schema *EncryptedFieldConfig, mode Mode) (*ProcessedRequest, error) {
	sessionID := mw.sessions.SessionID()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}

	if mode == ModeFull {
		return mw.encryptFull(body, o, schema, sessionID)
	}

	return mw.encryptFields(body, o, schema, sessionID)
}

// encryptFull encrypts the whole body into a single envelope. The section
// is the policy's full-payload default, narrowed by the schema's section
// when one applies, with an explicit per-request override winning over both.
func (mw *Middleware) encryptFull(body []byte, o *requestOptions, schema *EncryptedFieldConfig, sessionID string) (*ProcessedRequest, error) {
	section := mw.policy.FullPayloadSection
	if schema != nil && schema.Section != "" {
		section = schema.Section
	}

	if o.section != "" {
		section = o.section
	}

	key, err := mw.sessions.SectionKey(section)
	if err != nil {
		return nil, err
	}

	payload, err := EncryptPayload(json.RawMessage(body), key, section)
	if err != nil {
		return nil, err
	}

	wire, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding encrypted payload")
	}

	p := &ProcessedRequest{
		Body:    wire,
		Headers: http.Header{},
		Mode:    ModeFull,
	}

	p.Headers.Set(HeaderEncrypted, "true")
	p.Headers.Set(HeaderEncryptionType, ModeFull.String())
	p.Headers.Set(HeaderSessionID, sessionID)
	p.Headers.Set(HeaderEncryptionSection, string(section))

	if schema != nil && o.schemaID != "" {
		p.Headers.Set(HeaderEncryptionSchema, o.schemaID)
	}

	if err := mw.sign(p); err != nil {
		return nil, err
	}

	return p, nil
}

func (mw *Middleware) encryptFields(body []byte, o *requestOptions, schema *EncryptedFieldConfig, sessionID string) (*ProcessedRequest, error) {
	section := schema.Section
	if o.section != "" {
		section = o.section
	}

	key, err := mw.sessions.SectionKey(section)
	if err != nil {
		return nil, err
	}

	result, err := EncryptFields(body, schema.RequestFields, key, section, schema.Conditions)
	if err != nil {
		return nil, err
	}

	// Every configured field was absent, null, or excluded by condition.
	// The body goes out untouched and unflagged.
	if len(result.EncryptedFields) == 0 {
		return passthrough(body), nil
	}

	p := &ProcessedRequest{
		Body:            result.Data,
		Headers:         http.Header{},
		Mode:            ModeField,
		EncryptedFields: result.EncryptedFields,
	}

	p.Headers.Set(HeaderEncrypted, "true")
	p.Headers.Set(HeaderEncryptionType, ModeField.String())
	p.Headers.Set(HeaderSessionID, sessionID)
	p.Headers.Set(HeaderEncryptionSection, string(section))
	p.Headers.Set(HeaderEncryptionSchema, o.schemaID)
	p.Headers.Set(HeaderEncryptedFields, strings.Join(result.EncryptedFields, ","))

	if err := mw.sign(p); err != nil {
		return nil, err
	}

	return p, nil
}

func (mw *Middleware) sign(p *ProcessedRequest) error {
	if mw.policy.DisableSigning {
		return nil
	}

	key, err := mw.sessions.SigningKey()
	if err != nil {
		return err
	}

	sig, err := SignPayload(p.Body, key)
	if err != nil {
		return err
	}

	p.Headers.Set(HeaderSignature, sig)

	return nil
}

func passthrough(body []byte) *ProcessedRequest {
	return &ProcessedRequest{
		Body:    body,
		Headers: http.Header{},
		Mode:    ModeNone,
	}
}

// ProcessResponseData removes encryption from a response body. Detection
// runs in priority order: a full-payload envelope, then the schema's
// response fields, then a sweep for field wrappers anywhere in the document.
// Plain responses come back unchanged.
//
// Decryption failures are always errors. Fail-open applies only to the
// encrypt path; handing ciphertext or tampered data to the application is
// never acceptable.
func (mw *Middleware) ProcessResponseData(ctx context.Context, data []byte, opts ...ResponseOption) ([]byte, error) {
	defer responseTimer.UpdateSince(time.Now())

	o := new(responseOptions)
	for _, opt := range opts {
		opt(o)
	}

	if o.disabled || len(data) == 0 || !gjson.ValidBytes(data) {
		return data, nil
	}

	if IsEncryptedPayload(data) {
		return mw.decryptFull(data, o)
	}

	var schema *EncryptedFieldConfig
	if o.schemaID != "" {
		schema = mw.registry.Get(o.schemaID)
	}

	if schema != nil && len(schema.ResponseFields) > 0 {
		key, err := mw.responseKey(o, schema)
		if err != nil {
			return nil, err
		}

		return DecryptFields(data, schema.ResponseFields, key)
	}

	if HasEncryptedFields(data) {
		key, err := mw.responseKey(o, schema)
		if err != nil {
			return nil, err
		}

		return AutoDecryptFields(data, key)
	}

	return data, nil
}

func (mw *Middleware) decryptFull(data []byte, o *responseOptions) ([]byte, error) {
	var payload EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "error decoding encrypted payload")
	}

	// The envelope's section label is advisory. A caller override names the
	// key authoritatively; only without one is the label trusted.
	section := payload.Section
	if o.section != "" {
		section = o.section
	}

	if !section.Valid() {
		return nil, errors.Errorf("unknown encryption section %q", section)
	}

	key, err := mw.sessions.SectionKey(section)
	if err != nil {
		return nil, err
	}

	plaintext, _, err := DecryptPayload(&payload, key)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// responseKey resolves the section key for field-level response decryption.
// The field wrapper does not name its section, so it comes from the options,
// the schema, or the policy default, in that order of preference.
func (mw *Middleware) responseKey(o *responseOptions, schema *EncryptedFieldConfig) (*Key, error) {
	section := mw.policy.FullPayloadSection

	if schema != nil {
		if s := schema.responseSection(); s != "" {
			section = s
		}
	}

	if o.section != "" {
		section = o.section
	}

	return mw.sessions.SectionKey(section)
}
