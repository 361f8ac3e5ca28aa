package portalcrypt

import (
	"time"
)

// Default values for Policy if not overridden.
const (
	DefaultFullPayloadSection = SectionHealth
	DefaultRefreshWindow      = time.Minute * 5
)

// Policy contains options to customize various behaviors in the encryption
// layer.
type Policy struct {
	// EncryptAllPayloads forces full-payload encryption for requests that
	// carry no schema ID, deployment wide.
	EncryptAllPayloads bool
	// FailOpenOnEncryptError controls what happens when an outgoing body
	// cannot be encrypted (no valid session, or an encryption failure):
	// when true the original body is sent unprotected with a logged
	// warning, favoring availability; when false the error propagates and
	// the request is blocked. Fail-open is exploitable if an attacker can
	// force sessions invalid, so production deployments should flip this
	// deliberately rather than inherit it.
	FailOpenOnEncryptError bool
	// DisableSigning turns off the HMAC signature header on encrypted
	// requests. Signing is enabled by default.
	DisableSigning bool
	// FullPayloadSection is the key section used for full-payload
	// encryption when the caller does not specify one.
	FullPayloadSection Section
	// RefreshWindow is how long before expiry a session counts as
	// near-expiring: the proactive refresher fires at this distance from
	// ExpiresAt, and reactive callers use it with ExpiresWithin.
	RefreshWindow time.Duration
	// AutoRefresh arms a background refresh on successful establishment so
	// sessions are replaced shortly before they expire.
	AutoRefresh bool
}

// PolicyOption is used to configure a Policy.
type PolicyOption func(*Policy)

// WithEncryptAllPayloads forces full-payload encryption for schema-less
// requests.
func WithEncryptAllPayloads() PolicyOption {
	return func(policy *Policy) {
		policy.EncryptAllPayloads = true
	}
}

// WithFailOpenOnEncryptError enables or disables the fail-open posture for
// outgoing encryption failures.
func WithFailOpenOnEncryptError(enabled bool) PolicyOption {
	return func(policy *Policy) {
		policy.FailOpenOnEncryptError = enabled
	}
}

// WithNoSigning disables the HMAC signature header on encrypted requests.
func WithNoSigning() PolicyOption {
	return func(policy *Policy) {
		policy.DisableSigning = true
	}
}

// WithFullPayloadSection sets the default section for full-payload
// encryption.
func WithFullPayloadSection(s Section) PolicyOption {
	return func(policy *Policy) {
		policy.FullPayloadSection = s
	}
}

// WithRefreshWindow sets how long before expiry a session counts as
// near-expiring.
func WithRefreshWindow(d time.Duration) PolicyOption {
	return func(policy *Policy) {
		policy.RefreshWindow = d
	}
}

// WithNoAutoRefresh disables the proactive background session refresh.
// Callers are then responsible for watching ExpiresWithin and
// re-establishing themselves.
func WithNoAutoRefresh() PolicyOption {
	return func(policy *Policy) {
		policy.AutoRefresh = false
	}
}

// NewPolicy returns a new Policy with default values: fail-open on
// encryption errors, signing enabled, health as the full-payload section,
// and proactive refresh armed.
func NewPolicy(opts ...PolicyOption) *Policy {
	policy := &Policy{
		EncryptAllPayloads:     false,
		FailOpenOnEncryptError: true,
		DisableSigning:         false,
		FullPayloadSection:     DefaultFullPayloadSection,
		RefreshWindow:          DefaultRefreshWindow,
		AutoRefresh:            true,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// isSessionExpired checks if the session's expiry has passed.
func isSessionExpired(expiresAt time.Time) bool {
	return !time.Now().Before(expiresAt)
}

// expiresWithin checks if the expiry falls inside the given window from now.
func expiresWithin(expiresAt time.Time, window time.Duration) bool {
	return !expiresAt.After(time.Now().Add(window))
}

// Config contains the required information to set up and use this library.
type Config struct {
	// APIBaseURL is the base URL of the portal backend the crypto endpoints
	// hang off of, e.g. "https://portal.example.com/api".
	APIBaseURL string
	// Salt is the base64-encoded deployment-wide key-derivation salt. It is
	// required: construction fails fast without it rather than at first
	// use.
	Salt string
	// Policy customizes encryption behaviors. If no policy is provided,
	// defaults are used.
	Policy *Policy
}
