package portalcrypt

import (
	"crypto/sha256"
	"io"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// Section is a named data-sensitivity category. Each section derives an
// independent encryption key, limiting blast radius if one key is
// compromised.
type Section string

const (
	SectionHealth         Section = "health"
	SectionFinancial      Section = "financial"
	SectionIdentity       Section = "identity"
	SectionAuthentication Section = "authentication"
	SectionAdministrative Section = "administrative"
)

// The key-derivation context strings are fixed and versioned so a future
// key-schedule change can bump the version without breaking old sessions.
const (
	sectionContextPrefix = "portalcrypt:v1:section:"
	signingContext       = "portalcrypt:v1:signing"
)

// Sections returns all known sections.
func Sections() []Section {
	return []Section{
		SectionHealth,
		SectionFinancial,
		SectionIdentity,
		SectionAuthentication,
		SectionAdministrative,
	}
}

// Valid reports whether s is a known section.
func (s Section) Valid() bool {
	switch s {
	case SectionHealth, SectionFinancial, SectionIdentity, SectionAuthentication, SectionAdministrative:
		return true
	default:
		return false
	}
}

func (s Section) context() string {
	return sectionContextPrefix + string(s)
}

// DeriveSectionKey derives the AES-256-GCM key for a section from a
// derivation-only master key via HKDF-SHA256. Section keys are pure
// functions of (master, section, salt), so deriving twice yields identical
// key material.
func DeriveSectionKey(factory securememory.SecretFactory, master *Key, salt []byte, section Section) (*Key, error) {
	if !section.Valid() {
		return nil, errors.Errorf("unknown section %q", section)
	}

	return deriveKey(factory, master, salt, section.context(), UsageEncrypt)
}

// DeriveSigningKey derives the HMAC-SHA256 message-authentication key from a
// derivation-only master key. The context is distinct from every section
// context, so the signing key is independent of all encryption keys.
func DeriveSigningKey(factory securememory.SecretFactory, master *Key, salt []byte) (*Key, error) {
	return deriveKey(factory, master, salt, signingContext, UsageSign)
}

func deriveKey(factory securememory.SecretFactory, master *Key, salt []byte, info string, usage KeyUsage) (*Key, error) {
	var derived *Key

	err := master.WithBytes(UsageDerive, func(masterBytes []byte) error {
		raw := make([]byte, AES256KeySize)

		if _, err := io.ReadFull(hkdf.New(sha256.New, masterBytes, salt, []byte(info)), raw); err != nil {
			return errors.Wrap(err, "error deriving key material")
		}

		// The factory wipes raw once the secret is allocated.
		k, err := NewKey(factory, usage, raw)
		if err != nil {
			return err
		}

		derived = k

		return nil
	})
	if err != nil {
		return nil, err
	}

	return derived, nil
}
