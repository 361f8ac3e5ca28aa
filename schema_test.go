package portalcrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	r := NewSchemaRegistry()

	assert.Nil(t, r.Get("patient-update"))
	assert.False(t, r.Has("patient-update"))

	r.Register("patient-update", &EncryptedFieldConfig{
		RequestFields:  []string{"ssn", "insurance.memberId"},
		ResponseFields: []string{"ssn"},
		Section:        SectionIdentity,
	})

	cfg := r.Get("patient-update")
	assert.NotNil(t, cfg)
	assert.Equal(t, []string{"ssn", "insurance.memberId"}, cfg.RequestFields)
	assert.Equal(t, SectionIdentity, cfg.Section)
	assert.True(t, r.Has("patient-update"))
	assert.True(t, r.HasRequestFields("patient-update"))
	assert.True(t, r.HasResponseFields("patient-update"))
}

func TestSchemaRegistry_LastWriteWins(t *testing.T) {
	r := NewSchemaRegistry()

	r.Register("visit-notes", &EncryptedFieldConfig{
		RequestFields: []string{"notes"},
		Section:       SectionHealth,
	})
	r.Register("visit-notes", &EncryptedFieldConfig{
		ResponseFields: []string{"notes"},
		Section:        SectionHealth,
	})

	cfg := r.Get("visit-notes")
	assert.Empty(t, cfg.RequestFields)
	assert.Equal(t, []string{"notes"}, cfg.ResponseFields)
	assert.False(t, r.HasRequestFields("visit-notes"))
	assert.True(t, r.HasResponseFields("visit-notes"))
}

func TestSchemaRegistry_CopiesOnRegister(t *testing.T) {
	r := NewSchemaRegistry()

	cfg := &EncryptedFieldConfig{
		RequestFields: []string{"ssn"},
		Section:       SectionIdentity,
		Conditions: map[string]FieldCondition{
			"ssn": func(v gjson.Result) bool { return true },
		},
	}

	r.Register("patient-update", cfg)

	// mutating the caller's config after registration must not leak in
	cfg.RequestFields[0] = "changed"
	cfg.Conditions["extra"] = func(v gjson.Result) bool { return false }

	got := r.Get("patient-update")
	assert.Equal(t, []string{"ssn"}, got.RequestFields)
	assert.Len(t, got.Conditions, 1)
}

func TestSchemaRegistry_CopiesOnGet(t *testing.T) {
	r := NewSchemaRegistry()

	r.Register("patient-update", &EncryptedFieldConfig{
		RequestFields: []string{"ssn"},
		Section:       SectionIdentity,
	})

	// mutating a returned config must not reach the registry
	got := r.Get("patient-update")
	got.RequestFields = append(got.RequestFields, "name")
	got.Section = SectionHealth

	again := r.Get("patient-update")
	assert.Equal(t, []string{"ssn"}, again.RequestFields)
	assert.Equal(t, SectionIdentity, again.Section)
}

func TestSchemaRegistry_IDs(t *testing.T) {
	r := NewSchemaRegistry()

	assert.Empty(t, r.IDs())

	r.Register("b-schema", &EncryptedFieldConfig{Section: SectionHealth})
	r.Register("a-schema", &EncryptedFieldConfig{Section: SectionHealth})

	assert.Equal(t, []string{"a-schema", "b-schema"}, r.IDs())
}

func TestEncryptedFieldConfig_ResponseSection(t *testing.T) {
	both := &EncryptedFieldConfig{Section: SectionHealth}
	assert.Equal(t, SectionHealth, both.responseSection())

	split := &EncryptedFieldConfig{Section: SectionHealth, ResponseSection: SectionFinancial}
	assert.Equal(t, SectionFinancial, split.responseSection())
}
