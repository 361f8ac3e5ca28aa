package portalcrypt

import (
	"sort"
	"sync"
)

// EncryptedFieldConfig describes which fields of a logical operation are
// protected. Request and response field lists are independent; a schema may
// define only one side.
type EncryptedFieldConfig struct {
	// RequestFields are the dot-paths to encrypt before send, in order.
	RequestFields []string
	// ResponseFields are the dot-paths to decrypt after receive.
	ResponseFields []string
	// Section selects the key for the request side.
	Section Section
	// ResponseSection overrides the section for the response side; empty
	// means Section applies to both.
	ResponseSection Section
	// Conditions maps a request path to a predicate; the field is only
	// encrypted when the predicate returns true for its current value.
	Conditions map[string]FieldCondition
}

func (c *EncryptedFieldConfig) responseSection() Section {
	if c.ResponseSection != "" {
		return c.ResponseSection
	}

	return c.Section
}

func (c *EncryptedFieldConfig) clone() *EncryptedFieldConfig {
	dup := &EncryptedFieldConfig{
		RequestFields:   append([]string(nil), c.RequestFields...),
		ResponseFields:  append([]string(nil), c.ResponseFields...),
		Section:         c.Section,
		ResponseSection: c.ResponseSection,
	}

	if c.Conditions != nil {
		dup.Conditions = make(map[string]FieldCondition, len(c.Conditions))
		for k, v := range c.Conditions {
			dup.Conditions[k] = v
		}
	}

	return dup
}

// SchemaRegistry maps schema IDs, logical operation names such as
// "patient-update", to their field configs. It has no network or crypto
// side effects. Registration typically happens at application start, but
// the registry is safe for concurrent registration and lookup throughout.
type SchemaRegistry struct {
	sync.RWMutex
	schemas map[string]*EncryptedFieldConfig
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas: make(map[string]*EncryptedFieldConfig),
	}
}

// Register adds or replaces the config for a schema ID. Last write wins;
// there is no unregister. The config is copied, so later mutation by the
// caller does not affect the registry.
func (r *SchemaRegistry) Register(id string, cfg *EncryptedFieldConfig) {
	r.Lock()
	defer r.Unlock()

	r.schemas[id] = cfg.clone()
}

// Get returns a copy of the config for a schema ID, or nil if not already
// present. Mutating the result does not affect the registry.
func (r *SchemaRegistry) Get(id string) *EncryptedFieldConfig {
	r.RLock()
	defer r.RUnlock()

	cfg, ok := r.schemas[id]
	if !ok {
		return nil
	}

	return cfg.clone()
}

// Has reports whether a schema ID is registered.
func (r *SchemaRegistry) Has(id string) bool {
	r.RLock()
	defer r.RUnlock()

	_, ok := r.schemas[id]

	return ok
}

// HasRequestFields reports whether a schema is registered with at least one
// request field.
func (r *SchemaRegistry) HasRequestFields(id string) bool {
	r.RLock()
	defer r.RUnlock()

	cfg, ok := r.schemas[id]

	return ok && len(cfg.RequestFields) > 0
}

// HasResponseFields reports whether a schema is registered with at least one
// response field.
func (r *SchemaRegistry) HasResponseFields(id string) bool {
	r.RLock()
	defer r.RUnlock()

	cfg, ok := r.schemas[id]

	return ok && len(cfg.ResponseFields) > 0
}

// IDs returns all registered schema IDs, sorted.
func (r *SchemaRegistry) IDs() []string {
	r.RLock()
	defer r.RUnlock()

	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
