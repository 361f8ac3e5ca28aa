// Package persistence provides client-state stores for the portalcrypt
// Manager: the persisted remnants are session metadata (id and expiry,
// never key material) and the long-lived device identifier.
package persistence

import (
	"context"
	"sync"

	"github.com/caresphere/portalcrypt"
)

// Verify MemoryStore implements the state store interface.
var _ portalcrypt.ClientStateStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory ClientStateStore. Everything held here dies
// with the process, which matches the tab-scoped semantics of session
// metadata; deployments that want the device id to survive restarts should
// use a FileStore instead.
type MemoryStore struct {
	sync.RWMutex

	session  *portalcrypt.SessionMetadata
	deviceID string
}

// NewMemoryStore returns a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadSessionMetadata retrieves stored session metadata.
// The return value will be nil if not already present.
func (s *MemoryStore) LoadSessionMetadata(_ context.Context) (*portalcrypt.SessionMetadata, error) {
	s.RLock()
	defer s.RUnlock()

	if s.session == nil {
		return nil, nil
	}

	dup := *s.session

	return &dup, nil
}

// StoreSessionMetadata persists session metadata, replacing any existing
// value.
func (s *MemoryStore) StoreSessionMetadata(_ context.Context, m *portalcrypt.SessionMetadata) error {
	s.Lock()
	defer s.Unlock()

	dup := *m
	s.session = &dup

	return nil
}

// ClearSessionMetadata removes stored session metadata, if any.
func (s *MemoryStore) ClearSessionMetadata(_ context.Context) error {
	s.Lock()
	defer s.Unlock()

	s.session = nil

	return nil
}

// LoadDeviceID retrieves the stored device identifier.
// The return value will be empty if not already present.
func (s *MemoryStore) LoadDeviceID(_ context.Context) (string, error) {
	s.RLock()
	defer s.RUnlock()

	return s.deviceID, nil
}

// StoreDeviceID persists the device identifier.
func (s *MemoryStore) StoreDeviceID(_ context.Context, id string) error {
	s.Lock()
	defer s.Unlock()

	s.deviceID = id

	return nil
}
