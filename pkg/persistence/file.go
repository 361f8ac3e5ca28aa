package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/caresphere/portalcrypt"
)

const (
	sessionFile = "session.json"
	deviceFile  = "device-id"
)

// Verify FileStore implements the state store interface.
var _ portalcrypt.ClientStateStore = (*FileStore)(nil)

// FileStore is a ClientStateStore backed by files in a directory. Session
// metadata survives process restarts, standing in for the browser's
// tab-scoped storage, and the device id persists indefinitely. Key material
// is never written here.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating the directory if
// needed. State files are written with owner-only permissions.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "error creating state directory")
	}

	return &FileStore{dir: dir}, nil
}

// LoadSessionMetadata retrieves stored session metadata.
// The return value will be nil if not already present.
func (s *FileStore) LoadSessionMetadata(_ context.Context) (*portalcrypt.SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, sessionFile))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, errors.Wrap(err, "error reading session metadata")
	}

	var m portalcrypt.SessionMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "error parsing session metadata")
	}

	return &m, nil
}

// StoreSessionMetadata persists session metadata, replacing any existing
// value.
func (s *FileStore) StoreSessionMetadata(_ context.Context, m *portalcrypt.SessionMetadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "error serializing session metadata")
	}

	return s.writeFile(sessionFile, raw)
}

// ClearSessionMetadata removes stored session metadata, if any.
func (s *FileStore) ClearSessionMetadata(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, sessionFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "error removing session metadata")
	}

	return nil
}

// LoadDeviceID retrieves the stored device identifier.
// The return value will be empty if not already present.
func (s *FileStore) LoadDeviceID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.dir, deviceFile))
	if os.IsNotExist(err) {
		return "", nil
	}

	if err != nil {
		return "", errors.Wrap(err, "error reading device id")
	}

	return strings.TrimSpace(string(raw)), nil
}

// StoreDeviceID persists the device identifier indefinitely.
func (s *FileStore) StoreDeviceID(_ context.Context, id string) error {
	return s.writeFile(deviceFile, []byte(id))
}

// writeFile writes via a temp file and rename so a crash mid-write cannot
// leave a torn state file.
func (s *FileStore) writeFile(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "error writing state file")
	}

	return errors.Wrap(os.Rename(tmp, path), "error committing state file")
}
