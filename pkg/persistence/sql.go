package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/caresphere/portalcrypt"
)

const (
	stateKeySession  = "session"
	stateKeyDeviceID = "device_id"

	defaultLoadStateQuery   = "SELECT state_value FROM portal_client_state WHERE profile = ? AND state_key = ?"
	defaultDeleteStateQuery = "DELETE FROM portal_client_state WHERE profile = ? AND state_key = ?"
	defaultInsertStateQuery = "INSERT INTO portal_client_state (profile, state_key, state_value, updated_at) VALUES (?, ?, ?, ?)"
)

var (
	// Verify SQLStore implements the ClientStateStore interface.
	_ portalcrypt.ClientStateStore = (*SQLStore)(nil)

	loadSQLTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.statestore.sql.load", portalcrypt.MetricsPrefix), nil)
	storeSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.statestore.sql.store", portalcrypt.MetricsPrefix), nil)
	clearSQLTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.statestore.sql.clear", portalcrypt.MetricsPrefix), nil)
)

// SQLStoreDBType identifies a specific database/sql driver.
type SQLStoreDBType string

const (
	Postgres SQLStoreDBType = "postgres"
	Oracle   SQLStoreDBType = "oracle"
	MySQL    SQLStoreDBType = "mysql"

	DefaultDBType = MySQL
)

var qrx = regexp.MustCompile(`\?`)

// q converts "?" characters to $1, $2, $n on postgres, :1, :2, :n on Oracle.
//
// This function is based on a function of the same name found in the Go
// sql test project: https://github.com/bradfitz/go-sql-test.
func (t SQLStoreDBType) q(sql string) string {
	var pref string

	//nolint:exhaustive
	switch t {
	case Postgres:
		pref = "$"
	case Oracle:
		pref = ":"
	default:
		return sql
	}
	n := 0
	return qrx.ReplaceAllStringFunc(sql, func(string) string {
		n++
		return pref + strconv.Itoa(n)
	})
}

// SQLStoreOption is used to configure additional options in a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithSQLStoreDBType configures the SQLStore for use with the specified
// family of database/sql drivers such as Postgres, Oracle, or MySQL
// (default).
func WithSQLStoreDBType(t SQLStoreDBType) SQLStoreOption {
	return func(s *SQLStore) {
		s.dbType = t
		s.loadStateQuery = t.q(s.loadStateQuery)
		s.deleteStateQuery = t.q(s.deleteStateQuery)
		s.insertStateQuery = t.q(s.insertStateQuery)
	}
}

// SQLStore implements the ClientStateStore interface over a RDBMS. It suits
// gateway deployments that drive portal sessions for many profiles out of
// one service and need client state to survive restarts.
//
// Required table:
//
//	CREATE TABLE portal_client_state (
//	    profile     VARCHAR(255) NOT NULL,
//	    state_key   VARCHAR(32)  NOT NULL,
//	    state_value TEXT         NOT NULL,
//	    updated_at  TIMESTAMP    NOT NULL,
//	    PRIMARY KEY (profile, state_key)
//	);
//
// Rows are scoped by profile, so distinct profiles never share a device id
// or session metadata.
type SQLStore struct {
	db      *sql.DB
	profile string

	dbType           SQLStoreDBType
	loadStateQuery   string
	deleteStateQuery string
	insertStateQuery string
}

// NewSQLStore returns a new SQLStore scoped to the given profile, using the
// provided sql connection.
func NewSQLStore(dbHandle *sql.DB, profile string, opts ...SQLStoreOption) *SQLStore {
	store := &SQLStore{
		db:      dbHandle,
		profile: profile,

		dbType:           DefaultDBType,
		loadStateQuery:   defaultLoadStateQuery,
		deleteStateQuery: defaultDeleteStateQuery,
		insertStateQuery: defaultInsertStateQuery,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

type scanner interface {
	Scan(v ...interface{}) error
}

// loadValue returns the stored value for a state key. The value will be ""
// if not already present.
func (s *SQLStore) loadValue(ctx context.Context, stateKey string) (string, error) {
	defer loadSQLTimer.UpdateSince(time.Now())

	var value string

	row := scanner(s.db.QueryRowContext(ctx, s.loadStateQuery, s.profile, stateKey))
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}

		return "", errors.Wrap(err, "error from scanner")
	}

	return value, nil
}

// storeValue replaces the stored value for a state key. Delete-then-insert
// inside a transaction is used instead of an upsert because upsert syntax is
// not portable across the supported drivers.
func (s *SQLStore) storeValue(ctx context.Context, stateKey, value string) error {
	defer storeSQLTimer.UpdateSince(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error starting transaction")
	}

	if _, err := tx.ExecContext(ctx, s.deleteStateQuery, s.profile, stateKey); err != nil {
		_ = tx.Rollback()

		return errors.Wrapf(err, "error clearing state: %s", stateKey)
	}

	if _, err := tx.ExecContext(ctx, s.insertStateQuery, s.profile, stateKey, value, time.Now().UTC()); err != nil {
		_ = tx.Rollback()

		return errors.Wrapf(err, "error storing state: %s", stateKey)
	}

	return errors.Wrap(tx.Commit(), "error committing state")
}

func (s *SQLStore) clearValue(ctx context.Context, stateKey string) error {
	defer clearSQLTimer.UpdateSince(time.Now())

	_, err := s.db.ExecContext(ctx, s.deleteStateQuery, s.profile, stateKey)

	return errors.Wrapf(err, "error clearing state: %s", stateKey)
}

// LoadSessionMetadata returns the persisted session metadata. The return
// value will be nil if not already present.
func (s *SQLStore) LoadSessionMetadata(ctx context.Context) (*portalcrypt.SessionMetadata, error) {
	value, err := s.loadValue(ctx, stateKeySession)
	if err != nil || value == "" {
		return nil, err
	}

	var meta portalcrypt.SessionMetadata

	if err := json.Unmarshal([]byte(value), &meta); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal session metadata")
	}

	return &meta, nil
}

// StoreSessionMetadata persists session metadata, replacing any previous
// entry for this profile.
func (s *SQLStore) StoreSessionMetadata(ctx context.Context, meta *portalcrypt.SessionMetadata) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "error marshaling session metadata")
	}

	return s.storeValue(ctx, stateKeySession, string(b))
}

// ClearSessionMetadata removes persisted session metadata. Clearing metadata
// that was never stored is not an error.
func (s *SQLStore) ClearSessionMetadata(ctx context.Context) error {
	return s.clearValue(ctx, stateKeySession)
}

// LoadDeviceID returns the persisted device id. The return value will be ""
// if not already present.
func (s *SQLStore) LoadDeviceID(ctx context.Context) (string, error) {
	return s.loadValue(ctx, stateKeyDeviceID)
}

// StoreDeviceID persists the device id for this profile.
func (s *SQLStore) StoreDeviceID(ctx context.Context, deviceID string) error {
	return s.storeValue(ctx, stateKeyDeviceID, deviceID)
}
