package main

import (
	"database/sql"

	"github.com/go-sql-driver/mysql"
)

const createStateTableSQL = `CREATE TABLE IF NOT EXISTS portal_client_state (
	profile     VARCHAR(255) NOT NULL,
	state_key   VARCHAR(32)  NOT NULL,
	state_value TEXT         NOT NULL,
	updated_at  TIMESTAMP    NOT NULL,
	PRIMARY KEY (profile, state_key)
)`

// getDB gets a database handle to the mysql instance with the provided
// connection string, ensuring the client state table exists.
func getDB(connStr string) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(connStr)
	if err != nil {
		return nil, err
	}

	dsn.ParseTime = true

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(createStateTableSQL); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}
