// Package mysqltest provides utilities for testing the SQL-backed client
// state store against a real MySQL instance.
package mysqltest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go"
)

const (
	dbName     = "portaltest"
	dbUser     = "root"
	dbPassword = "Password123"

	portProtocolMySQL = "3306/tcp"
	maxTriesMySQL     = 30
	waitTimeMySQL     = 2
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS portal_client_state (
	profile     VARCHAR(255) NOT NULL,
	state_key   VARCHAR(32)  NOT NULL,
	state_value TEXT         NOT NULL,
	updated_at  TIMESTAMP    NOT NULL,
	PRIMARY KEY (profile, state_key)
)`

// MySQLTestContext wraps a MySQL instance with the portal_client_state table
// prepared.
type MySQLTestContext struct {
	disableTestContainers bool
	container             testcontainers.Container

	db *sql.DB
}

// NewMySQLTestContext starts a MySQL container and prepares the state table.
//
// If the DISABLE_TESTCONTAINERS environment variable is set to true, the test
// context connects to a local MySQL instance instead; override the host with
// MYSQL_HOSTNAME.
func NewMySQLTestContext(t *testing.T) *MySQLTestContext {
	t.Helper()

	ctx := context.Background()
	c := &MySQLTestContext{}

	var (
		err  error
		host string
		port nat.Port
	)

	if val, ok := os.LookupEnv("DISABLE_TESTCONTAINERS"); ok {
		c.disableTestContainers, err = strconv.ParseBool(val)
		if err != nil {
			panic(err)
		}
	}

	if c.disableTestContainers {
		host = os.Getenv("MYSQL_HOSTNAME")
		if len(host) == 0 {
			host = "localhost"
		}

		port = portProtocolMySQL
	} else {
		request := testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{portProtocolMySQL},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": dbPassword,
				"MYSQL_DATABASE":      dbName,
			},
		}

		c.container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: request,
			Started:          true,
		})
		if err != nil {
			panic(err)
		}

		if host, err = c.container.Host(ctx); err != nil {
			panic(err)
		}

		if port, err = c.container.MappedPort(ctx, portProtocolMySQL); err != nil {
			panic(err)
		}
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", dbUser, dbPassword, host, port.Port(), dbName)

	if c.db, err = sql.Open("mysql", dsn); err != nil {
		panic(err)
	}

	c.waitForReady()

	if _, err := c.db.Exec(createTableSQL); err != nil {
		panic(err)
	}

	return c
}

// waitForReady pings until the server accepts connections. Fresh containers
// take a while to initialize.
func (c *MySQLTestContext) waitForReady() {
	var err error

	for tries := 0; tries < maxTriesMySQL; tries++ {
		if err = c.db.Ping(); err == nil {
			return
		}

		time.Sleep(waitTimeMySQL * time.Second)
	}

	panic(err)
}

// DB returns the open database handle.
func (c *MySQLTestContext) DB() *sql.DB {
	return c.db
}

// CleanDB empties the state table between tests.
func (c *MySQLTestContext) CleanDB(t *testing.T) {
	t.Helper()

	if _, err := c.db.Exec("TRUNCATE TABLE portal_client_state"); err != nil {
		t.Logf("truncate failed: %v", err)
	}
}

// Teardown closes the database handle and stops the container.
func (c *MySQLTestContext) Teardown(t *testing.T) {
	t.Helper()

	_ = c.db.Close()

	if c.container != nil {
		_ = c.container.Terminate(context.Background())
	}
}
