// Package driver exposes the registered database/sql driver.
//
// Importing this package registers the "sqlwire" driver. DSNs select the
// backend: "sqlite:PATH" opens an embedded database, "relay://ADDR" dials a
// relay server.
package driver

import (
	"database/sql"

	_ "github.com/sqlwire/sqlwire/internal/driver"
)

// DriverName is the registered database/sql driver name.
const DriverName = "sqlwire"

// Open is a convenience wrapper around `sql.Open(DriverName, dsn)`.
func Open(dsn string) (*sql.DB, error) { return sql.Open(DriverName, dsn) }

// OpenSQLite opens an embedded database by constructing a `sqlite:` DSN.
func OpenSQLite(path string) (*sql.DB, error) { return Open("sqlite:" + path) }

// OpenRelay dials a relay server by constructing a `relay://` DSN.
func OpenRelay(addr string) (*sql.DB, error) { return Open("relay://" + addr) }
