package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Meta keys.
const (
	metaLamportClock = "lamport_clock"
	metaNodeID       = "node_id"
)

// migrations[i] upgrades a database from user_version i to i+1. schema.sql
// always describes the latest tables, so a migration only fixes up data or
// objects that CREATE IF NOT EXISTS cannot.
var migrations = []func(*sql.DB) error{
	seedClock,
}

// connParams are go-sqlite3 DSN options, applied by the driver on every
// new connection.
var connParams = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_busy_timeout": {"5000"},
}

// Store provides durable storage for one node's event log: events,
// snapshots and a small key/value meta table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path and brings its schema up
// to date. Opening the same file again is a no-op apart from the connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?"+connParams.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes every transaction, which append relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle. Production code goes through the Store methods;
// tests in other packages use it to tamper with stored rows.
func (s *Store) DB() *sql.DB {
	return s.db
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if err := migrations[v](db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("set user_version %d: %w", v+1, err)
		}
	}
	return nil
}

// seedClock makes sure the Lamport counter row exists, so loading the clock
// never has to distinguish "missing" from zero.
func seedClock(db *sql.DB) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES (?, '0')`, metaLamportClock)
	return err
}
