// Package registry persists remote device identity keys and binds them
// to local user rows. It shares the chat store database: every write
// goes through the same serialized writer lock the chat controller
// uses, so registry updates are atomic with respect to chat activity.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"

	// SQLite driver - imported for side effects (registers the driver).
	// Using modernc.org/sqlite which is a pure-Go implementation that
	// doesn't require CGO, making cross-compilation and testing easier.
	"database/sql"

	_ "modernc.org/sqlite"
)

// ErrDeviceNotFound is returned when a device lookup fails.
var ErrDeviceNotFound = errors.New("remote device not found")

// ErrUserNotFound is returned when a user lookup fails.
var ErrUserNotFound = errors.New("user not found")

// Store implements the device registry on SQLite.
// It creates the database and tables on first use and supports
// concurrent access through internal locking. The zero value is not
// usable; construct with Open.
type Store struct {
	db *sql.DB    // Database connection handle.
	mu sync.Mutex // Serializes store access across CLI and daemon callers.

	// chatLock is the chat store writer lock handed out via Locker().
	// The controller holds it across whole operations that combine
	// session transitions with store calls, so it must be distinct
	// from mu, which every store method takes internally.
	chatLock sync.Mutex
}

// Open opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(path string) (*Store, error) {
	log.Printf("registry: opening database at %s", path)

	// Open database with foreign keys enabled for referential
	// integrity: user rows bound to a remote device must cascade when
	// the device row is deleted. busy_timeout covers concurrent access
	// from the CLI and a running host (e.g., during revocation).
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Verify the connection is working.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}

	// Create tables if they don't exist.
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("registry: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Locker exposes the chat store writer lock so the controller can
// serialize session transitions with registry and chat store writes.
// Store methods may be called while it is held.
func (s *Store) Locker() sync.Locker {
	return &s.chatLock
}

// Close releases the database connection.
func (s *Store) Close() error {
	log.Printf("registry: closing database")
	return s.db.Close()
}
