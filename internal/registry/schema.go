package registry

import (
	"fmt"
	"log"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *Store) initSchema() error {
	// Schema version table tracks database migrations.
	// This allows future schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Check current version
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	// Apply migrations based on current version
	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2 (remote_profiles): %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the minimal chat-side schema this subsystem
// touches: the users table. The full chat store carries many more
// tables; only users gains remote binding columns here.
func (s *Store) migrateToV1() error {
	log.Printf("registry: applying migration to schema version 1")

	const usersTable = `
		CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY AUTOINCREMENT,
			display_name TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT(datetime('now'))
		);
	`

	if _, err := s.db.Exec(usersTable); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 applies the remote_profiles migration: the device
// registry table plus the user binding columns. A user row bound to a
// remote device is removed when the device row is deleted.
func (s *Store) migrateToV2() error {
	log.Printf("registry: applying migration to schema version 2")

	const up = `
		CREATE TABLE IF NOT EXISTS remote_devices (
			remote_device_id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_name        TEXT NOT NULL,
			device_status      TEXT NOT NULL,
			device_public_key  BLOB NOT NULL,
			local_private_key  BLOB NOT NULL,
			local_public_key   BLOB NOT NULL,
			created_at         TEXT NOT NULL DEFAULT(datetime('now')),
			updated_at         TEXT NOT NULL DEFAULT(datetime('now'))
		);
		ALTER TABLE users ADD COLUMN remote_device_id INTEGER
			REFERENCES remote_devices ON DELETE CASCADE;
		ALTER TABLE users ADD COLUMN remote_user_id INTEGER;
		CREATE INDEX IF NOT EXISTS idx_users_remote_device_id ON users(remote_device_id);
	`

	if _, err := s.db.Exec(up); err != nil {
		return fmt.Errorf("apply remote_profiles up migration: %w", err)
	}

	return s.recordMigration(2)
}

// DowngradeRemoteProfiles reverses the remote_profiles migration:
// drops the index, the two user columns, and the remote_devices table.
// Primarily exercised by tests and the recovery path of the installer.
func (s *Store) DowngradeRemoteProfiles() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("registry: reverting remote_profiles migration")

	const down = `
		DROP INDEX IF EXISTS idx_users_remote_device_id;
		ALTER TABLE users DROP COLUMN remote_device_id;
		ALTER TABLE users DROP COLUMN remote_user_id;
		DROP TABLE IF EXISTS remote_devices;
		DELETE FROM schema_version WHERE version = 2;
	`

	if _, err := s.db.Exec(down); err != nil {
		return fmt.Errorf("apply remote_profiles down migration: %w", err)
	}

	return nil
}

// recordMigration inserts a schema_version row for the given version.
func (s *Store) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
