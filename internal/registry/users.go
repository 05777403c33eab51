package registry

// users.go contains Store methods for the user binding columns added by
// the remote_profiles migration. A user row is either born local or is
// created from a satellite announcement; it becomes orphaned when its
// device row is removed (the foreign key cascades the delete).

import (
	"database/sql"
	"errors"
	"log"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// User is the slice of the chat user row this subsystem cares about.
type User struct {
	ID          int64
	DisplayName string

	// RemoteDeviceID binds the user to a remote device row; nil for
	// purely local users.
	RemoteDeviceID *int64

	// RemoteUserID is the satellite-side integer the satellite uses to
	// refer to this user locally; nil for purely local users.
	RemoteUserID *int64
}

// CreateLocalUser inserts a user row with no remote binding.
func (s *Store) CreateLocalUser(displayName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"INSERT INTO users (display_name) VALUES (?)", displayName,
	)
	if err != nil {
		return 0, remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "insert user", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "user row id", err)
	}
	return id, nil
}

// CreateRemoteUser inserts a user row created from a satellite
// announcement, bound to the given device.
func (s *Store) CreateRemoteUser(displayName string, deviceID, remoteUserID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"INSERT INTO users (display_name, remote_device_id, remote_user_id) VALUES (?, ?, ?)",
		displayName, deviceID, remoteUserID,
	)
	if err != nil {
		return 0, remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "insert remote user", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "user row id", err)
	}

	log.Printf("registry: created user %d bound to device %d (remote user %d)", id, deviceID, remoteUserID)
	return id, nil
}

// BindUser attaches an existing user row to a remote device.
func (s *Store) BindUser(userID, deviceID, remoteUserID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		"UPDATE users SET remote_device_id = ?, remote_user_id = ? WHERE user_id = ?",
		deviceID, remoteUserID, userID,
	)
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "bind user", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "check rows affected", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetUser retrieves a user row by ID.
// Returns ErrUserNotFound if the row does not exist.
func (s *Store) GetUser(userID int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		SELECT user_id, display_name, remote_device_id, remote_user_id
		FROM users
		WHERE user_id = ?
	`

	var (
		user           User
		remoteDeviceID sql.NullInt64
		remoteUserID   sql.NullInt64
	)
	err := s.db.QueryRow(query, userID).Scan(
		&user.ID, &user.DisplayName, &remoteDeviceID, &remoteUserID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "get user", err)
	}

	if remoteDeviceID.Valid {
		user.RemoteDeviceID = &remoteDeviceID.Int64
	}
	if remoteUserID.Valid {
		user.RemoteUserID = &remoteUserID.Int64
	}
	return &user, nil
}

// UsersForDevice returns the user rows bound to a remote device.
func (s *Store) UsersForDevice(deviceID int64) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		SELECT user_id, display_name, remote_device_id, remote_user_id
		FROM users
		WHERE remote_device_id = ?
		ORDER BY user_id ASC
	`

	rows, err := s.db.Query(query, deviceID)
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "query users", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var (
			user           User
			remoteDeviceID sql.NullInt64
			remoteUserID   sql.NullInt64
		)
		if err := rows.Scan(&user.ID, &user.DisplayName, &remoteDeviceID, &remoteUserID); err != nil {
			return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "scan user", err)
		}
		if remoteDeviceID.Valid {
			user.RemoteDeviceID = &remoteDeviceID.Int64
		}
		if remoteUserID.Valid {
			user.RemoteUserID = &remoteUserID.Int64
		}
		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "iterate user rows", err)
	}
	return users, nil
}
