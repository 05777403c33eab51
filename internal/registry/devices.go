package registry

// devices.go contains Store methods for remote device rows.
// A remote device is a satellite bound to this host: its long-lived
// public identity key plus a host key pair generated for this binding.

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// DeviceStatus is the lifecycle state of a remote device row.
type DeviceStatus string

const (
	// DeviceStatusPending marks a device registered but not yet
	// confirmed by the host user.
	DeviceStatusPending DeviceStatus = "pending"

	// DeviceStatusActive marks a confirmed device that may open sessions.
	DeviceStatusActive DeviceStatus = "active"

	// DeviceStatusRevoked marks a device the host user has cut off.
	// Any handshake offering its key fails with device.revoked.
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// RemoteDevice represents one satellite binding persisted on the host.
// The pair (DevicePublicKey, LocalPublicKey) uniquely identifies the
// binding across restarts.
type RemoteDevice struct {
	ID              int64
	Name            string
	Status          DeviceStatus
	DevicePublicKey []byte // satellite's long-lived Ed25519 public key
	LocalPrivateKey []byte // host's Ed25519 private key for this binding
	LocalPublicKey  []byte // host's Ed25519 public key for this binding
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Register creates a device row in pending status and generates a fresh
// host key pair for the binding. Returns the new row ID and the host
// public key the satellite should pin.
// Fails with device.duplicate if the public key already has an active row.
func (s *Store) Register(name string, devicePublicKey []byte) (int64, ed25519.PublicKey, error) {
	if len(devicePublicKey) != ed25519.PublicKeySize {
		return 0, nil, remoteErrors.New(remoteErrors.CodeDeviceUnknown,
			fmt.Sprintf("device public key must be %d bytes", ed25519.PublicKeySize))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reject a second active binding for the same satellite identity.
	existing, err := s.lookupLocked(devicePublicKey)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return 0, nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "lookup device", err)
	}
	if existing != nil && existing.Status == DeviceStatusActive {
		return 0, nil, remoteErrors.DuplicateDevice()
	}

	// A distinct host key pair per device binding: revoking one device
	// never invalidates the host's identity towards another.
	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return 0, nil, remoteErrors.Internal("generate host key pair", err)
	}

	now := time.Now().Format(time.RFC3339Nano)
	const query = `
		INSERT INTO remote_devices
			(device_name, device_status, device_public_key, local_private_key, local_public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, name, string(DeviceStatusPending),
		devicePublicKey, []byte(hostPriv), []byte(hostPub), now, now)
	if err != nil {
		return 0, nil, remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "insert device", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, nil, remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "device row id", err)
	}

	log.Printf("registry: registered device %d (%s) as pending", id, name)
	return id, hostPub, nil
}

// Confirm moves a pending device to active.
func (s *Store) Confirm(deviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(deviceID, DeviceStatusPending, DeviceStatusActive)
}

// Reject deletes a pending device row. Confirmed devices must be
// revoked instead so the binding history is retained.
func (s *Store) Reject(deviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("registry: rejecting device %d", deviceID)

	result, err := s.db.Exec(
		"DELETE FROM remote_devices WHERE remote_device_id = ? AND device_status = ?",
		deviceID, string(DeviceStatusPending),
	)
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "delete device", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "check rows affected", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Revoke sets a device's status to revoked. Open sessions for the
// device must be torn down by the controller on the next transport tick.
func (s *Store) Revoke(deviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("registry: revoking device %d", deviceID)
	return s.setStatusLocked(deviceID, "", DeviceStatusRevoked)
}

// Lookup finds a device row by the satellite's public identity key.
// Returns ErrDeviceNotFound if no row matches.
func (s *Store) Lookup(devicePublicKey []byte) (*RemoteDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(devicePublicKey)
}

// Get retrieves a device row by ID.
// Returns ErrDeviceNotFound if the row does not exist.
func (s *Store) Get(deviceID int64) (*RemoteDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		SELECT remote_device_id, device_name, device_status, device_public_key,
		       local_private_key, local_public_key, created_at, updated_at
		FROM remote_devices
		WHERE remote_device_id = ?
	`

	device, err := scanDevice(s.db.QueryRow(query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "get device", err)
	}
	return device, nil
}

// List returns all device rows ordered by creation time.
func (s *Store) List() ([]*RemoteDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		SELECT remote_device_id, device_name, device_status, device_public_key,
		       local_private_key, local_public_key, created_at, updated_at
		FROM remote_devices
		ORDER BY remote_device_id ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "query devices", err)
	}
	defer rows.Close()

	var devices []*RemoteDevice
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "scan device", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "iterate device rows", err)
	}

	return devices, nil
}

// Delete removes a device row. User rows bound to it cascade away.
// Returns nil if the device does not exist (idempotent delete).
func (s *Store) Delete(deviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("registry: deleting device %d", deviceID)

	_, err := s.db.Exec("DELETE FROM remote_devices WHERE remote_device_id = ?", deviceID)
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "delete device", err)
	}
	return nil
}

// Authenticate validates a satellite's offered identity key against the
// registry for a reconnect handshake. The offered host key must match
// the binding's local key; mismatched keys are treated as unknown.
func (s *Store) Authenticate(devicePublicKey, offeredHostKey []byte) (*RemoteDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, err := s.lookupLocked(devicePublicKey)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, remoteErrors.DeviceUnknown()
	}
	if err != nil {
		return nil, err
	}

	if device.Status == DeviceStatusRevoked {
		return nil, remoteErrors.DeviceRevoked(device.ID)
	}
	if device.Status != DeviceStatusActive {
		return nil, remoteErrors.DeviceUnknown()
	}

	// The (devicePublicKey, localPublicKey) pair identifies the binding
	// across restarts; a handshake offering a different host key does
	// not match this binding.
	if len(offeredHostKey) > 0 && !bytes.Equal(offeredHostKey, device.LocalPublicKey) {
		return nil, remoteErrors.DeviceUnknown()
	}

	return device, nil
}

// setStatusLocked updates a device row's status. If requireStatus is
// non-empty, the update only applies when the current status matches.
// Must be called with s.mu held.
func (s *Store) setStatusLocked(deviceID int64, requireStatus, newStatus DeviceStatus) error {
	var (
		result sql.Result
		err    error
	)

	now := time.Now().Format(time.RFC3339Nano)
	if requireStatus != "" {
		result, err = s.db.Exec(
			"UPDATE remote_devices SET device_status = ?, updated_at = ? WHERE remote_device_id = ? AND device_status = ?",
			string(newStatus), now, deviceID, string(requireStatus),
		)
	} else {
		result, err = s.db.Exec(
			"UPDATE remote_devices SET device_status = ?, updated_at = ? WHERE remote_device_id = ?",
			string(newStatus), now, deviceID,
		)
	}
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistrySaveFailed, "update device status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "check rows affected", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// lookupLocked finds a device by public key. Must hold s.mu.
func (s *Store) lookupLocked(devicePublicKey []byte) (*RemoteDevice, error) {
	const query = `
		SELECT remote_device_id, device_name, device_status, device_public_key,
		       local_private_key, local_public_key, created_at, updated_at
		FROM remote_devices
		WHERE device_public_key = ?
		ORDER BY remote_device_id DESC
		LIMIT 1
	`

	device, err := scanDevice(s.db.QueryRow(query, devicePublicKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeRegistryQueryFailed, "lookup device", err)
	}
	return device, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a single row into a RemoteDevice.
func scanDevice(row rowScanner) (*RemoteDevice, error) {
	var (
		device    RemoteDevice
		status    string
		createdAt string
		updatedAt string
	)

	err := row.Scan(
		&device.ID,
		&device.Name,
		&status,
		&device.DevicePublicKey,
		&device.LocalPrivateKey,
		&device.LocalPublicKey,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	device.Status = DeviceStatus(status)

	t, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	device.CreatedAt = t

	t, err = parseTimestamp(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	device.UpdatedAt = t

	return &device, nil
}

// parseTimestamp accepts both RFC3339Nano (written by this package) and
// SQLite's datetime('now') default format.
func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", v)
}
