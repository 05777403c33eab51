package registry

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// newTestStore opens an in-memory database for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newSatelliteKey generates a fake satellite identity public key.
func newSatelliteKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub
}

func TestRegisterAndConfirm(t *testing.T) {
	store := newTestStore(t)
	satKey := newSatelliteKey(t)

	id, hostPub, err := store.Register("Desktop", satKey)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id == 0 {
		t.Error("expected non-zero device id")
	}
	if len(hostPub) != ed25519.PublicKeySize {
		t.Errorf("host public key size = %d", len(hostPub))
	}

	device, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if device.Status != DeviceStatusPending {
		t.Errorf("status = %q, want pending", device.Status)
	}
	if !bytes.Equal(device.DevicePublicKey, satKey) {
		t.Error("device public key mismatch")
	}
	if !bytes.Equal(device.LocalPublicKey, hostPub) {
		t.Error("local public key mismatch")
	}

	if err := store.Confirm(id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	device, err = store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if device.Status != DeviceStatusActive {
		t.Errorf("status = %q, want active", device.Status)
	}
}

func TestRegisterRejectsDuplicateActiveKey(t *testing.T) {
	store := newTestStore(t)
	satKey := newSatelliteKey(t)

	id, _, err := store.Register("Desktop", satKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Confirm(id); err != nil {
		t.Fatal(err)
	}

	_, _, err = store.Register("Desktop again", satKey)
	if !remoteErrors.IsCode(err, remoteErrors.CodeDeviceDuplicate) {
		t.Errorf("second register error = %v, want device.duplicate", err)
	}
}

func TestRegisterAllowsReRegisterAfterReject(t *testing.T) {
	store := newTestStore(t)
	satKey := newSatelliteKey(t)

	id, _, err := store.Register("Desktop", satKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Reject(id); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := store.Get(id); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("rejected row should be gone, got %v", err)
	}

	// The same key may pair again after a rejection.
	if _, _, err := store.Register("Desktop", satKey); err != nil {
		t.Errorf("re-register after reject: %v", err)
	}
}

func TestRejectOnlyDeletesPendingRows(t *testing.T) {
	store := newTestStore(t)
	id, _, err := store.Register("Desktop", newSatelliteKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Confirm(id); err != nil {
		t.Fatal(err)
	}

	if err := store.Reject(id); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Reject on active row = %v, want ErrDeviceNotFound", err)
	}
}

func TestAuthenticate(t *testing.T) {
	store := newTestStore(t)
	satKey := newSatelliteKey(t)
	otherKey := newSatelliteKey(t)

	id, hostPub, err := store.Register("Desktop", satKey)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		setup    func(t *testing.T)
		satKey   []byte
		hostKey  []byte
		wantCode string
	}{
		{
			name:     "pending device is unknown",
			satKey:   satKey,
			wantCode: remoteErrors.CodeDeviceUnknown,
		},
		{
			name:    "active device with matching keys",
			setup:   func(t *testing.T) { mustConfirm(t, store, id) },
			satKey:  satKey,
			hostKey: hostPub,
		},
		{
			name:     "mismatched host key",
			satKey:   satKey,
			hostKey:  otherKey,
			wantCode: remoteErrors.CodeDeviceUnknown,
		},
		{
			name:     "unregistered satellite key",
			satKey:   otherKey,
			wantCode: remoteErrors.CodeDeviceUnknown,
		},
		{
			name:     "revoked device",
			setup:    func(t *testing.T) { mustRevoke(t, store, id) },
			satKey:   satKey,
			hostKey:  hostPub,
			wantCode: remoteErrors.CodeDeviceRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup(t)
			}
			device, err := store.Authenticate(tt.satKey, tt.hostKey)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Authenticate: %v", err)
				}
				if device.ID != id {
					t.Errorf("device id = %d, want %d", device.ID, id)
				}
				return
			}
			if !remoteErrors.IsCode(err, tt.wantCode) {
				t.Errorf("Authenticate error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func mustConfirm(t *testing.T, store *Store, id int64) {
	t.Helper()
	if err := store.Confirm(id); err != nil {
		t.Fatal(err)
	}
}

func mustRevoke(t *testing.T, store *Store, id int64) {
	t.Helper()
	if err := store.Revoke(id); err != nil {
		t.Fatal(err)
	}
}

func TestListOrdersByCreation(t *testing.T) {
	store := newTestStore(t)

	first, _, err := store.Register("First", newSatelliteKey(t))
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := store.Register("Second", newSatelliteKey(t))
	if err != nil {
		t.Fatal(err)
	}

	devices, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("len = %d, want 2", len(devices))
	}
	if devices[0].ID != first || devices[1].ID != second {
		t.Errorf("order = %d,%d want %d,%d", devices[0].ID, devices[1].ID, first, second)
	}
}

func TestDeleteCascadesBoundUsers(t *testing.T) {
	store := newTestStore(t)

	deviceID, _, err := store.Register("Desktop", newSatelliteKey(t))
	if err != nil {
		t.Fatal(err)
	}

	localID, err := store.CreateLocalUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	remoteID, err := store.CreateRemoteUser("alice-on-desktop", deviceID, 42)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(deviceID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The bound user cascades away; the local user survives.
	if _, err := store.GetUser(remoteID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("bound user should cascade on device delete, got %v", err)
	}
	if _, err := store.GetUser(localID); err != nil {
		t.Errorf("local user should survive device delete: %v", err)
	}

	// Idempotent delete.
	if err := store.Delete(deviceID); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestUsersForDevice(t *testing.T) {
	store := newTestStore(t)

	deviceID, _, err := store.Register("Desktop", newSatelliteKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRemoteUser("u1", deviceID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateRemoteUser("u2", deviceID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateLocalUser("local"); err != nil {
		t.Fatal(err)
	}

	users, err := store.UsersForDevice(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("len = %d, want 2", len(users))
	}
	if users[0].RemoteUserID == nil || *users[0].RemoteUserID != 1 {
		t.Error("first bound user remote id mismatch")
	}
}

func TestBindUser(t *testing.T) {
	store := newTestStore(t)

	deviceID, _, err := store.Register("Desktop", newSatelliteKey(t))
	if err != nil {
		t.Fatal(err)
	}
	userID, err := store.CreateLocalUser("alice")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.BindUser(userID, deviceID, 9); err != nil {
		t.Fatalf("BindUser: %v", err)
	}

	user, err := store.GetUser(userID)
	if err != nil {
		t.Fatal(err)
	}
	if user.RemoteDeviceID == nil || *user.RemoteDeviceID != deviceID {
		t.Error("remote device binding missing")
	}

	if err := store.BindUser(999, deviceID, 9); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("BindUser on missing user = %v, want ErrUserNotFound", err)
	}
}

func TestDowngradeRemoteProfiles(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.Register("Desktop", newSatelliteKey(t)); err != nil {
		t.Fatal(err)
	}

	if err := store.DowngradeRemoteProfiles(); err != nil {
		t.Fatalf("DowngradeRemoteProfiles: %v", err)
	}

	// The registry table is gone.
	if _, err := store.List(); err == nil {
		t.Error("List should fail after downgrade")
	}

	// Reopening migrates back up via the schema version table.
	if err := store.initSchema(); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if _, err := store.List(); err != nil {
		t.Errorf("List after re-migrate: %v", err)
	}
}
