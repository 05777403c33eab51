package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/registry"
	"github.com/veilchat/remote/internal/transport"
)

func runCapture(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"veilchat-remote"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunPrintsUsage(t *testing.T) {
	code, out, _ := runCapture(t)
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("usage missing from output:\n%s", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runCapture(t, "frobnicate")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(out, "Unknown command: frobnicate") {
		t.Errorf("unknown command message missing:\n%s", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runCapture(t, "version")
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out, "veilchat-remote "+Version) {
		t.Errorf("version missing from output:\n%s", out)
	}
}

func TestDevicesListEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "veilchat.db")

	code, out, stderr := runCapture(t, "devices", "list", "--registry", dbPath)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(out, "No remote devices.") {
		t.Errorf("empty list message missing:\n%s", out)
	}
}

func TestDevicesListAndRevoke(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "veilchat.db")

	store, err := registry.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, _, err := store.Register("alice's laptop", pub)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Confirm(id); err != nil {
		t.Fatal(err)
	}
	store.Close()

	code, out, stderr := runCapture(t, "devices", "list", "--registry", dbPath)
	if code != 0 {
		t.Fatalf("list exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(out, "alice's laptop") || !strings.Contains(out, "active") {
		t.Errorf("device row missing from list:\n%s", out)
	}

	code, out, stderr = runCapture(t, "devices", "revoke", "--registry", dbPath, "1")
	if code != 0 {
		t.Fatalf("revoke exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(out, "Device 1 revoked.") {
		t.Errorf("revoke confirmation missing:\n%s", out)
	}

	code, out, _ = runCapture(t, "devices", "list", "--registry", dbPath)
	if code != 0 {
		t.Fatal("second list failed")
	}
	if !strings.Contains(out, "revoked") {
		t.Errorf("revoked status missing from list:\n%s", out)
	}
}

func TestDevicesRevokeRejectsBadID(t *testing.T) {
	code, _, stderr := runCapture(t, "devices", "revoke", "not-a-number")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "bad device id") {
		t.Errorf("bad id message missing:\n%s", stderr)
	}
}

func TestPairRendersExplicitToken(t *testing.T) {
	identity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	token, err := pairing.NewToken(pairing.ModeHostListens, identity.Public, "test laptop", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := token.Encode()
	if err != nil {
		t.Fatal(err)
	}

	code, out, stderr := runCapture(t, "pair", "--token", encoded, "--no-qr")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(out, encoded) {
		t.Errorf("token missing from output:\n%s", out)
	}
	if !strings.Contains(out, transport.Fingerprint(identity.Public)) {
		t.Errorf("fingerprint missing from output:\n%s", out)
	}
	if !strings.Contains(out, "test laptop") {
		t.Errorf("host hint missing from output:\n%s", out)
	}
}

func TestPairRejectsExpiredToken(t *testing.T) {
	identity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	token, err := pairing.NewToken(pairing.ModeHostListens, identity.Public, "", "", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := token.Encode()
	if err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCapture(t, "pair", "--token", encoded)
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "expired") {
		t.Errorf("expiry message missing:\n%s", stderr)
	}
}

func TestPairWithoutSavedToken(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	code, _, stderr := runCapture(t, "pair", "--no-qr")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "no saved pairing token") {
		t.Errorf("missing-token message missing:\n%s", stderr)
	}
}

func TestIdentityPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satellite.key")

	first, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !bytes.Equal(first.Public, second.Public) {
		t.Error("identity changed across loads")
	}
}

func TestSaveAndLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.token")

	if tok, err := loadToken(path); err != nil || tok != "" {
		t.Fatalf("loadToken on missing file = (%q, %v), want empty", tok, err)
	}
	if err := saveToken(path, "rp1:abc"); err != nil {
		t.Fatal(err)
	}
	tok, err := loadToken(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "rp1:abc" {
		t.Errorf("loadToken = %q, want rp1:abc", tok)
	}
}

func TestShortFingerprint(t *testing.T) {
	long := "AB:CD:EF:01:23:45"
	if got := shortFingerprint(long); got != "AB:CD:EF:01..." {
		t.Errorf("shortFingerprint(%q) = %q", long, got)
	}
	if got := shortFingerprint("AB:CD"); got != "AB:CD" {
		t.Errorf("short value should pass through, got %q", got)
	}
}
