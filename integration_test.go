//go:build integration
// +build integration

package integration_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/transport"
)

var (
	binaryPath string
	moduleDir  string
)

func TestMain(m *testing.M) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working dir: %v\n", err)
		os.Exit(1)
	}
	moduleDir = wd

	tmpDir, err := os.MkdirTemp("", "veilchat-integration-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "veilchat-remote")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd")
	build.Dir = moduleDir
	out, err := build.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build veilchat-remote: %v\n%s", err, out)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// hostProcess wraps a running host daemon.
type hostProcess struct {
	cmd    *exec.Cmd
	addr   string
	output *strings.Builder
	mu     sync.Mutex
}

func (h *hostProcess) stdout() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output.String()
}

func (h *hostProcess) stop(t *testing.T) {
	t.Helper()
	h.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		h.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.cmd.Process.Kill()
		<-done
	}
}

// startHost launches the host binary and waits until it reports its
// listen address.
func startHost(t *testing.T, registryPath string, extraArgs ...string) *hostProcess {
	t.Helper()

	args := append([]string{
		"host",
		"--registry", registryPath,
		"--addr", "127.0.0.1:0",
	}, extraArgs...)

	cmd := exec.Command(binaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start host: %v", err)
	}

	h := &hostProcess{cmd: cmd, output: &strings.Builder{}}
	addrCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			h.mu.Lock()
			h.output.WriteString(line + "\n")
			h.mu.Unlock()
			if strings.HasPrefix(line, "Listening on ") {
				fields := strings.Fields(line)
				if len(fields) >= 3 {
					select {
					case addrCh <- fields[2]:
					default:
					}
				}
			}
		}
	}()

	select {
	case addr := <-addrCh:
		h.addr = addr
	case <-time.After(10 * time.Second):
		h.stop(t)
		t.Fatal("host never reported its listen address")
	}

	t.Cleanup(func() { h.stop(t) })
	return h
}

// newSatellite generates a satellite identity and its single-use token.
func newSatellite(t *testing.T) (*transport.Identity, *pairing.Token, string) {
	t.Helper()

	identity, err := transport.NewIdentity()
	if err != nil {
		t.Fatal(err)
	}
	token, err := pairing.NewToken(pairing.ModeHostListens, identity.Public, "integration satellite", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := token.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return identity, token, encoded
}

func dialHost(t *testing.T, addr string, identity *transport.Identity, nonce []byte) (*transport.Channel, error) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return transport.InitiateStream(conn, transport.Options{
		Handshake: transport.HandshakeConfig{Identity: identity, OOBNonce: nonce},
	})
}

func TestIntegrationPairingAndCommand(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "veilchat.db")
	identity, token, encoded := newSatellite(t)

	h := startHost(t, registryPath, "--pair", encoded, "--auto-confirm")

	ch, err := dialHost(t, h.addr, identity, token.Nonce)
	if err != nil {
		t.Fatalf("pairing handshake: %v", err)
	}
	defer ch.Close("test done")

	cmd := json.RawMessage(`{"type":"apiChatRead","chatId":1}`)
	if err := ch.Send(transport.NewCmdFrame(1, cmd)); err != nil {
		t.Fatalf("send command: %v", err)
	}

	select {
	case f := <-ch.Frames():
		if f.K != transport.KindReply || f.ID != 1 {
			t.Fatalf("unexpected frame: kind=%s id=%d", f.K, f.ID)
		}
		var ack struct {
			Type string `json:"type"`
			Cmd  string `json:"cmd"`
		}
		if err := json.Unmarshal(f.Resp, &ack); err != nil {
			t.Fatalf("bad reply body %s: %v", f.Resp, err)
		}
		if ack.Cmd != "apiChatRead" {
			t.Errorf("ack cmd = %q, want apiChatRead", ack.Cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply to command")
	}

	if !strings.Contains(h.stdout(), "Pairing confirmed") {
		t.Errorf("host output missing confirmation:\n%s", h.stdout())
	}
}

func TestIntegrationDeniedCommandGetsErrorReply(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "veilchat.db")
	identity, token, encoded := newSatellite(t)

	h := startHost(t, registryPath, "--pair", encoded, "--auto-confirm")

	ch, err := dialHost(t, h.addr, identity, token.Nonce)
	if err != nil {
		t.Fatalf("pairing handshake: %v", err)
	}
	defer ch.Close("test done")

	if err := ch.Send(transport.NewCmdFrame(7, json.RawMessage(`{"type":"apiDeleteStorage"}`))); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-ch.Frames():
		var remoteErr struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(f.Resp, &remoteErr); err != nil {
			t.Fatalf("bad reply body %s: %v", f.Resp, err)
		}
		if remoteErr.Type != "remoteError" || remoteErr.Code != "router.denied_command" {
			t.Errorf("reply = %s, want remoteError router.denied_command", f.Resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply to denied command")
	}
}

func TestIntegrationDevicesListAndRevoke(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "veilchat.db")
	identity, token, encoded := newSatellite(t)

	h := startHost(t, registryPath, "--pair", encoded, "--auto-confirm")
	ch, err := dialHost(t, h.addr, identity, token.Nonce)
	if err != nil {
		t.Fatalf("pairing handshake: %v", err)
	}
	ch.Close("test done")
	h.stop(t)

	list := exec.Command(binaryPath, "devices", "list", "--registry", registryPath)
	out, err := list.CombinedOutput()
	if err != nil {
		t.Fatalf("devices list: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "integration satellite") || !strings.Contains(string(out), "active") {
		t.Fatalf("paired device missing from list:\n%s", out)
	}

	revoke := exec.Command(binaryPath, "devices", "revoke", "--registry", registryPath, "1")
	out, err = revoke.CombinedOutput()
	if err != nil {
		t.Fatalf("devices revoke: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Device 1 revoked.") {
		t.Fatalf("revoke confirmation missing:\n%s", out)
	}
}

func TestIntegrationRevokedDeviceCannotReconnect(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "veilchat.db")
	identity, token, encoded := newSatellite(t)

	h := startHost(t, registryPath, "--pair", encoded, "--auto-confirm")
	ch, err := dialHost(t, h.addr, identity, token.Nonce)
	if err != nil {
		t.Fatalf("pairing handshake: %v", err)
	}
	ch.Close("test done")
	h.stop(t)

	revoke := exec.Command(binaryPath, "devices", "revoke", "--registry", registryPath, "1")
	if out, err := revoke.CombinedOutput(); err != nil {
		t.Fatalf("devices revoke: %v\n%s", err, out)
	}

	// Fresh host process, no pairing: the reconnect handshake offers the
	// revoked identity and must be turned away.
	h2 := startHost(t, registryPath)
	if _, err := dialHost(t, h2.addr, identity, nil); err == nil {
		t.Fatal("revoked device completed a handshake")
	}
}

func TestIntegrationGracefulShutdown(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "veilchat.db")

	h := startHost(t, registryPath)
	h.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("host did not exit on SIGTERM")
	}

	if !strings.Contains(h.stdout(), "Host stopped.") {
		t.Errorf("host output missing shutdown message:\n%s", h.stdout())
	}
}
