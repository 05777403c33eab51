package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilchat/remote/internal/config"
	"github.com/veilchat/remote/internal/controller"
	"github.com/veilchat/remote/internal/engine"
	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/registry"
	"github.com/veilchat/remote/internal/tlscert"
	"github.com/veilchat/remote/internal/transport"
)

// runHost runs the host daemon: it accepts secure connections from the
// paired satellite and bridges them to the chat engine.
func runHost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file (default ~/.veilchat/remote.toml)")
	addr := fs.String("addr", "", "listen address (host:port)")
	registryPath := fs.String("registry", "", "path to the veilchat database")
	transportKind := fs.String("transport", "", "outer transport: tcp or ws")
	pairToken := fs.String("pair", "", "pairing token (rp1:...) to accept on startup")
	autoConfirm := fs.Bool("auto-confirm", false, "confirm the pairing without prompting")
	mdns := fs.Bool("mdns", false, "advertise this host via mDNS")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *registryPath != "" {
		cfg.Registry = *registryPath
	}
	if *transportKind != "" {
		cfg.Transport = *transportKind
	}
	if *mdns {
		cfg.MdnsEnabled = true
	}
	cfg.ApplyDefaults()

	if cfg.Registry == "" {
		cfg.Registry, err = config.DefaultRegistryPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	store, err := registry.Open(cfg.Registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open registry: %v\n", err)
		return 1
	}
	defer store.Close()

	eng := engine.NewLoopback(cfg.EventBufferSize)
	defer eng.Close()

	h := controller.NewHost(controller.HostConfig{
		Registry: store,
		Engine:   eng,
		Config:   cfg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for note := range h.Notifications() {
			if note.SatIdentityID != 0 {
				fmt.Fprintf(stdout, "%s satIdentityId=%d\n", note.Type, note.SatIdentityID)
			} else {
				fmt.Fprintf(stdout, "%s\n", note.Type)
			}
		}
	}()

	if *pairToken != "" {
		if err := acceptPairing(h, store, *pairToken, *autoConfirm, stdout); err != nil {
			fmt.Fprintf(stderr, "Error: pairing failed: %v\n", err)
			return 1
		}
	}

	if cfg.MdnsEnabled {
		adv, err := startAdvertiser(cfg, store)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS advertisement failed: %v\n", err)
		} else {
			defer adv.Stop()
		}
	}

	switch cfg.Transport {
	case "tcp":
		err = serveTCP(ctx, h, store, cfg, stdout)
	case "ws":
		err = serveWS(ctx, h, store, cfg, stdout)
	default:
		fmt.Fprintf(stderr, "Error: unknown transport %q (want tcp or ws)\n", cfg.Transport)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Host stopped.")
	return 0
}

// acceptPairing consumes the satellite's token and, once confirmed,
// leaves the host waiting for the inbound handshake.
func acceptPairing(h *controller.Host, store *registry.Store, token string, autoConfirm bool, stdout io.Writer) error {
	id, err := h.AcceptPairingAnswer(token)
	if err != nil {
		return err
	}

	device, err := store.Get(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Pairing request from %q\n", device.Name)
	fmt.Fprintf(stdout, "Satellite fingerprint: %s\n", transport.Fingerprint(device.DevicePublicKey))

	if !autoConfirm {
		fmt.Fprint(stdout, "Confirm pairing? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			if err := h.RejectPairing(id); err != nil {
				return err
			}
			return fmt.Errorf("pairing rejected by user")
		}
	}

	if err := h.ConfirmPairing(id); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Pairing confirmed (satIdentityId=%d). Waiting for the satellite to connect.\n", id)
	return nil
}

// hostIdentity picks the key pair to present on the next handshake: the
// most recently touched non-revoked device binding, or a throwaway pair
// when nothing is registered yet.
func hostIdentity(store *registry.Store) (*transport.Identity, error) {
	devices, err := store.List()
	if err != nil {
		return nil, err
	}

	var pick *registry.RemoteDevice
	for _, d := range devices {
		if d.Status == registry.DeviceStatusRevoked {
			continue
		}
		if pick == nil || d.UpdatedAt.After(pick.UpdatedAt) {
			pick = d
		}
	}
	if pick == nil {
		return transport.NewIdentity()
	}
	return identityFromKeys(pick.LocalPublicKey, pick.LocalPrivateKey)
}

// startAdvertiser announces the listening port over mDNS. Only presence
// leaks; the pairing token is still required to connect.
func startAdvertiser(cfg *config.Config, store *registry.Store) (*pairing.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("bad listen address %q: %w", cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad listen port %q: %w", portStr, err)
	}

	identity, err := hostIdentity(store)
	if err != nil {
		return nil, err
	}

	adv := pairing.NewAdvertiser(pairing.AdvertiserConfig{
		Port:        port,
		Fingerprint: transport.Fingerprint(identity.Public),
	})
	if err := adv.Start(); err != nil {
		return nil, err
	}
	return adv, nil
}

// serveTCP accepts plain TCP connections and runs the responder
// handshake on each.
func serveTCP(ctx context.Context, h *controller.Host, store *registry.Store, cfg *config.Config, stdout io.Writer) error {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	fmt.Fprintf(stdout, "Listening on %s (tcp)\n", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go acceptConn(ctx, h, store, conn)
	}
}

func acceptConn(ctx context.Context, h *controller.Host, store *registry.Store, conn net.Conn) {
	identity, err := hostIdentity(store)
	if err != nil {
		log.Printf("cmd: identity lookup failed: %v", err)
		conn.Close()
		return
	}

	ch, err := transport.AcceptStream(conn, h.HandshakeOptions(identity))
	if err != nil {
		log.Printf("cmd: handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	if err := h.AttachChannel(ctx, ch); err != nil {
		log.Printf("cmd: attach failed: %v", err)
		ch.Close("attach failed")
	}
}

// serveWS runs a TLS WebSocket listener. The certificate is
// self-signed; the satellite pins its fingerprint.
func serveWS(ctx context.Context, h *controller.Host, store *registry.Store, cfg *config.Config, stdout io.Writer) error {
	certInfo, err := tlscert.Ensure(tlscert.Config{
		CertPath: cfg.TLSCert,
		KeyPath:  cfg.TLSKey,
	})
	if err != nil {
		return err
	}
	if certInfo.Generated {
		fmt.Fprintf(stdout, "Generated TLS certificate at %s\n", certInfo.CertPath)
	}
	fmt.Fprintf(stdout, "TLS fingerprint (satellite pins this): %s\n", certInfo.Fingerprint)

	tlsCfg, err := tlscert.ServerConfig(certInfo.CertPath, certInfo.KeyPath)
	if err != nil {
		return err
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("cmd: websocket upgrade failed: %v", err)
			return
		}

		identity, err := hostIdentity(store)
		if err != nil {
			log.Printf("cmd: identity lookup failed: %v", err)
			wsConn.Close()
			return
		}
		ch, err := transport.AcceptWebSocket(wsConn, h.HandshakeOptions(identity))
		if err != nil {
			log.Printf("cmd: handshake from %s failed: %v", r.RemoteAddr, err)
			return
		}
		if err := h.AttachChannel(ctx, ch); err != nil {
			log.Printf("cmd: attach failed: %v", err)
			ch.Close("attach failed")
		}
	})

	srv := &http.Server{
		Addr:      cfg.Addr,
		Handler:   mux,
		TLSConfig: tlsCfg,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(stdout, "Listening on %s (wss, path /session)\n", cfg.Addr)
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
