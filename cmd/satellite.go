package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/veilchat/remote/internal/config"
	"github.com/veilchat/remote/internal/controller"
	remoteErrors "github.com/veilchat/remote/internal/errors"
	"github.com/veilchat/remote/internal/pairing"
	"github.com/veilchat/remote/internal/tlscert"
	"github.com/veilchat/remote/internal/transport"
)

// runSatellite runs the desktop-side client: it drives a remote host's
// chat engine over the secure channel. Commands are read as JSON lines
// from stdin; replies and events print to stdout.
func runSatellite(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("satellite", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file (default ~/.veilchat/remote.toml)")
	hostAddr := fs.String("addr", "", "host address to connect to (host:port)")
	transportKind := fs.String("transport", "", "outer transport: tcp or ws")
	fingerprint := fs.String("fingerprint", "", "TLS certificate fingerprint to pin (ws transport)")
	pair := fs.Bool("pair", false, "generate and display a fresh pairing token")
	hint := fs.String("hint", "", "human-readable name shown on the host during pairing")
	keyPath := fs.String("key", "", "path to the satellite key file (default ~/.veilchat/satellite.key)")
	noQR := fs.Bool("no-qr", false, "print the pairing token as text only")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *transportKind != "" {
		cfg.Transport = *transportKind
	}
	cfg.ApplyDefaults()

	if *hostAddr == "" {
		fmt.Fprintln(stderr, "Error: --addr is required (the host's listen address)")
		return 1
	}
	if cfg.Transport == "ws" && *fingerprint == "" {
		fmt.Fprintln(stderr, "Error: --fingerprint is required with the ws transport")
		return 1
	}

	path := *keyPath
	if path == "" {
		path, err = defaultSatelliteKeyPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	identity, err := loadOrCreateIdentity(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// The dial closure captures sat so the handshake options reflect
	// the current pairing state on every attempt.
	var sat *controller.Satellite
	dial := satelliteDialer(cfg.Transport, *hostAddr, *fingerprint, func() transport.Options {
		return sat.HandshakeOptions()
	})

	sat, err = controller.NewSatellite(controller.SatelliteConfig{
		Config:   cfg,
		Identity: identity,
		Dial:     dial,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *pair {
		encoded, err := sat.BeginPairing(pairing.ModeHostListens, *hint, "")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if tokenPath, err := defaultTokenPath(); err == nil {
			if err := saveToken(tokenPath, encoded); err != nil {
				fmt.Fprintf(stderr, "Warning: could not save token: %v\n", err)
			}
		}
		displayToken(stdout, encoded, identity, !*noQR)
		fmt.Fprintln(stdout, "Run 'veilchat-remote host --pair <token>' on the host, then connecting...")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go printEvents(sat, stdout)
	go submitLoop(ctx, sat, os.Stdin, stdout, stderr)

	err = sat.Run(ctx)
	switch {
	case err == nil, err == context.Canceled:
		fmt.Fprintln(stdout, "Satellite stopped.")
		return 0
	case remoteErrors.IsCode(err, remoteErrors.CodeSessionDisposed):
		fmt.Fprintln(stdout, "Session disposed by the host.")
		return 0
	default:
		fmt.Fprintf(stderr, "Error: session ended: %v\n", err)
		return 1
	}
}

// satelliteDialer builds the RedialFunc for the chosen outer transport.
func satelliteDialer(kind, addr, fingerprint string, options func() transport.Options) transport.RedialFunc {
	if kind == "ws" {
		dialer := &websocket.Dialer{
			TLSClientConfig: tlscert.PinnedClientConfig(fingerprint),
		}
		url := "wss://" + addr + "/session"
		return func(ctx context.Context) (*transport.Channel, error) {
			wsConn, _, err := dialer.DialContext(ctx, url, nil)
			if err != nil {
				return nil, fmt.Errorf("dial %s: %w", url, err)
			}
			return transport.InitiateWebSocket(wsConn, options())
		}
	}

	return func(ctx context.Context) (*transport.Channel, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return transport.InitiateStream(conn, options())
	}
}

// printEvents mirrors engine events to stdout until the stream closes.
func printEvents(sat *controller.Satellite, stdout io.Writer) {
	for ev := range sat.Events() {
		fmt.Fprintf(stdout, "event: %s\n", ev)
	}
}

// submitLoop reads one JSON command per stdin line and prints the reply.
func submitLoop(ctx context.Context, sat *controller.Satellite, stdin io.Reader, stdout, stderr io.Writer) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			fmt.Fprintf(stderr, "not a JSON command: %s\n", line)
			continue
		}

		reply, err := sat.Submit(ctx, json.RawMessage(line))
		if err != nil {
			fmt.Fprintf(stderr, "command failed: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "reply: %s\n", reply)
	}
}
