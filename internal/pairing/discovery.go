package pairing

// discovery.go provides optional mDNS/Bonjour service advertisement.
// When enabled, a peer advertises itself on the local network using
// DNS-SD so the other peer can fill in the token's address without the
// user typing an IP. Advertisement is opt-in; it reveals presence only,
// never pairing material.

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for remote profile peers.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_veilchat-remote._tcp"

// DiscoveryProtocolVersion identifies the mDNS protocol version for
// compatibility checks.
const DiscoveryProtocolVersion = "1"

// AdvertiserConfig holds configuration for mDNS advertisement.
type AdvertiserConfig struct {
	// Port is the listening port to advertise.
	Port int

	// Fingerprint is the advertising peer's identity key fingerprint.
	// This lets the other peer verify it found the right host before
	// connecting; the handshake still authenticates cryptographically.
	Fingerprint string

	// Name is a human-readable name for this peer.
	// Defaults to the system hostname if empty.
	Name string
}

// Advertiser manages mDNS/DNS-SD service registration.
type Advertiser struct {
	config AdvertiserConfig
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start begins advertising the service via mDNS.
// Start is safe to call multiple times; subsequent calls are no-ops
// if already running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "veilchat"
		} else {
			name = hostname
		}
	}

	// TXT records give clients metadata before they connect. DNS TXT
	// strings cap at 255 bytes; a hex fingerprint fits comfortably.
	txtRecords := []string{
		fmt.Sprintf("version=%s", DiscoveryProtocolVersion),
		fmt.Sprintf("name=%s", name),
	}
	if a.config.Fingerprint != "" {
		txtRecords = append(txtRecords, fmt.Sprintf("fp=%s", a.config.Fingerprint))
	}

	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		txtRecords,
		nil, // all network interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops the mDNS advertisement and unregisters the service.
// Safe to call multiple times or on an advertiser that never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredPeer represents a peer found via mDNS discovery.
type DiscoveredPeer struct {
	// Name is the human-readable name of the peer.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the advertised port.
	Port int

	// Fingerprint is the identity key fingerprint (if provided).
	Fingerprint string

	// Version is the discovery protocol version.
	Version string
}

// Discover searches for remote profile peers on the local network until
// the context is done and returns everything found.
func Discover(ctx context.Context) ([]DiscoveredPeer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		peers []DiscoveredPeer
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			peer := DiscoveredPeer{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4 address
			if len(entry.AddrIPv4) > 0 {
				peer.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				peer.Host = entry.AddrIPv6[0].String()
			}

			for _, txt := range entry.Text {
				switch {
				case len(txt) > 3 && txt[:3] == "fp=":
					peer.Fingerprint = txt[3:]
				case len(txt) > 8 && txt[:8] == "version=":
					peer.Version = txt[8:]
				case len(txt) > 5 && txt[:5] == "name=":
					peer.Name = txt[5:]
				}
			}

			mu.Lock()
			peers = append(peers, peer)
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes the entries channel when the context is done.
	<-ctx.Done()
	wg.Wait()

	return peers, nil
}
