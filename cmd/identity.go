package main

// identity.go persists the satellite's long-lived key pair and the
// outstanding pairing token between CLI invocations, so `pair` and a
// later `satellite` run speak with the same identity.

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veilchat/remote/internal/transport"
)

// identityFile is the on-disk shape of a persisted key pair.
type identityFile struct {
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// defaultSatelliteKeyPath returns ~/.veilchat/satellite.key.
func defaultSatelliteKeyPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".veilchat", "satellite.key"), nil
}

// defaultTokenPath returns ~/.veilchat/pairing.token.
func defaultTokenPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".veilchat", "pairing.token"), nil
}

// loadOrCreateIdentity loads the key pair at path, generating and
// persisting a fresh one when the file does not exist.
func loadOrCreateIdentity(path string) (*transport.Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		return transport.IdentityFromKeys(f.PublicKey, f.PrivateKey)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity file %s: %w", path, err)
	}

	identity, err := transport.NewIdentity()
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(identityFile{
		PublicKey:  identity.Public,
		PrivateKey: identity.Private,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity file: %w", err)
	}
	return identity, nil
}

// saveToken persists the encoded pairing token for the satellite run.
func saveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

// loadToken reads a previously saved pairing token. Returns "" when no
// token is saved.
func loadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// identityFromDevice rebuilds the host-side identity bound to a
// registry device row.
func identityFromKeys(pub, priv []byte) (*transport.Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad host key material")
	}
	return transport.IdentityFromKeys(pub, priv)
}
