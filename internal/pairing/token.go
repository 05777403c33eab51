// Package pairing generates and consumes the out-of-band handshake
// material that bootstraps a remote profile session, and discovers the
// peer's network endpoint.
//
// The pairing flow works as follows:
//  1. The satellite generates an ephemeral key pair and encodes a
//     single-use token (typically displayed as a QR code).
//  2. The host scans the token, connects to the advertised endpoint and
//     completes the secure handshake.
//  3. The host surfaces the new identity to its own UI for approval.
//
// Security considerations:
//   - Tokens are short-lived (10 minute wall-clock deadline).
//   - Token nonces are single-use; replays within a sliding window are
//     rejected with pairing.replay.
//   - Rate limiting caps handshake attempts to blunt brute force.
//   - Discovery only reveals presence; the token is still required.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// TokenPrefix is the URI scheme marker on every pairing token.
const TokenPrefix = "rp1:"

// TokenVersion is the current token payload version.
const TokenVersion = 1

// TokenTTL is the wall-clock deadline from OOB generation. After this
// the host rejects the handshake with pairing.expired.
const TokenTTL = 10 * time.Minute

// NonceSize is the length of the single-use token nonce in bytes.
const NonceSize = 16

// Mode selects how the two peers find each other for the TCP connection.
type Mode int

const (
	// ModeSatelliteListens: the satellite opens a listening socket and
	// the token advertises its address; the host connects.
	ModeSatelliteListens Mode = 1

	// ModeHostListens: the token advertises the satellite's ephemeral
	// key only; a minimal announcement datagram carries the host's
	// address and the roles flip (host listens, satellite connects).
	ModeHostListens Mode = 2

	// ModeBouncer: the token encodes a rendezvous address; both peers
	// connect out to it.
	ModeBouncer Mode = 3
)

// Token is the decoded OOB pairing payload. It is versioned and
// self-describing; Addr is absent in ModeHostListens.
type Token struct {
	V         int    `json:"v"`
	Mode      Mode   `json:"mode"`
	SatPub    []byte `json:"satPub"`             // satellite's ephemeral X25519 public key
	HostHint  string `json:"hostHint,omitempty"` // human-readable hint for the host picker
	Addr      string `json:"addr,omitempty"`     // endpoint to connect to (mode-dependent)
	Nonce     []byte `json:"nonce"`              // single-use replay guard
	ExpiresAt int64  `json:"expiresAt"`          // unix seconds
}

// NewToken builds a fresh single-use token with a random nonce and the
// standard TTL.
func NewToken(mode Mode, satPub []byte, hostHint, addr string, now time.Time) (*Token, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, remoteErrors.Internal("generate token nonce", err)
	}

	return &Token{
		V:         TokenVersion,
		Mode:      mode,
		SatPub:    satPub,
		HostHint:  hostHint,
		Addr:      addr,
		Nonce:     nonce,
		ExpiresAt: now.Add(TokenTTL).Unix(),
	}, nil
}

// Encode renders the token as a single-line URL-safe string suitable
// for a QR code: rp1:<base64url(json)>.
func (t *Token) Encode() (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", remoteErrors.Internal("marshal token", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decode parses a token string. It validates the prefix and version but
// not expiry or replay; Consumer.Consume does that.
func Decode(s string) (*Token, error) {
	if !strings.HasPrefix(s, TokenPrefix) {
		return nil, remoteErrors.New(remoteErrors.CodePairingInvalid, "token missing rp1: prefix")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, TokenPrefix))
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodePairingInvalid, "token is not base64url", err)
	}

	var token Token
	if err := json.Unmarshal(payload, &token); err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodePairingInvalid, "token payload is not JSON", err)
	}

	if token.V != TokenVersion {
		return nil, remoteErrors.New(remoteErrors.CodePairingInvalid, "unsupported token version")
	}
	if len(token.Nonce) != NonceSize {
		return nil, remoteErrors.New(remoteErrors.CodePairingInvalid, "token nonce has wrong length")
	}
	if len(token.SatPub) == 0 {
		return nil, remoteErrors.New(remoteErrors.CodePairingInvalid, "token is missing the satellite key")
	}

	switch token.Mode {
	case ModeSatelliteListens, ModeHostListens, ModeBouncer:
	default:
		return nil, remoteErrors.New(remoteErrors.CodePairingInvalid, "unknown discovery mode")
	}

	return &token, nil
}

// Expired reports whether the token is past its deadline at the given
// instant.
func (t *Token) Expired(now time.Time) bool {
	return now.Unix() >= t.ExpiresAt
}
