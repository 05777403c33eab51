package transport

// handshake.go runs the three-message authenticated key agreement that
// precedes the record layer:
//
//	initiator -> responder  helloInit    identity, ephemeral, nonce[, oobNonce]
//	responder -> initiator  helloResp    identity, ephemeral, nonce, sig
//	initiator -> responder  helloConfirm sig
//
// Each sig is an Ed25519 signature over the full transcript (both
// identities, both ephemerals, both nonces) under a role-specific
// label. On first pairing the initiator proves possession of the
// out-of-band token by echoing its nonce; on reconnect the responder
// checks the initiator's identity against the device registry instead.

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"log"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

const (
	// handshakeVersion is the handshake wire version.
	handshakeVersion = 1

	// handshakeNonceSize is the per-side handshake nonce length.
	handshakeNonceSize = 16

	sigLabelInitiator = "rp1-init"
	sigLabelResponder = "rp1-resp"
)

// HandshakeConfig parameterizes one side of the handshake.
type HandshakeConfig struct {
	// Identity is this side's long-lived Ed25519 key pair.
	Identity *Identity

	// OOBNonce, when set on the initiator, marks the handshake as a
	// first pairing and proves possession of the out-of-band token.
	OOBNonce []byte

	// VerifyOOB, when set on the responder, validates the initiator's
	// token nonce together with its identity key. A pairing handshake
	// authenticates by token possession; Authenticate is not consulted
	// for it.
	VerifyOOB func(nonce, peerIdentity []byte) error

	// Authenticate, when set, validates the peer's identity key after
	// the signature check on a non-pairing handshake. On reconnect the
	// host points this at the device registry; the satellite pins the
	// host identity learned during pairing.
	Authenticate func(peerIdentity []byte) error

	// MaxRecordBytes caps plaintext records on the resulting secure
	// connection.
	MaxRecordBytes int
}

type helloInit struct {
	V            int    `json:"v"`
	IdentityKey  []byte `json:"identityKey"`
	EphemeralKey []byte `json:"ephemeralKey"`
	Nonce        []byte `json:"nonce"`
	OOBNonce     []byte `json:"oobNonce,omitempty"`
}

type helloResp struct {
	V            int    `json:"v"`
	IdentityKey  []byte `json:"identityKey,omitempty"`
	EphemeralKey []byte `json:"ephemeralKey,omitempty"`
	Nonce        []byte `json:"nonce,omitempty"`
	Sig          []byte `json:"sig,omitempty"`
	Reject       string `json:"reject,omitempty"`
}

type helloConfirm struct {
	Sig    []byte `json:"sig,omitempty"`
	Reject string `json:"reject,omitempty"`
}

// transcript builds the byte string both signatures cover.
func transcript(label string, initIdentity, respIdentity, initEph, respEph, initNonce, respNonce []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(label)
	buf.Write(initIdentity)
	buf.Write(respIdentity)
	buf.Write(initEph)
	buf.Write(respEph)
	buf.Write(initNonce)
	buf.Write(respNonce)
	return buf.Bytes()
}

func newHandshakeNonce() ([]byte, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, remoteErrors.Internal("generate handshake nonce", err)
	}
	return nonce, nil
}

func writeHandshakeMsg(rc recordConn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return remoteErrors.Internal("marshal handshake message", err)
	}
	return rc.WriteRecord(data)
}

func readHandshakeMsg(rc recordConn, msg any) error {
	data, err := rc.ReadRecord()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return remoteErrors.DecodeError(err)
	}
	return nil
}

// handshakeInitiator runs the dialing side. On success it returns the
// secure connection and the responder's identity key.
func handshakeInitiator(rc recordConn, cfg HandshakeConfig) (*secureConn, []byte, error) {
	eph, err := newEphemeralKeyPair()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := newHandshakeNonce()
	if err != nil {
		return nil, nil, err
	}

	init := helloInit{
		V:            handshakeVersion,
		IdentityKey:  cfg.Identity.Public,
		EphemeralKey: eph.public[:],
		Nonce:        nonce,
		OOBNonce:     cfg.OOBNonce,
	}
	if err := writeHandshakeMsg(rc, init); err != nil {
		return nil, nil, err
	}

	var resp helloResp
	if err := readHandshakeMsg(rc, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Reject != "" {
		return nil, nil, remoteErrors.HandshakeReject(resp.Reject)
	}
	if resp.V != handshakeVersion ||
		len(resp.IdentityKey) != ed25519.PublicKeySize ||
		len(resp.EphemeralKey) != 32 ||
		len(resp.Nonce) != handshakeNonceSize {
		return nil, nil, remoteErrors.HandshakeReject("malformed hello")
	}

	respTranscript := transcript(sigLabelResponder,
		init.IdentityKey, resp.IdentityKey,
		init.EphemeralKey, resp.EphemeralKey,
		init.Nonce, resp.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(resp.IdentityKey), respTranscript, resp.Sig) {
		log.Printf("transport: responder signature verification failed")
		return nil, nil, remoteErrors.AuthFail()
	}

	if cfg.Authenticate != nil {
		if err := cfg.Authenticate(resp.IdentityKey); err != nil {
			writeHandshakeMsg(rc, helloConfirm{Reject: remoteErrors.GetCode(err)})
			return nil, nil, err
		}
	}

	initTranscript := transcript(sigLabelInitiator,
		init.IdentityKey, resp.IdentityKey,
		init.EphemeralKey, resp.EphemeralKey,
		init.Nonce, resp.Nonce)
	confirm := helloConfirm{Sig: ed25519.Sign(cfg.Identity.Private, initTranscript)}
	if err := writeHandshakeMsg(rc, confirm); err != nil {
		return nil, nil, err
	}

	secret, err := eph.sharedSecret(resp.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	initiatorKey, responderKey, err := deriveDirectionKeys(secret, init.Nonce, resp.Nonce)
	if err != nil {
		return nil, nil, err
	}

	sc, err := newSecureConn(rc, initiatorKey, responderKey, cfg.MaxRecordBytes)
	if err != nil {
		return nil, nil, err
	}
	return sc, resp.IdentityKey, nil
}

// handshakeResponder runs the accepting side. On success it returns the
// secure connection and the initiator's identity key.
func handshakeResponder(rc recordConn, cfg HandshakeConfig) (*secureConn, []byte, error) {
	var init helloInit
	if err := readHandshakeMsg(rc, &init); err != nil {
		return nil, nil, err
	}
	if init.V != handshakeVersion ||
		len(init.IdentityKey) != ed25519.PublicKeySize ||
		len(init.EphemeralKey) != 32 ||
		len(init.Nonce) != handshakeNonceSize {
		writeHandshakeMsg(rc, helloResp{Reject: "malformed hello"})
		return nil, nil, remoteErrors.HandshakeReject("malformed hello")
	}

	if len(init.OOBNonce) > 0 {
		if cfg.VerifyOOB == nil {
			writeHandshakeMsg(rc, helloResp{Reject: remoteErrors.CodeHandshakeReject})
			return nil, nil, remoteErrors.HandshakeReject("unexpected pairing nonce")
		}
		if err := cfg.VerifyOOB(init.OOBNonce, init.IdentityKey); err != nil {
			log.Printf("transport: rejected pairing nonce: %v", err)
			writeHandshakeMsg(rc, helloResp{Reject: remoteErrors.GetCode(err)})
			return nil, nil, err
		}
	} else {
		if cfg.VerifyOOB != nil && cfg.Authenticate == nil {
			writeHandshakeMsg(rc, helloResp{Reject: remoteErrors.CodeHandshakeReject})
			return nil, nil, remoteErrors.HandshakeReject("pairing nonce required")
		}
		if cfg.Authenticate != nil {
			if err := cfg.Authenticate(init.IdentityKey); err != nil {
				log.Printf("transport: rejected peer identity: %v", err)
				writeHandshakeMsg(rc, helloResp{Reject: remoteErrors.GetCode(err)})
				return nil, nil, err
			}
		}
	}

	eph, err := newEphemeralKeyPair()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := newHandshakeNonce()
	if err != nil {
		return nil, nil, err
	}

	respTranscript := transcript(sigLabelResponder,
		init.IdentityKey, cfg.Identity.Public,
		init.EphemeralKey, eph.public[:],
		init.Nonce, nonce)
	resp := helloResp{
		V:            handshakeVersion,
		IdentityKey:  cfg.Identity.Public,
		EphemeralKey: eph.public[:],
		Nonce:        nonce,
		Sig:          ed25519.Sign(cfg.Identity.Private, respTranscript),
	}
	if err := writeHandshakeMsg(rc, resp); err != nil {
		return nil, nil, err
	}

	var confirm helloConfirm
	if err := readHandshakeMsg(rc, &confirm); err != nil {
		return nil, nil, err
	}
	if confirm.Reject != "" {
		return nil, nil, remoteErrors.HandshakeReject(confirm.Reject)
	}

	initTranscript := transcript(sigLabelInitiator,
		init.IdentityKey, cfg.Identity.Public,
		init.EphemeralKey, eph.public[:],
		init.Nonce, nonce)
	if !ed25519.Verify(ed25519.PublicKey(init.IdentityKey), initTranscript, confirm.Sig) {
		log.Printf("transport: initiator signature verification failed")
		return nil, nil, remoteErrors.AuthFail()
	}

	secret, err := eph.sharedSecret(init.EphemeralKey)
	if err != nil {
		return nil, nil, err
	}
	initiatorKey, responderKey, err := deriveDirectionKeys(secret, init.Nonce, nonce)
	if err != nil {
		return nil, nil, err
	}

	// The responder's send key is the responder-direction key.
	sc, err := newSecureConn(rc, responderKey, initiatorKey, cfg.MaxRecordBytes)
	if err != nil {
		return nil, nil, err
	}
	return sc, init.IdentityKey, nil
}
