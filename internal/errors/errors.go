// Package errors provides standardized error codes for the remote
// profile subsystem.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (registry, pairing,
//     transport, session, router, device)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by satellite clients for
// programmatic error handling. Human-readable messages are provided
// alongside codes. Everything that crosses the chat engine boundary is
// additionally wrapped into the single "chat.satellite" umbrella so the
// engine's clients see one error family for this subsystem.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that satellite clients can rely on.
const (
	// Registry domain - device registry persistence errors
	CodeRegistryOpenFailed  = "registry.open_failed"  // Database open failed
	CodeRegistryQueryFailed = "registry.query_failed" // Database query failed
	CodeRegistrySaveFailed  = "registry.save_failed"  // Failed to persist a row
	CodeRegistryNotFound    = "registry.not_found"    // Row not found

	// Device domain - remote device identity errors
	CodeDeviceUnknown   = "device.unknown"   // Offered keys match no registered device
	CodeDeviceRevoked   = "device.revoked"   // Device row is revoked
	CodeDeviceDuplicate = "device.duplicate" // Public key already bound to an active device

	// Pairing domain - OOB token and discovery errors
	CodePairingExpired     = "pairing.expired"       // Token past its wall-clock deadline
	CodePairingReplay      = "pairing.replay"        // Token nonce seen within the replay window
	CodePairingInvalid     = "pairing.invalid_token" // Token failed to decode or version mismatch
	CodePairingRateLimited = "pairing.rate_limited"  // Too many handshake attempts
	CodePairingNone        = "pairing.none_active"   // No pairing in progress

	// Transport domain - secure channel errors
	CodeHandshakeReject = "transport.handshake_reject" // Peer unknown or nonce reused
	CodeAuthFail        = "transport.auth_fail"        // Identity signature invalid
	CodeReplayDetected  = "transport.replay"           // Record sequence regressed
	CodeFrameTooLarge   = "transport.frame_too_large"  // Record exceeds the configured cap
	CodeDecodeError     = "transport.decode"           // Malformed record or frame JSON
	CodeTimeout         = "transport.timeout"          // Operation deadline exceeded
	CodeClosed          = "transport.closed"           // Channel closed by peer or locally
	CodeChannelBroken   = "transport.broken"           // Keepalive expired; channel presumed dead

	// Session domain - state machine errors
	CodeSessionSuspended  = "session.suspended"          // Session refuses new commands while suspended
	CodeSessionDisposed   = "session.disposed"           // Session is terminal
	CodeSessionTransition = "session.illegal_transition" // Transition not in the legal set
	CodeSessionExists     = "session.already_active"     // Device already has a live session

	// Router domain - command forwarding errors
	CodeDeniedCommand = "router.denied_command" // Command tag is on the deny list
	CodeQueueFull     = "router.queue_full"     // Satellite outbound queue at capacity
	CodeOrphanReply   = "router.orphan_reply"   // Reply with no pending entry

	// Chat boundary - the single umbrella surfaced to engine clients
	CodeChatSatellite = "chat.satellite"

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "device.revoked")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to reply frames.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// DeviceUnknown creates a "device.unknown" error.
// Fatal for the session: the offered keys match no registered device.
func DeviceUnknown() *CodedError {
	return New(CodeDeviceUnknown, "offered keys do not match a registered device")
}

// DeviceRevoked creates a "device.revoked" error.
// Fatal for the session: the device row exists but has been revoked.
func DeviceRevoked(deviceID int64) *CodedError {
	return New(CodeDeviceRevoked, fmt.Sprintf("device %d has been revoked", deviceID))
}

// DuplicateDevice creates a "device.duplicate" error.
func DuplicateDevice() *CodedError {
	return New(CodeDeviceDuplicate, "public key already bound to an active device")
}

// PairingExpired creates a "pairing.expired" error.
func PairingExpired() *CodedError {
	return New(CodePairingExpired, "pairing token has expired")
}

// PairingReplay creates a "pairing.replay" error.
// The token nonce was already consumed within the replay window.
func PairingReplay() *CodedError {
	return New(CodePairingReplay, "pairing token has already been used")
}

// HandshakeReject creates a "transport.handshake_reject" error.
func HandshakeReject(reason string) *CodedError {
	return New(CodeHandshakeReject, fmt.Sprintf("handshake rejected: %s", reason))
}

// AuthFail creates a "transport.auth_fail" error.
func AuthFail() *CodedError {
	return New(CodeAuthFail, "peer identity signature invalid")
}

// ReplayDetected creates a "transport.replay" error.
// The record sequence number regressed; the channel must be torn down.
func ReplayDetected(got, want uint64) *CodedError {
	return New(CodeReplayDetected, fmt.Sprintf("record sequence %d regressed (expected %d)", got, want))
}

// FrameTooLarge creates a "transport.frame_too_large" error.
func FrameTooLarge(size, limit int) *CodedError {
	return New(CodeFrameTooLarge, fmt.Sprintf("record of %d bytes exceeds %d byte limit", size, limit))
}

// DecodeError creates a "transport.decode" error.
func DecodeError(cause error) *CodedError {
	return Wrap(CodeDecodeError, "malformed record", cause)
}

// Timeout creates a "transport.timeout" error.
func Timeout(what string) *CodedError {
	return New(CodeTimeout, fmt.Sprintf("%s timed out", what))
}

// Closed creates a "transport.closed" error.
func Closed() *CodedError {
	return New(CodeClosed, "channel closed")
}

// ChannelBroken creates a "transport.broken" error.
// Surfaced only after the reconnect ceiling; before that the satellite
// transport recovers it locally.
func ChannelBroken() *CodedError {
	return New(CodeChannelBroken, "channel broken: keepalive expired")
}

// SessionSuspended creates a "session.suspended" error.
func SessionSuspended() *CodedError {
	return New(CodeSessionSuspended, "session is suspended")
}

// SessionDisposed creates a "session.disposed" error.
func SessionDisposed() *CodedError {
	return New(CodeSessionDisposed, "session is disposed")
}

// IllegalTransition creates a "session.illegal_transition" error.
func IllegalTransition(from, to string) *CodedError {
	return New(CodeSessionTransition, fmt.Sprintf("illegal transition %s -> %s", from, to))
}

// DeniedCommand creates a "router.denied_command" error.
// Surfaced as a reply with error content; never transitions the session.
func DeniedCommand(tag string) *CodedError {
	return New(CodeDeniedCommand, fmt.Sprintf("command %q is not permitted from a remote session", tag))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// ChatErrorSatellite wraps any subsystem error into the single umbrella
// error surfaced to the chat engine's clients. The original code is
// preserved on the cause chain for programmatic inspection.
func ChatErrorSatellite(err error) *CodedError {
	if err == nil {
		return nil
	}
	return &CodedError{
		Code:    CodeChatSatellite,
		Message: GetMessage(err),
		Cause:   err,
	}
}
