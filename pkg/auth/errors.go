package auth

import "errors"

// Authentication errors.
var (
	// ErrInvalidHMAC is returned when a peer's proof does not verify.
	ErrInvalidHMAC = errors.New("auth: invalid hmac")
	// ErrInvalidNonce is returned for nonces of the wrong length or nonces
	// that already served a completed handshake.
	ErrInvalidNonce = errors.New("auth: invalid nonce")
	// ErrProtocol is returned when a peer sends an unexpected message for
	// the current handshake state.
	ErrProtocol = errors.New("auth: protocol violation")
	// ErrTimeout is returned when the handshake exceeds its wall-clock
	// budget.
	ErrTimeout = errors.New("auth: handshake timeout")
	// ErrRateLimited is returned when too many handshakes have failed.
	ErrRateLimited = errors.New("auth: rate limited")
	// ErrInvalidState is returned when a handshake method is called for
	// the wrong role or out of order.
	ErrInvalidState = errors.New("auth: invalid state for operation")
	// ErrInvalidKey is returned for auth keys of the wrong length.
	ErrInvalidKey = errors.New("auth: invalid key length")
	// ErrUnknownDevice is returned when a responder claims a device ID
	// that is not paired.
	ErrUnknownDevice = errors.New("auth: unknown device")
)
