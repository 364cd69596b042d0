// Package auth implements the mutual challenge-response handshake that runs
// over a freshly connected, still-unauthenticated transport. Both sides hold
// the device's auth key; each proves possession by returning an HMAC over the
// nonce the other side issued. The daemon always challenges first:
//
//	daemon                      device
//	  ── challenge(nonce_d) ──▶
//	  ◀─ response(hmac(nonce_d), nonce_p, id, name) ──
//	  ── verify(hmac(nonce_p)) ──▶
//	  ── success(id) ──▶
package auth

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/ras-project/ras/pkg/crypto"
)

// NonceSize is the handshake nonce length in bytes.
const NonceSize = 32

// Role distinguishes the two handshake participants.
type Role int

const (
	// RoleDaemon issues the first challenge and decides the outcome.
	RoleDaemon Role = iota
	// RoleDevice responds to the challenge and awaits verification.
	RoleDevice
)

func (r Role) String() string {
	switch r {
	case RoleDaemon:
		return "Daemon"
	case RoleDevice:
		return "Device"
	default:
		return "Unknown"
	}
}

// State is the handshake state machine position.
type State int

const (
	StatePending       State = iota // nothing exchanged yet
	StateChallenged                 // daemon: challenge sent
	StateResponded                  // device: response sent
	StateVerified                   // device: daemon's proof checked
	StateAuthenticated              // terminal, mutual proof complete
	StateFailed                     // terminal
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateChallenged:
		return "Challenged"
	case StateResponded:
		return "Responded"
	case StateVerified:
		return "Verified"
	case StateAuthenticated:
		return "Authenticated"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Result carries the identity learned during a successful handshake.
type Result struct {
	DeviceID   string
	DeviceName string
}

// Handshake implements one attempt of the mutual authentication protocol.
// A Handshake is single-use; a retry needs a fresh one.
//
// Usage (daemon):
//
//	hs, _ := authenticator.Begin()
//	challenge, _ := hs.Challenge()
//	// send challenge, receive response
//	verify, success, _ := hs.HandleResponse(response)
//	// send verify, send success
//	result := hs.Result()
//
// Usage (device):
//
//	hs, _ := auth.NewDeviceHandshake(authKey, deviceID, deviceName)
//	// receive challenge
//	response, _ := hs.HandleChallenge(challenge)
//	// send response, receive verify
//	if err := hs.HandleVerify(verify); err != nil { ... }
//	// receive success
//	hs.HandleSuccess(success)
type Handshake struct {
	role    Role
	authKey []byte

	ourNonce   []byte
	theirNonce []byte

	deviceID   string
	deviceName string

	// auth points back at the owning Authenticator on the daemon side so
	// refusals and spent nonces are recorded across attempts. Nil for the
	// device role.
	auth *Authenticator

	state State
	rand  io.Reader
	mu    sync.Mutex
}

// NewDeviceHandshake creates the device-role half of the handshake. The
// device announces the given identity inside its response.
func NewDeviceHandshake(authKey []byte, deviceID, deviceName string) (*Handshake, error) {
	if len(authKey) != crypto.DerivedKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(authKey), crypto.DerivedKeySize)
	}
	return &Handshake{
		role:       RoleDevice,
		authKey:    authKey,
		deviceID:   deviceID,
		deviceName: deviceName,
		state:      StatePending,
		rand:       rand.Reader,
	}, nil
}

// Challenge begins the handshake (daemon only). Returns the challenge
// envelope bytes to send.
func (h *Handshake) Challenge() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role != RoleDaemon || h.state != StatePending {
		return nil, ErrInvalidState
	}

	h.ourNonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(h.rand, h.ourNonce); err != nil {
		return nil, err
	}

	data, err := (&Envelope{Type: TypeChallenge, Nonce: h.ourNonce}).Encode()
	if err != nil {
		return nil, err
	}
	h.state = StateChallenged
	return data, nil
}

// HandleResponse processes the device's response (daemon only). On success
// it returns the verify and success envelopes to send, in order. On failure
// the handshake is failed and the returned error identifies the refusal; the
// caller should send an error envelope built with ErrorEnvelope.
func (h *Handshake) HandleResponse(data []byte) (verify, success []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role != RoleDaemon || h.state != StateChallenged {
		return nil, nil, ErrInvalidState
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, nil, h.failLocked(err)
	}
	if env.Type != TypeResponse {
		return nil, nil, h.failLocked(fmt.Errorf("%w: got %q in state %s", ErrProtocol, env.Type, h.state))
	}
	if len(env.Nonce) != NonceSize {
		return nil, nil, h.failLocked(fmt.Errorf("%w: nonce length %d", ErrInvalidNonce, len(env.Nonce)))
	}
	if !crypto.VerifyHMAC(h.authKey, h.ourNonce, env.HMAC) {
		return nil, nil, h.failLocked(ErrInvalidHMAC)
	}
	if h.auth != nil && h.auth.nonceUsed(env.Nonce) {
		return nil, nil, h.failLocked(fmt.Errorf("%w: nonce reuse", ErrInvalidNonce))
	}

	h.theirNonce = env.Nonce
	h.deviceID = env.DeviceID
	h.deviceName = env.DeviceName

	proof := crypto.ComputeHMAC(h.authKey, h.theirNonce)
	verify, err = (&Envelope{Type: TypeVerify, HMAC: proof}).Encode()
	if err != nil {
		return nil, nil, h.failLocked(err)
	}
	success, err = (&Envelope{Type: TypeSuccess, DeviceID: h.deviceID}).Encode()
	if err != nil {
		return nil, nil, h.failLocked(err)
	}

	if h.auth != nil {
		h.auth.markNonceUsed(h.theirNonce)
	}
	h.state = StateAuthenticated
	return verify, success, nil
}

// HandleChallenge processes the daemon's challenge (device only). Returns
// the response envelope bytes to send.
func (h *Handshake) HandleChallenge(data []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role != RoleDevice || h.state != StatePending {
		return nil, ErrInvalidState
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, h.failLocked(err)
	}
	if env.Type == TypeError {
		return nil, h.failLocked(fmt.Errorf("%w: %s", codeError(env.Code), env.Message))
	}
	if env.Type != TypeChallenge {
		return nil, h.failLocked(fmt.Errorf("%w: got %q in state %s", ErrProtocol, env.Type, h.state))
	}
	if len(env.Nonce) != NonceSize {
		return nil, h.failLocked(fmt.Errorf("%w: nonce length %d", ErrInvalidNonce, len(env.Nonce)))
	}

	h.theirNonce = env.Nonce
	h.ourNonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(h.rand, h.ourNonce); err != nil {
		return nil, h.failLocked(err)
	}

	resp := &Envelope{
		Type:       TypeResponse,
		HMAC:       crypto.ComputeHMAC(h.authKey, h.theirNonce),
		Nonce:      h.ourNonce,
		DeviceID:   h.deviceID,
		DeviceName: h.deviceName,
	}
	data, err = resp.Encode()
	if err != nil {
		return nil, h.failLocked(err)
	}
	h.state = StateResponded
	return data, nil
}

// HandleVerify checks the daemon's proof over our nonce (device only).
func (h *Handshake) HandleVerify(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role != RoleDevice || h.state != StateResponded {
		return ErrInvalidState
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return h.failLocked(err)
	}
	if env.Type == TypeError {
		return h.failLocked(fmt.Errorf("%w: %s", codeError(env.Code), env.Message))
	}
	if env.Type != TypeVerify {
		return h.failLocked(fmt.Errorf("%w: got %q in state %s", ErrProtocol, env.Type, h.state))
	}
	if !crypto.VerifyHMAC(h.authKey, h.ourNonce, env.HMAC) {
		return h.failLocked(ErrInvalidHMAC)
	}
	h.state = StateVerified
	return nil
}

// HandleSuccess completes the handshake (device only).
func (h *Handshake) HandleSuccess(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.role != RoleDevice || h.state != StateVerified {
		return ErrInvalidState
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		return h.failLocked(err)
	}
	if env.Type == TypeError {
		return h.failLocked(fmt.Errorf("%w: %s", codeError(env.Code), env.Message))
	}
	if env.Type != TypeSuccess {
		return h.failLocked(fmt.Errorf("%w: got %q in state %s", ErrProtocol, env.Type, h.state))
	}
	h.state = StateAuthenticated
	return nil
}

// failLocked transitions to failed, reports the refusal to the owning
// authenticator, and returns err. Callers must hold the mutex.
func (h *Handshake) failLocked(err error) error {
	if h.state != StateFailed {
		h.state = StateFailed
		if h.auth != nil {
			h.auth.recordFailure()
		}
	}
	return err
}

// fail transitions to failed from outside the step handlers (timeouts,
// transport errors).
func (h *Handshake) fail(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failLocked(err)
}

// State returns the current handshake state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Role returns the handshake role.
func (h *Handshake) Role() Role {
	return h.role
}

// Result returns the identity learned during the handshake, or nil before
// StateAuthenticated.
func (h *Handshake) Result() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateAuthenticated {
		return nil
	}
	return &Result{DeviceID: h.deviceID, DeviceName: h.deviceName}
}

// SetRandom sets the nonce source for testing purposes.
func (h *Handshake) SetRandom(r io.Reader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rand = r
}

// ErrorEnvelope builds the error envelope for a refusal.
func ErrorEnvelope(err error) []byte {
	data, encodeErr := (&Envelope{
		Type:    TypeError,
		Code:    errorCode(err),
		Message: err.Error(),
	}).Encode()
	if encodeErr != nil {
		return nil
	}
	return data
}
