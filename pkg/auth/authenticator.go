package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ras-project/ras/pkg/crypto"
)

// Defaults for AuthenticatorConfig.
const (
	// DefaultMaxFailedAttempts is how many refused handshakes an
	// authenticator tolerates before rate limiting kicks in.
	DefaultMaxFailedAttempts = 5
	// DefaultHandshakeTimeout bounds a full handshake attempt.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultReceiveTimeout bounds each individual receive.
	DefaultReceiveTimeout = 10 * time.Second
)

// SendFunc delivers an envelope to the peer.
type SendFunc func(data []byte) error

// RecvFunc returns the next envelope from the peer, honoring ctx.
type RecvFunc func(ctx context.Context) ([]byte, error)

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	// AuthKey is the 32-byte key both sides derived from the master secret.
	AuthKey []byte

	// MaxFailedAttempts caps refused handshakes. Zero selects the default.
	MaxFailedAttempts int

	// HandshakeTimeout bounds a full attempt. Zero selects the default.
	HandshakeTimeout time.Duration

	// ReceiveTimeout bounds each receive. Zero selects the default.
	ReceiveTimeout time.Duration

	// Rand overrides the nonce source for testing.
	Rand io.Reader
}

// Authenticator runs daemon-side handshakes for one auth key. It is
// long-lived relative to handshake attempts: the failed-attempt counter and
// the set of spent peer nonces persist across attempts, so a peer cannot
// brute-force proofs or replay a completed exchange. Once the failure cap is
// reached, further attempts are refused for the authenticator's lifetime.
type Authenticator struct {
	authKey          []byte
	maxFailed        int
	handshakeTimeout time.Duration
	receiveTimeout   time.Duration
	rand             io.Reader

	mu         sync.Mutex
	failed     int
	usedNonces map[[NonceSize]byte]struct{}
}

// NewAuthenticator creates an authenticator for the given auth key.
func NewAuthenticator(config AuthenticatorConfig) (*Authenticator, error) {
	if len(config.AuthKey) != crypto.DerivedKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(config.AuthKey), crypto.DerivedKeySize)
	}
	a := &Authenticator{
		authKey:          config.AuthKey,
		maxFailed:        config.MaxFailedAttempts,
		handshakeTimeout: config.HandshakeTimeout,
		receiveTimeout:   config.ReceiveTimeout,
		rand:             config.Rand,
		usedNonces:       make(map[[NonceSize]byte]struct{}),
	}
	if a.maxFailed == 0 {
		a.maxFailed = DefaultMaxFailedAttempts
	}
	if a.handshakeTimeout == 0 {
		a.handshakeTimeout = DefaultHandshakeTimeout
	}
	if a.receiveTimeout == 0 {
		a.receiveTimeout = DefaultReceiveTimeout
	}
	if a.rand == nil {
		a.rand = rand.Reader
	}
	return a, nil
}

// Begin starts a new daemon-role handshake attempt. Returns ErrRateLimited
// once the failure cap has been reached.
func (a *Authenticator) Begin() (*Handshake, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failed >= a.maxFailed {
		return nil, fmt.Errorf("%w: %d failed attempts", ErrRateLimited, a.failed)
	}
	return &Handshake{
		role:    RoleDaemon,
		authKey: a.authKey,
		auth:    a,
		state:   StatePending,
		rand:    a.rand,
	}, nil
}

// BeginWithNonce starts a daemon-role handshake whose challenge nonce has
// already been sent by the caller. Acceptors use this: on a listening
// transport the challenge goes out before the responder has named itself, so
// the authenticator is picked only once the response arrives. The returned
// handshake is in StateChallenged, ready for HandleResponse.
func (a *Authenticator) BeginWithNonce(nonce []byte) (*Handshake, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce length %d", ErrInvalidNonce, len(nonce))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failed >= a.maxFailed {
		return nil, fmt.Errorf("%w: %d failed attempts", ErrRateLimited, a.failed)
	}
	ourNonce := make([]byte, NonceSize)
	copy(ourNonce, nonce)
	return &Handshake{
		role:     RoleDaemon,
		authKey:  a.authKey,
		auth:     a,
		state:    StateChallenged,
		ourNonce: ourNonce,
		rand:     a.rand,
	}, nil
}

// FailedAttempts returns the number of refused handshakes so far.
func (a *Authenticator) FailedAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

// Run drives a complete daemon-side handshake over the given send/recv pair.
// The attempt is bounded by the handshake timeout as a whole and the receive
// timeout per message. On refusal an error envelope is sent best-effort and
// the refusal is returned; on success the learned device identity is
// returned.
func (a *Authenticator) Run(ctx context.Context, send SendFunc, recv RecvFunc) (*Result, error) {
	hs, err := a.Begin()
	if err != nil {
		_ = send(ErrorEnvelope(err))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()

	challenge, err := hs.Challenge()
	if err != nil {
		return nil, err
	}
	if err := send(challenge); err != nil {
		return nil, fmt.Errorf("auth: send challenge: %w", err)
	}

	data, err := a.receive(ctx, recv)
	if err != nil {
		err = hs.fail(err)
		_ = send(ErrorEnvelope(err))
		return nil, err
	}

	verify, success, err := hs.HandleResponse(data)
	if err != nil {
		_ = send(ErrorEnvelope(err))
		return nil, err
	}
	if err := send(verify); err != nil {
		return nil, fmt.Errorf("auth: send verify: %w", err)
	}
	if err := send(success); err != nil {
		return nil, fmt.Errorf("auth: send success: %w", err)
	}
	return hs.Result(), nil
}

// receive waits for the next envelope within the receive timeout.
func (a *Authenticator) receive(ctx context.Context, recv RecvFunc) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, a.receiveTimeout)
	defer cancel()

	data, err := recv(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || rctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return data, nil
}

// ResponderConfig configures a device-role handshake driver.
type ResponderConfig struct {
	// AuthKey is the 32-byte key derived from the master secret.
	AuthKey []byte

	// DeviceID and DeviceName identify this device to the daemon.
	DeviceID   string
	DeviceName string

	// ReceiveTimeout bounds each receive. Zero selects the default.
	ReceiveTimeout time.Duration

	// Rand overrides the nonce source for testing.
	Rand io.Reader
}

// Responder drives the device side of the handshake. The daemon ships it for
// clients and exercises it in tests; a phone implementation follows the same
// steps.
type Responder struct {
	hs             *Handshake
	receiveTimeout time.Duration
}

// NewResponder creates a device-role driver.
func NewResponder(config ResponderConfig) (*Responder, error) {
	hs, err := NewDeviceHandshake(config.AuthKey, config.DeviceID, config.DeviceName)
	if err != nil {
		return nil, err
	}
	if config.Rand != nil {
		hs.SetRandom(config.Rand)
	}
	receiveTimeout := config.ReceiveTimeout
	if receiveTimeout == 0 {
		receiveTimeout = DefaultReceiveTimeout
	}
	return &Responder{hs: hs, receiveTimeout: receiveTimeout}, nil
}

// Run drives the device side to completion: await challenge, send response,
// check verify, await success.
func (r *Responder) Run(ctx context.Context, send SendFunc, recv RecvFunc) error {
	challenge, err := r.receive(ctx, recv)
	if err != nil {
		return r.hs.fail(err)
	}
	response, err := r.hs.HandleChallenge(challenge)
	if err != nil {
		return err
	}
	if err := send(response); err != nil {
		return fmt.Errorf("auth: send response: %w", err)
	}

	verify, err := r.receive(ctx, recv)
	if err != nil {
		return r.hs.fail(err)
	}
	if err := r.hs.HandleVerify(verify); err != nil {
		return err
	}

	success, err := r.receive(ctx, recv)
	if err != nil {
		return r.hs.fail(err)
	}
	return r.hs.HandleSuccess(success)
}

// State returns the underlying handshake state.
func (r *Responder) State() State {
	return r.hs.State()
}

func (r *Responder) receive(ctx context.Context, recv RecvFunc) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, r.receiveTimeout)
	defer cancel()

	data, err := recv(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || rctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return data, nil
}

// nonceUsed reports whether a peer nonce already served a completed
// handshake.
func (a *Authenticator) nonceUsed(nonce []byte) bool {
	if len(nonce) != NonceSize {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var key [NonceSize]byte
	copy(key[:], nonce)
	_, used := a.usedNonces[key]
	return used
}

// markNonceUsed records a peer nonce that served a completed handshake.
func (a *Authenticator) markNonceUsed(nonce []byte) {
	if len(nonce) != NonceSize {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var key [NonceSize]byte
	copy(key[:], nonce)
	a.usedNonces[key] = struct{}{}
}

// recordFailure bumps the refused-handshake counter.
func (a *Authenticator) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed++
}
