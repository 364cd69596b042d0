// Package pairing manages the lifecycle of pairing sessions: short-lived
// server-side state created when the user asks to pair a new device, carrying
// the freshly generated master secret from QR display through signaling,
// transport connection and authentication to handoff.
package pairing

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/auth"
	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/pairing/payload"
	"github.com/ras-project/ras/pkg/transport"
)

// Session is one pairing attempt. It owns the master secret and derived keys
// until the attempt ends: on success the keys move to the device registry and
// the session drops its copies, on failure or expiry everything is dropped.
//
// All methods are safe for concurrent use.
type Session struct {
	id    string
	topic string
	log   logging.LeveledLogger

	mu            sync.Mutex
	state         State
	offerInFlight bool
	createdAt     time.Time
	signalingAt   time.Time
	doneAt        time.Time
	failCause     error
	secret        []byte
	keys          *crypto.KeyBundle
	auth          *auth.Authenticator
	deviceID      string
	deviceName    string
	conn          *transport.Conn
}

// newSession builds a session in StateQRDisplayed. The registry owns ID
// uniqueness.
func newSession(id string, secret []byte, keys *crypto.KeyBundle, topic string, log logging.LeveledLogger) *Session {
	return &Session{
		id:        id,
		topic:     topic,
		log:       log,
		state:     StateQRDisplayed,
		createdAt: time.Now(),
		secret:    secret,
		keys:      keys,
	}
}

// ID returns the session identifier used in signaling URLs.
func (s *Session) ID() string {
	return s.id
}

// Topic returns the rendezvous topic derived from the session's master
// secret.
func (s *Session) Topic() string {
	return s.topic
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailCause returns why the session failed, or nil while it has not.
func (s *Session) FailCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failCause
}

// MasterSecret returns a copy of the master secret, or nil once the session
// has dropped it.
func (s *Session) MasterSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret == nil {
		return nil
	}
	secret := make([]byte, len(s.secret))
	copy(secret, s.secret)
	return secret
}

// Keys returns the derived key bundle, or nil once dropped.
func (s *Session) Keys() *crypto.KeyBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys
}

// SetupPayload renders the QR payload string for this session.
func (s *Session) SetupPayload() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret == nil {
		return "", fmt.Errorf("%w: secret dropped", ErrInvalidTransition)
	}
	p := &payload.SetupPayload{Version: payload.Version, MasterSecret: s.secret}
	return p.Encode()
}

// Authenticator returns the session's authenticator, creating it on first
// use. The same authenticator serves every handshake attempt of the session,
// so failed attempts accumulate toward the rate limit.
func (s *Session) Authenticator() (*auth.Authenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth != nil {
		return s.auth, nil
	}
	if s.keys == nil {
		return nil, fmt.Errorf("%w: keys dropped", ErrInvalidTransition)
	}
	a, err := auth.NewAuthenticator(auth.AuthenticatorConfig{AuthKey: s.keys.AuthKey})
	if err != nil {
		return nil, err
	}
	s.auth = a
	return a, nil
}

// BeginOffer claims the session for one incoming offer. It succeeds from
// StateQRDisplayed, or from StateSignaling when no other offer is in flight,
// and moves the session to StateSignaling.
func (s *Session) BeginOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateQRDisplayed:
	case StateSignaling:
		if s.offerInFlight {
			return ErrOfferInFlight
		}
	default:
		return fmt.Errorf("%w: offer in state %s", ErrInvalidTransition, s.state)
	}
	if s.state == StateQRDisplayed {
		s.state = StateSignaling
		s.signalingAt = time.Now()
	}
	s.offerInFlight = true
	return nil
}

// Advance moves the session forward one lifecycle step.
func (s *Session) Advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// SetDevice records the identity learned from the handshake.
func (s *Session) SetDevice(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
	s.deviceName = name
}

// Device returns the authenticated device identity, empty until the
// handshake has completed.
func (s *Session) Device() (id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.deviceName
}

// AttachConn stores the transport built for this session. The session's
// cleanup paths close it through the signaling owner role, so a conn whose
// ownership has been transferred is never torn down by the session.
func (s *Session) AttachConn(conn *transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// DetachConn releases the stored transport without closing it and returns
// it, or nil if none is attached.
func (s *Session) DetachConn() *transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	return conn
}

// Conn returns the attached transport, or nil.
func (s *Session) Conn() *transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Complete marks the session authenticated after handoff. The session drops
// its secret material and its reference to the transport; only the identity
// and timestamps remain for status polling until the registry purges it.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !canTransition(s.state, StateAuthenticated) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateAuthenticated)
	}
	s.state = StateAuthenticated
	s.doneAt = time.Now()
	s.conn = nil
	s.dropSecretsLocked()
	return nil
}

// Fail moves the session to StateFailed with the given cause, closes any
// transport still owned by the signaling side and drops all secret material.
// It reports whether this call performed the failure; calls on a session
// already in a terminal state do nothing.
func (s *Session) Fail(cause error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateFailed
	s.failCause = cause
	s.doneAt = time.Now()
	conn := s.conn
	s.conn = nil
	s.dropSecretsLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.CloseByOwner(transport.OwnerSignaling)
	}
	if s.log != nil {
		s.log.Infof("session %s failed: %v", s.id, cause)
	}
	return true
}

// dropSecretsLocked zeroes and releases the master secret and derived keys.
func (s *Session) dropSecretsLocked() {
	for i := range s.secret {
		s.secret[i] = 0
	}
	s.secret = nil
	if s.keys != nil {
		for _, key := range [][]byte{s.keys.AuthKey, s.keys.EncryptKey, s.keys.NtfyKey, s.keys.SignalingKey} {
			for i := range key {
				key[i] = 0
			}
		}
		s.keys = nil
	}
	s.auth = nil
}

// deadlineExceeded reports whether the session has outlived the policy's
// limits for its current state.
func (s *Session) deadlineExceeded(now time.Time, policy Policy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}
	if now.Sub(s.createdAt) > policy.QRTimeout {
		return true
	}
	if s.state == StateSignaling && now.Sub(s.signalingAt) > policy.SignalingTimeout {
		return true
	}
	return false
}

// purgeable reports whether a terminal session has been retained long enough
// for status polling and can be removed.
func (s *Session) purgeable(now time.Time, retention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && now.Sub(s.doneAt) > retention
}
