package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/crypto"
)

// Defaults for Policy and RegistryConfig.
const (
	// DefaultQRTimeout is how long a session may sit with its QR code on
	// screen before it expires.
	DefaultQRTimeout = 5 * time.Minute
	// DefaultSignalingTimeout bounds the SDP exchange once an offer has
	// arrived.
	DefaultSignalingTimeout = 60 * time.Second
	// DefaultMaxSessions caps concurrently active pairing sessions.
	DefaultMaxSessions = 4
	// DefaultRetention is how long terminal sessions stay visible for
	// status polling before they are purged.
	DefaultRetention = 60 * time.Second
	// DefaultSweepInterval is the cadence of the expiry sweeper.
	DefaultSweepInterval = time.Second

	// sessionIDSize is the session identifier length in bytes before hex
	// encoding.
	sessionIDSize = 16
)

// Policy sets the lifecycle limits for pairing sessions. Zero fields select
// the defaults.
type Policy struct {
	// QRTimeout expires a session that never progressed past QR display.
	QRTimeout time.Duration

	// SignalingTimeout expires a session stuck in the SDP exchange.
	SignalingTimeout time.Duration

	// MaxSessions caps concurrently active (non-terminal) sessions.
	MaxSessions int

	// Retention keeps terminal sessions around for status polling.
	Retention time.Duration
}

func (p *Policy) applyDefaults() {
	if p.QRTimeout == 0 {
		p.QRTimeout = DefaultQRTimeout
	}
	if p.SignalingTimeout == 0 {
		p.SignalingTimeout = DefaultSignalingTimeout
	}
	if p.MaxSessions == 0 {
		p.MaxSessions = DefaultMaxSessions
	}
	if p.Retention == 0 {
		p.Retention = DefaultRetention
	}
}

// RegistryConfig configures a session Registry.
type RegistryConfig struct {
	// Policy sets the session lifecycle limits.
	Policy Policy

	// SweepInterval is the cadence of the expiry sweeper. Zero selects
	// the default.
	SweepInterval time.Duration

	// LoggerFactory creates the registry's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Registry holds all live pairing sessions and runs their expiry. Sessions
// are created here, looked up by the signaling endpoint, and swept out once
// they time out or have lingered in a terminal state past the retention
// window.
//
// All methods are safe for concurrent use.
type Registry struct {
	policy        Policy
	sweepInterval time.Duration
	log           logging.LeveledLogger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry creates a session registry and starts its expiry sweeper.
// Callers must Close it to stop the sweeper.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	policy := config.Policy
	policy.applyDefaults()
	sweepInterval := config.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	r := &Registry{
		policy:        policy,
		sweepInterval: sweepInterval,
		log:           loggerFactory.NewLogger("pairing"),
		sessions:      make(map[string]*Session),
		closeCh:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r, nil
}

// Create starts a new pairing session in StateQRDisplayed with a fresh
// master secret. Returns ErrTooManySessions when the active session cap is
// reached.
func (r *Registry) Create() (*Session, error) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveBundle(secret)
	if err != nil {
		return nil, err
	}
	topic, err := crypto.RendezvousTopic(secret)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	active := 0
	for _, s := range r.sessions {
		if !s.State().Terminal() {
			active++
		}
	}
	if active >= r.policy.MaxSessions {
		return nil, ErrTooManySessions
	}

	id, err := r.newIDLocked()
	if err != nil {
		return nil, err
	}
	session := newSession(id, secret, keys, topic, r.log)
	r.sessions[id] = session
	r.log.Infof("created session %s", id)
	return session, nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Cancel fails the session with ErrCanceled. A session that already reached
// a terminal state is left as is; in particular a transport that has been
// handed off is never closed. Returns ErrNotFound for unknown IDs.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.Fail(ErrCanceled) {
		r.log.Infof("canceled session %s", id)
	}
	return nil
}

// Active returns the number of non-terminal sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, s := range r.sessions {
		if !s.State().Terminal() {
			active++
		}
	}
	return active
}

// Close stops the sweeper and fails every remaining non-terminal session,
// closing transports still owned by the signaling side.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.closeCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Fail(ErrRegistryClosed)
	}
	return nil
}

// newIDLocked generates a fresh 16-byte hex session ID. Callers must hold
// the mutex.
func (r *Registry) newIDLocked() (string, error) {
	for attempt := 0; attempt < 4; attempt++ {
		raw := make([]byte, sessionIDSize)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		id := hex.EncodeToString(raw)
		if _, exists := r.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", errors.New("pairing: session ID collision")
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep expires sessions past their deadline and purges terminal sessions
// past retention. Expiry runs outside the registry lock because failing a
// session may close its transport.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.purgeable(now, r.policy.Retention) {
			delete(r.sessions, id)
			continue
		}
		if s.deadlineExceeded(now, r.policy) {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if s.Fail(ErrExpired) {
			r.log.Infof("session %s expired", s.ID())
		}
	}
}
