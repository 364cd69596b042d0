package pairing

import (
	"errors"
	"testing"
	"time"

	"github.com/ras-project/ras/pkg/transport"
)

// waitForState polls until the session reaches want or the deadline passes.
func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s stuck in %s, want %s", s.ID(), s.State(), want)
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, Policy{})

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	got, ok := r.Get(s.ID())
	if !ok || got != s {
		t.Fatalf("Get(%q) = (%v, %v), want the created session", s.ID(), got, ok)
	}
	if _, ok := r.Get("no-such-session"); ok {
		t.Error("Get() found a session that was never created")
	}
	if got := r.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
}

func TestRegistryMaxSessions(t *testing.T) {
	r := newTestRegistry(t, Policy{MaxSessions: 2})

	first, err := r.Create()
	if err != nil {
		t.Fatalf("Create() #1 error: %v", err)
	}
	if _, err := r.Create(); err != nil {
		t.Fatalf("Create() #2 error: %v", err)
	}
	if _, err := r.Create(); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Create() over cap error = %v, want ErrTooManySessions", err)
	}

	// Terminal sessions do not count against the cap.
	if err := r.Cancel(first.ID()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if _, err := r.Create(); err != nil {
		t.Fatalf("Create() after cancel error: %v", err)
	}
}

func TestRegistryCancel(t *testing.T) {
	r := newTestRegistry(t, Policy{})

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := r.Cancel(s.ID()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state after Cancel = %s, want %s", got, StateFailed)
	}
	if !errors.Is(s.FailCause(), ErrCanceled) {
		t.Errorf("FailCause() = %v, want ErrCanceled", s.FailCause())
	}

	// Cancel is idempotent for known sessions.
	if err := r.Cancel(s.ID()); err != nil {
		t.Errorf("second Cancel() error: %v", err)
	}
	if err := r.Cancel("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryQRTimeout(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		Policy:        Policy{QRTimeout: 30 * time.Millisecond},
		SweepInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer r.Close()

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	waitForState(t, s, StateFailed)
	if !errors.Is(s.FailCause(), ErrExpired) {
		t.Errorf("FailCause() = %v, want ErrExpired", s.FailCause())
	}
}

func TestRegistrySignalingTimeout(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		Policy:        Policy{QRTimeout: time.Hour, SignalingTimeout: 30 * time.Millisecond},
		SweepInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer r.Close()

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.BeginOffer(); err != nil {
		t.Fatalf("BeginOffer() error: %v", err)
	}
	waitForState(t, s, StateFailed)
	if !errors.Is(s.FailCause(), ErrExpired) {
		t.Errorf("FailCause() = %v, want ErrExpired", s.FailCause())
	}
}

func TestRegistryPurgesTerminalSessions(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		Policy:        Policy{QRTimeout: time.Hour, Retention: 20 * time.Millisecond},
		SweepInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	defer r.Close()

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := r.Cancel(s.ID()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	// The terminal session stays visible for the retention window...
	if _, ok := r.Get(s.ID()); !ok {
		t.Fatal("terminal session purged before retention elapsed")
	}
	// ...and disappears afterwards.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Get(s.ID()); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal session never purged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistryCloseFailsSessions(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{SweepInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	s, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	local, _ := transport.NewPipePair()
	conn := transport.NewConn(local)
	s.AttachConn(conn)

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if got := s.State(); got != StateFailed {
		t.Errorf("state after registry close = %s, want %s", got, StateFailed)
	}
	if !errors.Is(s.FailCause(), ErrRegistryClosed) {
		t.Errorf("FailCause() = %v, want ErrRegistryClosed", s.FailCause())
	}
	if got := conn.Owner(); got != transport.OwnerDisposed {
		t.Errorf("conn owner after registry close = %s, want %s", got, transport.OwnerDisposed)
	}
	if _, err := r.Create(); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Create() after Close error = %v, want ErrRegistryClosed", err)
	}
}
