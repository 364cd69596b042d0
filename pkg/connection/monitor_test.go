package connection

import (
	"errors"
	"testing"
	"time"
)

func TestMonitorConfigValidate(t *testing.T) {
	_, err := NewMonitor(MonitorConfig{WarnAfter: time.Minute, ReceiveTimeout: 30 * time.Second})
	if !errors.Is(err, ErrMonitorState) {
		t.Fatalf("NewMonitor(warn > timeout) error = %v, want ErrMonitorState", err)
	}
	if _, err := NewMonitor(MonitorConfig{}); err != nil {
		t.Fatalf("NewMonitor(defaults) error: %v", err)
	}
}

// Reaping decisions are driven through check with synthetic clock readings,
// so the default thresholds can be exercised without waiting them out.
func TestMonitorCheckReapsStale(t *testing.T) {
	stale := make(chan string, 4)
	m, err := NewMonitor(MonitorConfig{
		OnStale: func(id string) { stale <- id },
	})
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}

	m.Track("phone-1")
	tracked, ok := m.LastActivity("phone-1")
	if !ok {
		t.Fatal("LastActivity() after Track = not tracked")
	}

	// Inside the warn window: nothing happens.
	m.check(tracked.Add(45 * time.Second))
	select {
	case id := <-stale:
		t.Fatalf("OnStale(%q) fired before the receive timeout", id)
	default:
	}
	if _, ok := m.LastActivity("phone-1"); !ok {
		t.Fatal("device untracked before the receive timeout")
	}

	// Past the receive timeout: reaped exactly once.
	m.check(tracked.Add(61 * time.Second))
	select {
	case id := <-stale:
		if id != "phone-1" {
			t.Errorf("OnStale(%q), want phone-1", id)
		}
	default:
		t.Fatal("OnStale never fired past the receive timeout")
	}
	if _, ok := m.LastActivity("phone-1"); ok {
		t.Error("stale device still tracked")
	}
	m.check(tracked.Add(2 * time.Hour))
	select {
	case id := <-stale:
		t.Fatalf("OnStale(%q) fired twice for one lapse", id)
	default:
	}
}

// Staleness is also exposed as a query, so callers can inspect lapsed
// devices without waiting for the reaping tick. The query never untracks.
func TestMonitorStaleConnectionsQuery(t *testing.T) {
	m, err := NewMonitor(MonitorConfig{})
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}

	m.Track("phone-2")
	m.Track("phone-1")
	if stale := m.StaleConnections(); len(stale) != 0 {
		t.Fatalf("StaleConnections() right after Track = %v, want none", stale)
	}

	tracked, ok := m.LastActivity("phone-1")
	if !ok {
		t.Fatal("LastActivity() after Track = not tracked")
	}
	if got := m.staleAt(tracked.Add(45 * time.Second)); len(got) != 0 {
		t.Errorf("staleAt(inside timeout) = %v, want none", got)
	}
	got := m.staleAt(tracked.Add(61 * time.Second))
	if len(got) != 2 || got[0] != "phone-1" || got[1] != "phone-2" {
		t.Errorf("staleAt(past timeout) = %v, want [phone-1 phone-2]", got)
	}
	if _, ok := m.LastActivity("phone-1"); !ok {
		t.Error("query untracked the device")
	}
}

func TestMonitorMarkActivity(t *testing.T) {
	m, err := NewMonitor(MonitorConfig{})
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}

	m.Track("phone-1")
	before, _ := m.LastActivity("phone-1")
	time.Sleep(10 * time.Millisecond)
	m.MarkActivity("phone-1")
	after, _ := m.LastActivity("phone-1")
	if !after.After(before) {
		t.Errorf("LastActivity not advanced: before=%v after=%v", before, after)
	}

	// Activity for an untracked device is ignored.
	m.MarkActivity("nobody")
	if _, ok := m.LastActivity("nobody"); ok {
		t.Error("MarkActivity created a tracking entry")
	}

	m.Untrack("phone-1")
	if _, ok := m.LastActivity("phone-1"); ok {
		t.Error("device still tracked after Untrack")
	}
}

func TestMonitorLoopSendsHeartbeats(t *testing.T) {
	sends := make(chan struct{}, 16)
	m, err := NewMonitor(MonitorConfig{
		SendInterval:   10 * time.Millisecond,
		WarnAfter:      time.Minute,
		ReceiveTimeout: 2 * time.Minute,
		Send:           func() { sends <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrMonitorState) {
		t.Errorf("second Start() error = %v, want ErrMonitorState", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-sends:
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat send #%d never fired", i+1)
		}
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := m.Stop(); !errors.Is(err, ErrMonitorState) {
		t.Errorf("second Stop() error = %v, want ErrMonitorState", err)
	}
}

func TestMonitorLoopReapsSilentDevice(t *testing.T) {
	stale := make(chan string, 1)
	m, err := NewMonitor(MonitorConfig{
		SendInterval:   5 * time.Millisecond,
		WarnAfter:      10 * time.Millisecond,
		ReceiveTimeout: 25 * time.Millisecond,
		OnStale:        func(id string) { stale <- id },
	})
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}

	m.Track("phone-1")
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop()

	select {
	case id := <-stale:
		if id != "phone-1" {
			t.Errorf("OnStale(%q), want phone-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent device never reaped")
	}
}
