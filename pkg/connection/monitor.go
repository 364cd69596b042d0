package connection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Defaults for MonitorConfig.
const (
	// DefaultSendInterval is how often the monitor triggers a heartbeat
	// send.
	DefaultSendInterval = 15 * time.Second
	// DefaultWarnAfter is the activity gap that produces a warning.
	DefaultWarnAfter = 30 * time.Second
	// DefaultReceiveTimeout is the activity gap after which a connection
	// is reported stale.
	DefaultReceiveTimeout = 60 * time.Second
)

// MonitorConfig configures a heartbeat Monitor.
type MonitorConfig struct {
	// SendInterval is the heartbeat cadence. Zero selects the default.
	SendInterval time.Duration

	// WarnAfter is the activity gap that logs a warning. Zero selects
	// the default.
	WarnAfter time.Duration

	// ReceiveTimeout is the activity gap after which OnStale fires and
	// the device is untracked. Zero selects the default.
	ReceiveTimeout time.Duration

	// Send is invoked on every tick, typically to broadcast a heartbeat
	// message. Optional.
	Send func()

	// OnStale is invoked, once per lapse, for a device whose activity
	// gap exceeded ReceiveTimeout. Optional.
	OnStale func(deviceID string)

	// LoggerFactory creates the monitor's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *MonitorConfig) applyDefaults() {
	if c.SendInterval == 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.WarnAfter == 0 {
		c.WarnAfter = DefaultWarnAfter
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate checks the config for consistency after defaults are applied.
func (c *MonitorConfig) Validate() error {
	if c.SendInterval <= 0 || c.WarnAfter <= 0 || c.ReceiveTimeout <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrMonitorState)
	}
	if c.ReceiveTimeout <= c.WarnAfter {
		return fmt.Errorf("%w: receive timeout must exceed warn threshold", ErrMonitorState)
	}
	return nil
}

// tracked is per-device liveness state. warned keeps the warn log to one
// line per activity lapse.
type tracked struct {
	lastActivity time.Time
	warned       bool
}

// Monitor drives the heartbeat loop: it triggers a periodic send and watches
// per-device inbound activity, warning on a lapse and reaping connections
// whose silence exceeds the receive timeout. It does not touch transports
// itself; the OnStale callback decides what reaping means.
//
// All methods are safe for concurrent use.
type Monitor struct {
	sendInterval   time.Duration
	warnAfter      time.Duration
	receiveTimeout time.Duration
	send           func()
	onStale        func(deviceID string)
	log            logging.LeveledLogger

	mu      sync.Mutex
	devices map[string]*tracked
	started bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor. Start must be called to run the
// loop.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	m := &Monitor{
		sendInterval:   config.SendInterval,
		warnAfter:      config.WarnAfter,
		receiveTimeout: config.ReceiveTimeout,
		send:           config.Send,
		onStale:        config.OnStale,
		log:            loggerFactory.NewLogger("heartbeat"),
		devices:        make(map[string]*tracked),
	}
	// Transports tend to give up around the 30s mark, so a cadence that
	// slow can lose the race against the transport's own teardown.
	if m.sendInterval >= 30*time.Second {
		m.log.Warnf("send interval %s is at or above typical transport timeouts", m.sendInterval)
	}
	return m, nil
}

// Start launches the heartbeat loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrMonitorState)
	}
	m.started = true
	m.closeCh = make(chan struct{})
	closeCh := m.closeCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(closeCh)
	return nil
}

// Stop halts the loop. Tracked devices are kept, so a Start after Stop
// resumes monitoring them.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: not started", ErrMonitorState)
	}
	m.started = false
	closeCh := m.closeCh
	m.mu.Unlock()

	close(closeCh)
	m.wg.Wait()
	return nil
}

// Track begins liveness tracking for a device, with activity counted from
// now.
func (m *Monitor) Track(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = &tracked{lastActivity: time.Now()}
}

// Untrack stops liveness tracking for a device.
func (m *Monitor) Untrack(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
}

// MarkActivity records inbound activity for a device. Every authenticated
// inbound message counts, not just heartbeats.
func (m *Monitor) MarkActivity(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.devices[deviceID]; ok {
		t.lastActivity = time.Now()
		t.warned = false
	}
}

// StaleConnections returns the tracked devices, sorted, whose activity gap
// exceeds the receive timeout. The query leaves tracking state alone; the
// periodic check still owns untracking and OnStale.
func (m *Monitor) StaleConnections() []string {
	return m.staleAt(time.Now())
}

func (m *Monitor) staleAt(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, t := range m.devices {
		if now.Sub(t.lastActivity) >= m.receiveTimeout {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// LastActivity returns when a tracked device was last active.
func (m *Monitor) LastActivity(deviceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.devices[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return t.lastActivity, true
}

func (m *Monitor) loop(closeCh chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closeCh:
			return
		case now := <-ticker.C:
			if m.send != nil {
				m.send()
			}
			m.check(now)
		}
	}
}

// check warns on lapsed devices and reaps the ones past the receive
// timeout. Callbacks run without the lock held.
func (m *Monitor) check(now time.Time) {
	m.mu.Lock()
	var warn, stale []string
	for id, t := range m.devices {
		gap := now.Sub(t.lastActivity)
		switch {
		case gap >= m.receiveTimeout:
			delete(m.devices, id)
			stale = append(stale, id)
		case gap >= m.warnAfter && !t.warned:
			t.warned = true
			warn = append(warn, id)
		}
	}
	m.mu.Unlock()

	for _, id := range warn {
		m.log.Warnf("no activity from %q for over %s", id, m.warnAfter)
	}
	for _, id := range stale {
		m.log.Infof("device %q idle past %s, dropping", id, m.receiveTimeout)
		if m.onStale != nil {
			m.onStale(id)
		}
	}
}
