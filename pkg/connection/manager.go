// Package connection tracks authenticated device connections: one transport
// and one message codec per device, replace-on-reconnect semantics, fan-out
// delivery, and heartbeat-based liveness monitoring.
package connection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/message"
	"github.com/ras-project/ras/pkg/transport"
)

// DefaultSendTimeout bounds one broadcast delivery. A transport that stops
// draining is counted as failed once the budget elapses.
const DefaultSendTimeout = 5 * time.Second

// entry is one authenticated connection. The codec is scoped to the entry so
// sequence numbering and replay windows never leak across reconnects.
type entry struct {
	deviceID string
	conn     *transport.Conn
	codec    *message.Codec
}

func (e *entry) send(msg *message.Message) error {
	data, err := e.codec.Encode(msg)
	if err != nil {
		return err
	}
	return e.conn.Send(data)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// OnConnectionLost is called, without any manager lock held, when an
	// active connection closes on its own. Replaced and deliberately
	// closed connections do not trigger it. Optional.
	OnConnectionLost func(deviceID string)

	// SendTimeout bounds each per-device delivery during Broadcast. Zero
	// selects the default.
	SendTimeout time.Duration

	// LoggerFactory creates the manager's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Manager is the set of live authenticated connections, keyed by device ID.
// It takes ownership of every transport added to it: replacement, deliberate
// closes and shutdown all go through the manager.
//
// All methods are safe for concurrent use.
type Manager struct {
	onLost      func(deviceID string)
	sendTimeout time.Duration
	log         logging.LeveledLogger

	mu    sync.Mutex
	conns map[string]*entry
}

// NewManager creates an empty connection manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	sendTimeout := config.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Manager{
		onLost:      config.OnConnectionLost,
		sendTimeout: sendTimeout,
		log:         loggerFactory.NewLogger("connection"),
		conns:       make(map[string]*entry),
	}, nil
}

// Add registers an authenticated connection for a device and installs the
// close handler that reports connection loss. If the device already has a
// connection, the old transport is closed without firing OnConnectionLost;
// the new connection simply takes its place. Reports whether a replacement
// happened.
//
// The conn's ownership should already be OwnerConnectionManager.
func (m *Manager) Add(deviceID string, conn *transport.Conn, codec *message.Codec) bool {
	e := &entry{deviceID: deviceID, conn: conn, codec: codec}

	m.mu.Lock()
	old := m.conns[deviceID]
	m.conns[deviceID] = e
	m.mu.Unlock()

	conn.OnClose(func() { m.handleClose(deviceID, e) })

	if old != nil {
		_ = old.conn.Close()
		m.log.Infof("replaced connection for %q", deviceID)
		return true
	}
	m.log.Infof("added connection for %q", deviceID)
	return false
}

// handleClose runs when a transport closes underneath us. Only the entry
// still registered for its device reports a loss; a close racing a
// replacement or a deliberate removal is silent.
func (m *Manager) handleClose(deviceID string, e *entry) {
	m.mu.Lock()
	current, ok := m.conns[deviceID]
	if !ok || current != e {
		m.mu.Unlock()
		return
	}
	delete(m.conns, deviceID)
	m.mu.Unlock()

	m.log.Infof("connection to %q lost", deviceID)
	if m.onLost != nil {
		m.onLost(deviceID)
	}
}

// Send encodes and delivers one message to a device. The message's Seq and
// Timestamp are assigned by the device's codec when zero.
func (m *Manager) Send(deviceID string, msg *message.Message) error {
	m.mu.Lock()
	e, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotConnected, deviceID)
	}
	return e.send(msg)
}

// Broadcast delivers a message to every connected device concurrently, each
// delivery bounded by the send timeout, so a slow, stuck or failing
// connection cannot hold up the rest. Each connection gets its own copy with
// the sequence number assigned by that connection's codec. Returns the
// number of successful deliveries; failures and timeouts are logged.
func (m *Manager) Broadcast(msg *message.Message) int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.conns))
	for _, e := range m.conns {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	var deliveredMu sync.Mutex
	delivered := 0
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			clone := &message.Message{
				Type:      msg.Type,
				Timestamp: msg.Timestamp,
				Payload:   msg.Payload,
			}
			// The send runs on its own goroutine so a transport that
			// stops draining only strands that goroutine, not the
			// whole broadcast.
			done := make(chan error, 1)
			go func() { done <- e.send(clone) }()

			timer := time.NewTimer(m.sendTimeout)
			defer timer.Stop()
			select {
			case err := <-done:
				if err != nil {
					m.log.Warnf("broadcast to %q failed: %v", e.deviceID, err)
					return
				}
			case <-timer.C:
				m.log.Warnf("broadcast to %q timed out after %s", e.deviceID, m.sendTimeout)
				return
			}
			deliveredMu.Lock()
			delivered++
			deliveredMu.Unlock()
		}(e)
	}
	wg.Wait()
	return delivered
}

// IsConnected reports whether a device has an active connection.
func (m *Manager) IsConnected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[deviceID]
	return ok
}

// Devices returns the connected device IDs, sorted.
func (m *Manager) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of active connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseDevice deliberately closes a device's connection, if any, without
// firing OnConnectionLost. Used for unpairing and heartbeat expiry. Reports
// whether a connection was closed.
func (m *Manager) CloseDevice(deviceID string) bool {
	m.mu.Lock()
	e, ok := m.conns[deviceID]
	if ok {
		delete(m.conns, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	_ = e.conn.Close()
	m.log.Infof("closed connection to %q", deviceID)
	return true
}

// CloseAll closes every connection concurrently without firing
// OnConnectionLost. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.conns))
	for _, e := range m.conns {
		entries = append(entries, e)
	}
	m.conns = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			_ = e.conn.Close()
		}(e)
	}
	wg.Wait()
	if len(entries) > 0 {
		m.log.Infof("closed %d connections", len(entries))
	}
}
