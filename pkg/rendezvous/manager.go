package rendezvous

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/auth"
	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/device"
	"github.com/ras-project/ras/pkg/signaling"
	"github.com/ras-project/ras/pkg/transport"
)

// Defaults for ManagerConfig.
const (
	// DefaultOfferMaxAge is the recency bound on reconnect offers.
	DefaultOfferMaxAge = 300 * time.Second
	// DefaultConnectTimeout bounds the transport open after an offer is
	// answered.
	DefaultConnectTimeout = 30 * time.Second

	// reconnectQueueDepth bounds buffered handshake envelopes per
	// reconnecting connection.
	reconnectQueueDepth = 16
)

// CapabilitiesProvider supplies the capability object advertised in
// rendezvous answers, for example a direct UDP listener address. A nil
// provider, or a nil return, omits the object.
type CapabilitiesProvider func() map[string]string

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Client is the rendezvous pub/sub transport. Required.
	Client Client

	// Factory builds transport peers for accepted offers. Required.
	Factory transport.Factory

	// Authenticators resolves a device's authenticator for the reconnect
	// handshake. Required.
	Authenticators auth.AuthenticatorResolver

	// OnDeviceReconnected receives every authenticated reconnection. By
	// the time the callback runs, ownership of the connection has been
	// transferred to the connection manager. Required.
	OnDeviceReconnected func(signaling.ConnectedEvent)

	// Capabilities contributes the optional capability object to answers.
	Capabilities CapabilitiesProvider

	// OfferMaxAge bounds |now - offer timestamp|. Zero selects the
	// default.
	OfferMaxAge time.Duration

	// ConnectTimeout bounds the transport open. Zero selects the default.
	ConnectTimeout time.Duration

	// BackoffFloor and BackoffCeiling bound the resubscribe backoff.
	// Zero selects the defaults.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	// BackoffRandom overrides the jitter source for testing.
	BackoffRandom RandomSource

	// LoggerFactory creates the manager's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Manager runs one rendezvous subscriber per paired device. Each subscriber
// listens on the device's derived topic, drops everything that is not a
// fresh, unreplayed offer for its device, and turns accepted offers into
// authenticated connections: answer published to the same topic, transport
// opened, handshake run, ownership transferred.
//
// A malformed or undecryptable payload never kills a subscriber; a broken
// stream is resubscribed with backoff.
type Manager struct {
	client         Client
	factory        transport.Factory
	resolveAuth    auth.AuthenticatorResolver
	onReconnected  func(signaling.ConnectedEvent)
	capabilities   CapabilitiesProvider
	offerMaxAge    time.Duration
	connectTimeout time.Duration
	backoff        *BackoffCalculator
	publisher      *Publisher
	log            logging.LeveledLogger

	mu           sync.Mutex
	running      bool
	devices      map[string]*device.Device
	subs         map[string]*subscriber
	reconnecting map[string]struct{}
}

// subscriber is one device's rendezvous listener.
type subscriber struct {
	dev          *device.Device
	topic        string
	signalingKey []byte
	nonces       *nonceCache
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewManager creates a reconnect manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Client == nil {
		return nil, errors.New("rendezvous: client required")
	}
	if config.Factory == nil {
		return nil, errors.New("rendezvous: transport factory required")
	}
	if config.Authenticators == nil {
		return nil, errors.New("rendezvous: authenticator resolver required")
	}
	if config.OnDeviceReconnected == nil {
		return nil, errors.New("rendezvous: reconnected callback required")
	}
	offerMaxAge := config.OfferMaxAge
	if offerMaxAge == 0 {
		offerMaxAge = DefaultOfferMaxAge
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	publisher, err := NewPublisher(PublisherConfig{
		Client:        config.Client,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{
		client:         config.Client,
		factory:        config.Factory,
		resolveAuth:    config.Authenticators,
		onReconnected:  config.OnDeviceReconnected,
		capabilities:   config.Capabilities,
		offerMaxAge:    offerMaxAge,
		connectTimeout: connectTimeout,
		backoff:        NewBackoffCalculator(config.BackoffFloor, config.BackoffCeiling, config.BackoffRandom),
		publisher:      publisher,
		log:            loggerFactory.NewLogger("rendezvous"),
		devices:        make(map[string]*device.Device),
		subs:           make(map[string]*subscriber),
		reconnecting:   make(map[string]struct{}),
	}, nil
}

// Start launches subscribers for every known device.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrManagerState
	}
	m.running = true
	for _, dev := range m.devices {
		if err := m.startSubscriberLocked(dev); err != nil {
			m.log.Errorf("device %q: starting subscriber: %v", dev.ID, err)
		}
	}
	return nil
}

// Stop cancels all subscribers and waits for them to exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerState
	}
	m.running = false
	subs := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
	}
	return nil
}

// Running reports whether the manager has been started.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// AddDevice registers a device and, if the manager is running, starts its
// subscriber. Re-adding a device replaces its subscriber; a re-pair changes
// the master secret and with it the topic.
func (m *Manager) AddDevice(dev *device.Device) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	record := dev.Clone()

	m.mu.Lock()
	m.devices[record.ID] = record
	old := m.subs[record.ID]
	delete(m.subs, record.ID)
	m.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	// A concurrent AddDevice for the same ID may have installed a
	// subscriber already; its record is at least as fresh.
	if _, exists := m.subs[record.ID]; exists {
		return nil
	}
	return m.startSubscriberLocked(record)
}

// RemoveDevice drops a device, cancels its subscriber and waits for it to
// exit. Returns whether the device was known.
func (m *Manager) RemoveDevice(deviceID string) bool {
	m.mu.Lock()
	_, known := m.devices[deviceID]
	delete(m.devices, deviceID)
	sub := m.subs[deviceID]
	delete(m.subs, deviceID)
	m.mu.Unlock()

	if sub != nil {
		sub.cancel()
		<-sub.done
	}
	return known
}

// startSubscriberLocked derives the device's topic and key and launches its
// stream goroutine. Callers must hold the mutex.
func (m *Manager) startSubscriberLocked(dev *device.Device) error {
	topic, err := crypto.RendezvousTopic(dev.MasterSecret)
	if err != nil {
		return err
	}
	bundle, err := crypto.DeriveBundle(dev.MasterSecret)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		dev:          dev,
		topic:        topic,
		signalingKey: bundle.SignalingKey,
		nonces:       newNonceCache(nonceCacheSize),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	m.subs[dev.ID] = sub
	go m.runSubscriber(ctx, sub)
	return nil
}

// runSubscriber keeps one device's stream alive until canceled.
func (m *Manager) runSubscriber(ctx context.Context, sub *subscriber) {
	defer close(sub.done)
	m.log.Debugf("device %q: listening on rendezvous topic %s", sub.dev.ID, sub.topic)

	attempt := 0
	for {
		err := m.client.Subscribe(ctx, sub.topic, func(payload []byte) {
			attempt = 0
			m.handleMessage(sub, payload)
		})
		if ctx.Err() != nil {
			return
		}
		delay := m.backoff.Calculate(attempt)
		attempt++
		m.log.Warnf("device %q: rendezvous stream broke: %v; resubscribing in %s",
			sub.dev.ID, err, delay.Round(time.Millisecond))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage filters one topic payload down to an actionable offer.
// Runs synchronously on the subscriber's stream goroutine; accepted offers
// continue on their own goroutine so the stream keeps draining.
func (m *Manager) handleMessage(sub *subscriber, payload []byte) {
	msg, err := Open(sub.signalingKey, payload)
	if err != nil {
		// The topic is public; foreign and corrupt payloads are expected.
		m.log.Tracef("device %q: dropping undecryptable payload", sub.dev.ID)
		return
	}
	if msg.Type != KindOffer {
		// Our own answers and announcements echo back on the topic.
		return
	}
	if msg.SDP == "" || msg.DeviceID != sub.dev.ID {
		m.log.Debugf("device %q: dropping malformed offer (device_id %q)", sub.dev.ID, msg.DeviceID)
		return
	}
	age := time.Since(time.Unix(msg.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > m.offerMaxAge {
		m.log.Debugf("device %q: dropping stale offer (%s old)", sub.dev.ID, age.Round(time.Second))
		return
	}
	if len(msg.Nonce) != OfferNonceSize || !sub.nonces.remember(msg.Nonce) {
		m.log.Debugf("device %q: dropping replayed or malformed offer nonce", sub.dev.ID)
		return
	}
	if !m.beginReconnect(sub.dev.ID) {
		m.log.Debugf("device %q: reconnect already in flight, dropping offer", sub.dev.ID)
		return
	}
	go m.reconnect(sub, msg)
}

// reconnect answers one accepted offer and drives it to an authenticated
// connection. Any failure closes the transport; the in-flight slot is
// released whichever way it ends.
func (m *Manager) reconnect(sub *subscriber, msg *Message) {
	deviceID := sub.dev.ID
	defer m.endReconnect(deviceID)

	peer, err := m.factory.NewPeer()
	if err != nil {
		m.log.Errorf("device %q: building peer: %v", deviceID, err)
		return
	}
	answer, err := peer.AcceptOffer(msg.SDP)
	if err != nil {
		m.log.Warnf("device %q: accepting offer: %v", deviceID, err)
		_ = peer.Close()
		return
	}
	conn := transport.NewConn(peer)

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	var caps map[string]string
	if m.capabilities != nil {
		caps = m.capabilities()
	}
	if err := m.publisher.PublishAnswer(ctx, sub.signalingKey, sub.topic, msg.SessionID, answer, caps); err != nil {
		m.log.Warnf("device %q: publishing answer: %v", deviceID, err)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}

	if err := conn.WaitConnected(ctx); err != nil {
		m.log.Warnf("device %q: transport never opened: %v", deviceID, err)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	authenticator, ok := m.resolveAuth(deviceID)
	if !ok {
		m.log.Warnf("device %q: unpaired during reconnect", deviceID)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	result, err := authenticator.Run(context.Background(), conn.Send, connRecv(conn))
	if err != nil {
		m.log.Infof("device %q: reconnect authentication failed: %v", deviceID, err)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	if result.DeviceID != deviceID {
		m.log.Warnf("device %q: handshake proved %q instead", deviceID, result.DeviceID)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}

	keys, err := crypto.DeriveBundle(sub.dev.MasterSecret)
	if err != nil {
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	deviceName := result.DeviceName
	if deviceName == "" {
		deviceName = sub.dev.Name
	}

	conn.TransferOwnership(transport.OwnerConnectionManager)
	m.log.Infof("device %q reconnected via rendezvous", deviceID)
	m.onReconnected(signaling.ConnectedEvent{
		DeviceID:     deviceID,
		DeviceName:   deviceName,
		Conn:         conn,
		Keys:         keys,
		MasterSecret: sub.dev.MasterSecret,
		Reconnect:    true,
	})
}

// connRecv installs a buffering message handler on the conn and returns the
// matching handshake receive function.
func connRecv(conn *transport.Conn) auth.RecvFunc {
	queue := make(chan []byte, reconnectQueueDepth)
	conn.OnMessage(func(data []byte) {
		select {
		case queue <- data:
		default:
		}
	})
	return func(ctx context.Context) ([]byte, error) {
		select {
		case data := <-queue:
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) beginReconnect(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.reconnecting[deviceID]; busy {
		return false
	}
	m.reconnecting[deviceID] = struct{}{}
	return true
}

func (m *Manager) endReconnect(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reconnecting, deviceID)
}
