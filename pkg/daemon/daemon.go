package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/ras-project/ras/pkg/auth"
	"github.com/ras-project/ras/pkg/connection"
	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/device"
	"github.com/ras-project/ras/pkg/discovery"
	"github.com/ras-project/ras/pkg/message"
	"github.com/ras-project/ras/pkg/pairing"
	"github.com/ras-project/ras/pkg/rendezvous"
	"github.com/ras-project/ras/pkg/signaling"
	"github.com/ras-project/ras/pkg/transport"
)

// acceptQueueDepth bounds buffered handshake envelopes per inbound
// connection on the listening transports.
const acceptQueueDepth = 16

// shutdownTimeout bounds the HTTP server drain during Stop.
const shutdownTimeout = 5 * time.Second

// announceTimeout bounds one address announcement publish.
const announceTimeout = 5 * time.Second

// announceConcurrency bounds parallel publishes in one announcement sweep.
const announceConcurrency = 4

// Daemon is a running remote access daemon. It owns the pairing and
// signaling surface, the paired-device registry, the rendezvous reconnect
// listeners and every active device connection, and routes decoded messages
// to handlers registered by the host application.
type Daemon struct {
	config Config
	state  State
	log    logging.LeveledLogger

	// Core components
	devices     *device.Registry
	sessions    *pairing.Registry
	connections *connection.Manager
	monitor     *connection.Monitor
	endpoint    *signaling.Endpoint
	server      *signaling.Server
	reconnects  *rendezvous.Manager
	publisher   *rendezvous.Publisher
	acceptor    *auth.Acceptor
	wsAcceptor  *transport.WebSocketAcceptor
	dispatcher  *dispatcher

	// Live while running
	httpServer  *http.Server
	listener    net.Listener
	udpListener *transport.UDPListener
	advertiser  *discovery.Advertiser

	heartbeatSeq atomic.Uint64
	unsubscribe  func()

	// Synchronization
	mu sync.RWMutex

	// Context for background operations
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a daemon with the given configuration. The daemon is created
// but not started; call Start() to begin serving.
func New(config Config) (*Daemon, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	d := &Daemon{
		config: config,
		state:  StateUninitialized,
		log:    config.LoggerFactory.NewLogger("daemon"),
	}
	d.dispatcher = newDispatcher(0, d.log)

	store := config.Store
	if store == nil {
		var err error
		store, err = device.NewFileStore(device.FileStoreConfig{
			Path:          config.devicesFile(),
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
	}

	devices, err := device.NewRegistry(device.RegistryConfig{
		Store:         store,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	d.devices = devices

	factory := config.TransportFactory
	if factory == nil {
		iceServers := config.ICEServers
		if len(iceServers) == 0 {
			iceServers = []string{transport.DefaultSTUNServer}
		}
		factory, err = transport.NewWebRTCFactory(transport.WebRTCFactoryConfig{
			ICEServers:    iceServers,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
	}

	client := config.RendezvousClient
	if client == nil {
		client = rendezvous.NewHTTPClient(rendezvous.HTTPClientConfig{
			BaseURL:       config.NtfyBaseURL,
			LoggerFactory: config.LoggerFactory,
		})
	}

	d.publisher, err = rendezvous.NewPublisher(rendezvous.PublisherConfig{
		Client:        client,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	d.acceptor, err = auth.NewAcceptor(auth.AcceptorConfig{
		Resolve: d.resolveAuthenticator,
	})
	if err != nil {
		return nil, err
	}

	d.connections, err = connection.NewManager(connection.ManagerConfig{
		OnConnectionLost: d.handleConnectionLost,
		LoggerFactory:    config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	monitorConfig := connection.MonitorConfig{
		SendInterval:   config.HeartbeatInterval,
		ReceiveTimeout: config.ReceiveTimeout,
		Send:           d.sendHeartbeats,
		OnStale:        d.handleStale,
		LoggerFactory:  config.LoggerFactory,
	}
	// The monitor requires its warn threshold below the receive timeout, so
	// a custom timeout drags the threshold along.
	if config.ReceiveTimeout != 0 {
		monitorConfig.WarnAfter = config.ReceiveTimeout / 2
	}
	d.monitor, err = connection.NewMonitor(monitorConfig)
	if err != nil {
		return nil, err
	}

	d.wsAcceptor, err = transport.NewWebSocketAcceptor(transport.WebSocketAcceptorConfig{
		OnPeer:        d.handleWebSocketPeer,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	d.reconnects, err = rendezvous.NewManager(rendezvous.ManagerConfig{
		Client:              client,
		Factory:             factory,
		Authenticators:      d.resolveAuthenticator,
		OnDeviceReconnected: d.handleConnected,
		Capabilities:        d.capabilities,
		LoggerFactory:       config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	// The registry's expiry sweeper runs from here on; failure paths below
	// must release it.
	d.sessions, err = pairing.NewRegistry(pairing.RegistryConfig{
		Policy:        config.Pairing,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	d.endpoint, err = signaling.NewEndpoint(signaling.EndpointConfig{
		Sessions:          d.sessions,
		Factory:           factory,
		OnDeviceConnected: d.handleConnected,
		Devices:           devices,
		Authenticators:    d.resolveAuthenticator,
		LoggerFactory:     config.LoggerFactory,
	})
	if err != nil {
		_ = d.sessions.Close()
		return nil, err
	}
	d.server, err = signaling.NewServer(signaling.ServerConfig{
		Endpoint:      d.endpoint,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		_ = d.sessions.Close()
		return nil, err
	}

	// Seed the reconnect manager with every persisted device; subscribers
	// launch once the daemon starts.
	for _, dev := range devices.All() {
		if err := d.reconnects.AddDevice(dev); err != nil {
			d.log.Warnf("device %q: not tracked for reconnect: %v", dev.ID, err)
		}
	}
	d.unsubscribe = devices.Subscribe(d.handleDeviceEvent)

	d.state = StateInitialized
	return d, nil
}

// Start brings up the HTTP surface (pairing, signaling, WebSocket accept),
// the optional UDP listener, the heartbeat monitor, the rendezvous
// subscribers and mDNS advertisement. The OnStateChanged callback runs
// after the daemon's lock is released, so it may call back into the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}
	d.notifyState(StateRunning)
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.CanStart() {
		if d.state.IsRunning() || d.state == StateStarting {
			return ErrAlreadyStarted
		}
		return ErrNotInitialized
	}

	d.state = StateStarting
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.startHTTP(); err != nil {
		d.cancel()
		d.state = StateInitialized
		return err
	}

	if err := d.startUDP(); err != nil {
		d.stopHTTP()
		d.cancel()
		d.state = StateInitialized
		return err
	}

	if err := d.monitor.Start(); err != nil {
		d.stopUDP()
		d.stopHTTP()
		d.cancel()
		d.state = StateInitialized
		return err
	}

	if err := d.reconnects.Start(); err != nil {
		if stopErr := d.monitor.Stop(); stopErr != nil {
			d.log.Warnf("stopping heartbeat monitor: %v", stopErr)
		}
		d.stopUDP()
		d.stopHTTP()
		d.cancel()
		d.state = StateInitialized
		return err
	}

	d.startDiscovery()
	go d.announceAddresses(d.ctx, d.announceAddrLocked())

	d.state = StateRunning
	d.log.Infof("daemon started, listening on %s", d.listener.Addr())
	return nil
}

// startHTTP binds the listen address and serves the signaling surface plus
// the WebSocket accept path on one mux.
func (d *Daemon) startHTTP() error {
	ln, err := net.Listen("tcp", d.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", d.config.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", d.wsAcceptor)
	mux.Handle("/", d.server)

	d.listener = ln
	d.httpServer = &http.Server{Handler: mux}
	server := d.httpServer
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Errorf("http server: %v", err)
		}
	}()
	return nil
}

func (d *Daemon) stopHTTP() {
	if d.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		_ = d.httpServer.Close()
	}
	d.httpServer = nil
	d.listener = nil
}

// startUDP opens the shared UDP socket when a listen address is configured.
func (d *Daemon) startUDP() error {
	if d.config.UDPListenAddr == "" {
		return nil
	}
	ul, err := transport.NewUDPListener(transport.UDPListenerConfig{
		ListenAddr:    d.config.UDPListenAddr,
		OnPeer:        d.handleUDPFlow,
		LoggerFactory: d.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	d.udpListener = ul
	return nil
}

func (d *Daemon) stopUDP() {
	if d.udpListener == nil {
		return
	}
	_ = d.udpListener.Close()
	d.udpListener = nil
}

// startDiscovery advertises the daemon over mDNS. Advertisement is best
// effort: a daemon on a network that blocks multicast still pairs by QR.
func (d *Daemon) startDiscovery() {
	if d.config.DisableDiscovery {
		return
	}

	port := discovery.DefaultPort
	if addr, ok := d.listener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
		Port:          port,
		ServerFactory: d.config.MDNSServerFactory,
		LoggerFactory: d.config.LoggerFactory,
	})
	if err != nil {
		d.log.Warnf("mDNS advertiser unavailable: %v", err)
		return
	}

	transports := []string{discovery.TransportWebRTC, discovery.TransportWebSocket}
	if d.udpListener != nil {
		transports = append(transports, discovery.TransportUDP)
	}
	if err := adv.Start(discovery.TXT{Name: d.config.Name, Transports: transports}); err != nil {
		d.log.Warnf("mDNS advertisement failed: %v", err)
		_ = adv.Close()
		return
	}
	d.advertiser = adv
}

// announceAddrLocked picks the address published on reconnect topics.
// Callers must hold the mutex with the listener bound.
func (d *Daemon) announceAddrLocked() string {
	if d.config.AnnounceAddress != "" {
		return d.config.AnnounceAddress
	}
	ip, err := discovery.PreferredAddress()
	if err != nil {
		return ""
	}
	port := discovery.DefaultPort
	if addr, ok := d.listener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// announceAddresses publishes the daemon's address to every paired device's
// rendezvous topic, so devices learn the new address after a move without a
// signaling round trip.
func (d *Daemon) announceAddresses(ctx context.Context, addr string) {
	if addr == "" {
		d.log.Debugf("no announce address available")
		return
	}
	var g errgroup.Group
	g.SetLimit(announceConcurrency)
	for _, dev := range d.devices.All() {
		g.Go(func() error {
			topic, err := crypto.RendezvousTopic(dev.MasterSecret)
			if err != nil {
				return nil
			}
			bundle, err := crypto.DeriveBundle(dev.MasterSecret)
			if err != nil {
				return nil
			}
			pubCtx, cancel := context.WithTimeout(ctx, announceTimeout)
			defer cancel()
			if err := d.publisher.AnnounceIP(pubCtx, bundle.SignalingKey, topic, addr); err != nil {
				d.log.Debugf("device %q: address announcement failed: %v", dev.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop gracefully shuts down the daemon. A daemon that was created but
// never started can be stopped too: that releases the pairing registry.
func (d *Daemon) Stop() error {
	if err := d.stop(); err != nil {
		return err
	}
	d.notifyState(StateStopped)
	return nil
}

func (d *Daemon) stop() error {
	d.mu.Lock()
	if !d.state.CanStop() {
		state := d.state
		d.mu.Unlock()
		if state == StateStopped {
			return ErrAlreadyStopped
		}
		return ErrNotStarted
	}

	running := d.state == StateRunning
	d.state = StateStopping
	if d.cancel != nil {
		d.cancel()
	}

	// Detach the running pieces under the lock, tear them down without it:
	// the monitor and the rendezvous manager wait for goroutines that may
	// be calling back into the daemon.
	advertiser := d.advertiser
	d.advertiser = nil
	httpServer := d.httpServer
	d.httpServer = nil
	d.listener = nil
	udpListener := d.udpListener
	d.udpListener = nil
	d.mu.Unlock()

	// The outward-facing listeners close concurrently. Each close can block,
	// the HTTP drain for up to shutdownTimeout.
	var g errgroup.Group
	if advertiser != nil {
		g.Go(advertiser.Close)
	}
	if httpServer != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				return httpServer.Close()
			}
			return nil
		})
	}
	if udpListener != nil {
		g.Go(udpListener.Close)
	}
	if err := g.Wait(); err != nil {
		d.log.Warnf("closing listeners: %v", err)
	}
	if running {
		if err := d.reconnects.Stop(); err != nil {
			d.log.Warnf("stopping rendezvous manager: %v", err)
		}
		if err := d.monitor.Stop(); err != nil {
			d.log.Warnf("stopping heartbeat monitor: %v", err)
		}
	}
	d.connections.CloseAll()
	if err := d.sessions.Close(); err != nil {
		d.log.Warnf("closing pairing registry: %v", err)
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()

	d.log.Info("daemon stopped")
	return nil
}

func (d *Daemon) notifyState(state State) {
	if d.config.OnStateChanged != nil {
		d.config.OnStateChanged(state)
	}
}

// State returns the current daemon state.
func (d *Daemon) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// BoundAddr returns the HTTP listener's address, or nil while not running.
// Useful when ListenAddr selects an ephemeral port.
func (d *Daemon) BoundAddr() net.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// UDPAddr returns the UDP listener's address, or nil when the daemon has no
// UDP listener. Useful when UDPListenAddr selects an ephemeral port.
func (d *Daemon) UDPAddr() net.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.udpListener == nil {
		return nil
	}
	return d.udpListener.LocalAddr()
}

// RegisterHandler installs a handler for a message type. Messages of that
// type from any connected device are delivered to it in per-connection
// arrival order.
func (d *Daemon) RegisterHandler(msgType string, handler Handler) error {
	return d.dispatcher.register(msgType, handler)
}

// UnregisterHandler removes a handler, reporting whether one was installed.
func (d *Daemon) UnregisterHandler(msgType string) bool {
	return d.dispatcher.unregister(msgType)
}

// Send encrypts and delivers one message to a connected device.
func (d *Daemon) Send(deviceID string, msg *message.Message) error {
	return d.connections.Send(deviceID, msg)
}

// Broadcast sends one message to every connected device, returning the
// number of successful sends.
func (d *Daemon) Broadcast(msg *message.Message) int {
	return d.connections.Broadcast(msg)
}

// Unpair removes a paired device. Its rendezvous subscriber is canceled and
// any live connection is closed.
func (d *Daemon) Unpair(deviceID string) (bool, error) {
	return d.devices.Remove(deviceID)
}

// Devices returns the paired-device registry.
// Exposed for testing and advanced use cases.
func (d *Daemon) Devices() *device.Registry {
	return d.devices
}

// Connections returns the connection manager.
// Exposed for testing and advanced use cases.
func (d *Daemon) Connections() *connection.Manager {
	return d.connections
}

// Sessions returns the pairing session registry.
// Exposed for testing and advanced use cases.
func (d *Daemon) Sessions() *pairing.Registry {
	return d.sessions
}

// Endpoint returns the signaling endpoint.
// Exposed for testing and advanced use cases.
func (d *Daemon) Endpoint() *signaling.Endpoint {
	return d.endpoint
}

// LoggerFactory returns the daemon's logger factory.
func (d *Daemon) LoggerFactory() logging.LoggerFactory {
	return d.config.LoggerFactory
}

// handleConnected receives every authenticated connection: fresh pairings
// and reconnects from the signaling endpoint, rendezvous reconnects, and
// the listening transports. It persists the device, wires the connection
// into the manager and starts heartbeat tracking.
func (d *Daemon) handleConnected(ev signaling.ConnectedEvent) {
	if state := d.State(); !state.IsRunning() && state != StateStarting {
		// Handshakes racing a shutdown must not outlive CloseAll.
		_ = ev.Conn.Close()
		return
	}

	if ev.Reconnect {
		if err := d.devices.Touch(ev.DeviceID); err != nil {
			d.log.Debugf("device %q: updating last seen: %v", ev.DeviceID, err)
		}
	} else {
		dev := &device.Device{
			ID:           ev.DeviceID,
			Name:         ev.DeviceName,
			MasterSecret: ev.MasterSecret,
		}
		if err := d.devices.Add(dev); err != nil {
			if !d.devices.IsPaired(ev.DeviceID) {
				d.log.Errorf("device %q: registering pairing: %v", ev.DeviceID, err)
				_ = ev.Conn.Close()
				return
			}
			// The registry kept the record in memory; the session stays
			// up and the next registry mutation retries the save.
			d.log.Warnf("device %q: persisting pairing: %v", ev.DeviceID, err)
		}
	}

	codec, err := message.NewCodec(message.CodecConfig{Key: ev.Keys.EncryptKey})
	if err != nil {
		d.log.Errorf("device %q: building codec: %v", ev.DeviceID, err)
		_ = ev.Conn.Close()
		return
	}

	deviceID := ev.DeviceID
	ev.Conn.OnMessage(func(data []byte) {
		d.handleInbound(deviceID, codec, data)
	})
	if replaced := d.connections.Add(deviceID, ev.Conn, codec); replaced {
		d.log.Debugf("device %q: replaced existing connection", deviceID)
	}
	d.monitor.Track(deviceID)

	d.log.Infof("device %q connected (reconnect=%t)", deviceID, ev.Reconnect)
	if d.config.OnDeviceConnected != nil {
		d.config.OnDeviceConnected(ev.DeviceID, ev.DeviceName, ev.Reconnect)
	}
}

// handleInbound decodes one envelope from a connection and routes it. A bad
// envelope is dropped; the connection stays up.
func (d *Daemon) handleInbound(deviceID string, codec *message.Codec, data []byte) {
	msg, err := codec.Decode(data)
	if err != nil {
		d.log.Warnf("device %q: dropping inbound message: %v", deviceID, err)
		return
	}
	d.monitor.MarkActivity(deviceID)

	if msg.Type == message.TypeHeartbeat {
		d.log.Tracef("device %q: heartbeat", deviceID)
		return
	}
	d.dispatcher.dispatch(deviceID, msg)
}

// handleConnectionLost reacts to a connection closing on its own.
func (d *Daemon) handleConnectionLost(deviceID string) {
	d.monitor.Untrack(deviceID)
	d.log.Infof("device %q disconnected", deviceID)
	if d.config.OnDeviceDisconnected != nil {
		d.config.OnDeviceDisconnected(deviceID)
	}
}

// handleStale closes a connection that went silent past the receive
// timeout. The monitor has already untracked the device.
func (d *Daemon) handleStale(deviceID string) {
	if !d.connections.CloseDevice(deviceID) {
		return
	}
	d.log.Infof("device %q: connection stale, closed", deviceID)
	if d.config.OnDeviceDisconnected != nil {
		d.config.OnDeviceDisconnected(deviceID)
	}
}

// handleDeviceEvent keeps the rendezvous subscribers and live connections
// aligned with the paired-device registry.
func (d *Daemon) handleDeviceEvent(ev device.Event) {
	switch ev.Kind {
	case device.EventAdded:
		if err := d.reconnects.AddDevice(ev.Device); err != nil {
			d.log.Errorf("device %q: tracking for reconnect: %v", ev.Device.ID, err)
		}
	case device.EventRemoved:
		d.reconnects.RemoveDevice(ev.Device.ID)
		if d.connections.CloseDevice(ev.Device.ID) {
			d.monitor.Untrack(ev.Device.ID)
			d.log.Infof("device %q: connection closed on unpair", ev.Device.ID)
		}
	}
}

// sendHeartbeats broadcasts one heartbeat to every connected device.
func (d *Daemon) sendHeartbeats() {
	seq := d.heartbeatSeq.Add(1)
	msg, err := message.NewHeartbeat(seq)
	if err != nil {
		d.log.Errorf("building heartbeat: %v", err)
		return
	}
	if n := d.connections.Broadcast(msg); n > 0 {
		d.log.Tracef("heartbeat %d sent to %d connections", seq, n)
	}
}

// resolveAuthenticator builds an authenticator from a paired device's
// stored secret.
func (d *Daemon) resolveAuthenticator(deviceID string) (*auth.Authenticator, bool) {
	dev, ok := d.devices.Get(deviceID)
	if !ok {
		return nil, false
	}
	authKey, err := crypto.DeriveAuthKey(dev.MasterSecret)
	if err != nil {
		return nil, false
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{AuthKey: authKey})
	if err != nil {
		return nil, false
	}
	return authenticator, true
}

// capabilities advertises the daemon's direct transports in rendezvous
// answers.
func (d *Daemon) capabilities() map[string]string {
	d.mu.RLock()
	ul := d.udpListener
	d.mu.RUnlock()
	if ul == nil {
		return nil
	}
	return map[string]string{"udp_addr": ul.LocalAddr().String()}
}

func (d *Daemon) handleWebSocketPeer(peer *transport.WebSocketPeer) {
	go d.acceptPeer(transport.NewConn(peer), false)
}

func (d *Daemon) handleUDPFlow(flow *transport.UDPFlow) {
	go d.acceptPeer(transport.NewConn(flow), true)
}

// acceptPeer authenticates one inbound connection from a listening
// transport. The device is unknown until its handshake response arrives, so
// the challenge goes out blind. discardProbe consumes the flow-opening
// datagram on UDP, which is a bare probe rather than a handshake envelope.
func (d *Daemon) acceptPeer(conn *transport.Conn, discardProbe bool) {
	recv := connRecv(conn)
	if discardProbe {
		probeCtx, cancel := context.WithTimeout(d.ctx, time.Second)
		_, _ = recv(probeCtx)
		cancel()
	}

	result, err := d.acceptor.Run(d.ctx, conn.Send, recv)
	if err != nil {
		d.log.Infof("inbound connection rejected: %v", err)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	dev, ok := d.devices.Get(result.DeviceID)
	if !ok {
		d.log.Warnf("device %q: unpaired during handshake", result.DeviceID)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	keys, err := crypto.DeriveBundle(dev.MasterSecret)
	if err != nil {
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	deviceName := result.DeviceName
	if deviceName == "" {
		deviceName = dev.Name
	}

	conn.TransferOwnership(transport.OwnerConnectionManager)
	d.handleConnected(signaling.ConnectedEvent{
		DeviceID:     result.DeviceID,
		DeviceName:   deviceName,
		Conn:         conn,
		Keys:         keys,
		MasterSecret: dev.MasterSecret,
		Reconnect:    true,
	})
}

// connRecv installs a buffering message handler on the conn and returns the
// matching handshake receive function.
func connRecv(conn *transport.Conn) auth.RecvFunc {
	queue := make(chan []byte, acceptQueueDepth)
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
