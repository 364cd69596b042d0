// Package signaling accepts signed SDP offers and turns them into
// authenticated device connections. It serves two flows over one endpoint:
// fresh pairings, verified against a pairing session's keys, and reconnects
// of already-paired devices, verified against the device's stored secret.
// The HTTP surface in Server is a thin layer over Endpoint.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/auth"
	"github.com/ras-project/ras/pkg/crypto"
	"github.com/ras-project/ras/pkg/device"
	"github.com/ras-project/ras/pkg/pairing"
	"github.com/ras-project/ras/pkg/transport"
)

// Defaults for EndpointConfig.
const (
	// DefaultMaxClockSkew bounds |now - timestamp| on signed requests.
	DefaultMaxClockSkew = 30 * time.Second
	// DefaultAttemptLimit caps signing attempts per session or device
	// within the attempt period.
	DefaultAttemptLimit = 10
	// DefaultAttemptPeriod is the rolling window for the attempt limit.
	DefaultAttemptPeriod = 60 * time.Second
	// DefaultConnectTimeout bounds the SDP exchange and the wait for the
	// transport to open.
	DefaultConnectTimeout = 30 * time.Second

	// authQueueDepth bounds buffered handshake envelopes per connection.
	authQueueDepth = 16
)

// ConnectedEvent announces an authenticated connection ready for handoff.
// By the time the callback runs, ownership of Conn has already been
// transferred to the connection manager.
type ConnectedEvent struct {
	// DeviceID and DeviceName are the identity proven by the handshake.
	DeviceID   string
	DeviceName string

	// Conn is the authenticated transport.
	Conn *transport.Conn

	// Keys is the device's derived key bundle; Keys.EncryptKey seeds the
	// connection's message codec.
	Keys *crypto.KeyBundle

	// MasterSecret is the device's master secret. Fresh pairings carry it
	// so the device can be registered.
	MasterSecret []byte

	// Reconnect distinguishes a re-established connection from a fresh
	// pairing.
	Reconnect bool
}

// EndpointConfig configures an Endpoint.
type EndpointConfig struct {
	// Sessions is the pairing session registry. Required.
	Sessions *pairing.Registry

	// Factory builds transport peers for incoming offers. Required.
	Factory transport.Factory

	// OnDeviceConnected receives every authenticated connection.
	// Required.
	OnDeviceConnected func(ConnectedEvent)

	// Devices is the paired device registry, consulted by the reconnect
	// path. Without it reconnect offers are refused.
	Devices *device.Registry

	// Authenticators resolves a paired device's authenticator for the
	// reconnect handshake. Without it reconnect offers are refused.
	Authenticators auth.AuthenticatorResolver

	// MaxClockSkew bounds request timestamp skew. Zero selects the
	// default.
	MaxClockSkew time.Duration

	// AttemptLimit and AttemptPeriod set the per-session signing attempt
	// budget. Zero selects the defaults.
	AttemptLimit  int
	AttemptPeriod time.Duration

	// ConnectTimeout bounds the SDP exchange and transport open. Zero
	// selects the default.
	ConnectTimeout time.Duration

	// LoggerFactory creates the endpoint's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Endpoint is the signaling core: it verifies signed offers, drives the SDP
// exchange, runs the authentication handshake on the fresh transport and
// hands authenticated connections to OnDeviceConnected. The synchronous part
// of each operation returns the answer SDP; connection opening and
// authentication continue in a background task.
type Endpoint struct {
	sessions    *pairing.Registry
	devices     *device.Registry
	factory     transport.Factory
	resolveAuth auth.AuthenticatorResolver
	onConnected func(ConnectedEvent)

	maxClockSkew   time.Duration
	connectTimeout time.Duration
	attempts       *attemptWindow
	log            logging.LeveledLogger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEndpoint creates a signaling endpoint.
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if config.Sessions == nil {
		return nil, errors.New("signaling: session registry required")
	}
	if config.Factory == nil {
		return nil, errors.New("signaling: transport factory required")
	}
	if config.OnDeviceConnected == nil {
		return nil, errors.New("signaling: connected callback required")
	}
	maxClockSkew := config.MaxClockSkew
	if maxClockSkew == 0 {
		maxClockSkew = DefaultMaxClockSkew
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	attemptLimit := config.AttemptLimit
	if attemptLimit == 0 {
		attemptLimit = DefaultAttemptLimit
	}
	attemptPeriod := config.AttemptPeriod
	if attemptPeriod == 0 {
		attemptPeriod = DefaultAttemptPeriod
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Endpoint{
		sessions:       config.Sessions,
		devices:        config.Devices,
		factory:        config.Factory,
		resolveAuth:    config.Authenticators,
		onConnected:    config.OnDeviceConnected,
		maxClockSkew:   maxClockSkew,
		connectTimeout: connectTimeout,
		attempts:       newAttemptWindow(attemptLimit, attemptPeriod),
		log:            loggerFactory.NewLogger("signaling"),
		inFlight:       make(map[string]struct{}),
	}, nil
}

// StartPairing creates a fresh pairing session for QR display.
func (e *Endpoint) StartPairing() (*pairing.Session, error) {
	return e.sessions.Create()
}

// Session looks up a pairing session for status reporting.
func (e *Endpoint) Session(sessionID string) (*pairing.Session, bool) {
	return e.sessions.Get(sessionID)
}

// CancelPairing cancels a pairing session. A session whose transport has
// already been handed off keeps its connection.
func (e *Endpoint) CancelPairing(sessionID string) error {
	if err := e.sessions.Cancel(sessionID); err != nil {
		return err
	}
	e.attempts.forget("session:" + sessionID)
	return nil
}

// AcceptOffer handles a signed pairing offer. It verifies the signature and
// timestamp against the session's auth key, claims the session, performs the
// SDP exchange and returns the answer; the transport open and the
// authentication handshake continue asynchronously, ending in either a
// ConnectedEvent or a failed session.
func (e *Endpoint) AcceptOffer(ctx context.Context, sessionID string, offer []byte, timestamp int64, signature []byte) (string, error) {
	session, ok := e.sessions.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %q", pairing.ErrNotFound, sessionID)
	}
	keys := session.Keys()
	if keys == nil {
		// Terminal session, secret material gone.
		return "", fmt.Errorf("%w: %q", pairing.ErrNotFound, sessionID)
	}
	if !e.attempts.allow("session:" + sessionID) {
		return "", ErrRateLimited
	}
	if err := e.verifySignature(keys.AuthKey, sessionID, timestamp, offer, signature); err != nil {
		return "", err
	}
	if err := session.BeginOffer(); err != nil {
		return "", err
	}

	answer, conn, err := e.connectPeer(ctx, string(offer))
	if err != nil {
		session.Fail(fmt.Errorf("sdp exchange: %w", err))
		return "", err
	}
	session.AttachConn(conn)
	if err := session.Advance(pairing.StateConnecting); err != nil {
		// Canceled or expired while we negotiated; the failure path owns
		// the attached conn now, close through the owner handle in case
		// the failure ran before the attach.
		conn.CloseByOwner(transport.OwnerSignaling)
		return "", err
	}

	go e.completePairing(session, conn)
	return answer, nil
}

// completePairing waits for the transport to open, authenticates the device
// and hands the connection off. Any failure fails the session, which closes
// the attached transport while it is still signaling-owned.
func (e *Endpoint) completePairing(session *pairing.Session, conn *transport.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), e.connectTimeout)
	defer cancel()

	if err := conn.WaitConnected(ctx); err != nil {
		e.log.Warnf("session %s: transport never opened: %v", session.ID(), err)
		session.Fail(fmt.Errorf("transport connect: %w", err))
		return
	}
	if err := session.Advance(pairing.StateAuthenticating); err != nil {
		// Session died while the channel opened; its failure closed the
		// transport.
		return
	}
	authenticator, err := session.Authenticator()
	if err != nil {
		session.Fail(err)
		return
	}

	result, err := authenticator.Run(context.Background(), conn.Send, connRecv(conn))
	if err != nil {
		e.log.Infof("session %s: authentication failed: %v", session.ID(), err)
		session.Fail(fmt.Errorf("authentication: %w", err))
		return
	}

	// Clone before Complete drops and zeroes the session's material.
	keys := session.Keys().Clone()
	secret := session.MasterSecret()
	session.SetDevice(result.DeviceID, result.DeviceName)
	if err := session.Complete(); err != nil {
		// Lost the race against cancel or expiry; the failure closed the
		// transport.
		e.log.Warnf("session %s: authenticated but session already dead: %v", session.ID(), err)
		return
	}

	conn.TransferOwnership(transport.OwnerConnectionManager)
	e.log.Infof("session %s: device %q authenticated", session.ID(), result.DeviceID)
	e.onConnected(ConnectedEvent{
		DeviceID:     result.DeviceID,
		DeviceName:   result.DeviceName,
		Conn:         conn,
		Keys:         keys,
		MasterSecret: secret,
	})
}

// AcceptReconnectOffer handles a signed offer from an already-paired device,
// verified against that device's stored secret. At most one reconnect per
// device is processed at a time.
func (e *Endpoint) AcceptReconnectOffer(ctx context.Context, deviceID string, offer []byte, timestamp int64, signature []byte) (string, error) {
	if e.devices == nil || e.resolveAuth == nil {
		return "", fmt.Errorf("%w: reconnect not configured", ErrUnknownDevice)
	}
	dev, ok := e.devices.Get(deviceID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	if !e.attempts.allow("device:" + deviceID) {
		return "", ErrRateLimited
	}
	authKey, err := crypto.DeriveAuthKey(dev.MasterSecret)
	if err != nil {
		return "", err
	}
	if err := e.verifySignature(authKey, deviceID, timestamp, offer, signature); err != nil {
		return "", err
	}
	if !e.beginReconnect(deviceID) {
		return "", fmt.Errorf("%w: %q", ErrReconnectInFlight, deviceID)
	}

	answer, conn, err := e.connectPeer(ctx, string(offer))
	if err != nil {
		e.endReconnect(deviceID)
		return "", err
	}
	go e.completeReconnect(deviceID, dev, conn)
	return answer, nil
}

// completeReconnect authenticates a reconnecting device and hands the
// connection off. The reconnect slot is released whichever way it ends.
func (e *Endpoint) completeReconnect(deviceID string, dev *device.Device, conn *transport.Conn) {
	defer e.endReconnect(deviceID)

	ctx, cancel := context.WithTimeout(context.Background(), e.connectTimeout)
	defer cancel()

	if err := conn.WaitConnected(ctx); err != nil {
		e.log.Warnf("reconnect %q: transport never opened: %v", deviceID, err)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	authenticator, ok := e.resolveAuth(deviceID)
	if !ok {
		e.log.Warnf("reconnect %q: device unpaired during reconnect", deviceID)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}

	result, err := authenticator.Run(context.Background(), conn.Send, connRecv(conn))
	if err != nil {
		e.log.Infof("reconnect %q: authentication failed: %v", deviceID, err)
		conn.CloseByOwner(transport.OwnerSignaling)
		return
	}
	if result.DeviceID != deviceID {
		e.log.Warnf("reconnect %q: handshake proved %q instead", deviceID, result.DeviceID)
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

	e.attempts.forget("device:" + deviceID)
	conn.TransferOwnership(transport.OwnerConnectionManager)
	e.log.Infof("device %q reconnected", deviceID)
	e.onConnected(ConnectedEvent{
		DeviceID:     deviceID,
		DeviceName:   deviceName,
		Conn:         conn,
		Keys:         keys,
		MasterSecret: dev.MasterSecret,
		Reconnect:    true,
	})
}

// verifySignature checks a request signature and timestamp. Both checks are
// computed before either verdict is returned, and the comparison itself is
// constant time.
func (e *Endpoint) verifySignature(authKey []byte, id string, timestamp int64, body, signature []byte) error {
	sigOK := crypto.VerifySignalingHMAC(authKey, id, timestamp, body, signature)
	skew := time.Since(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if !sigOK {
		return ErrBadSignature
	}
	if skew > e.maxClockSkew {
		return fmt.Errorf("%w: %s", ErrClockSkew, skew)
	}
	return nil
}

// connectPeer builds a peer and performs the bounded SDP exchange.
func (e *Endpoint) connectPeer(ctx context.Context, offerSDP string) (string, *transport.Conn, error) {
	peer, err := e.factory.NewPeer()
	if err != nil {
		return "", nil, err
	}

	type sdpResult struct {
		answer string
		err    error
	}
	resultCh := make(chan sdpResult, 1)
	go func() {
		answer, err := peer.AcceptOffer(offerSDP)
		resultCh <- sdpResult{answer, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			_ = peer.Close()
			return "", nil, res.err
		}
		return res.answer, transport.NewConn(peer), nil
	case <-ctx.Done():
		_ = peer.Close()
		return "", nil, ErrExchangeTimeout
	case <-time.After(e.connectTimeout):
		_ = peer.Close()
		return "", nil, ErrExchangeTimeout
	}
}

// connRecv installs a buffering message handler on the conn and returns the
// matching handshake receive function.
func connRecv(conn *transport.Conn) auth.RecvFunc {
	queue := make(chan []byte, authQueueDepth)
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

func (e *Endpoint) beginReconnect(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[deviceID]; busy {
		return false
	}
	e.inFlight[deviceID] = struct{}{}
	return true
}

func (e *Endpoint) endReconnect(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, deviceID)
}
