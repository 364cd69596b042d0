package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServer is used when no ICE servers are configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// dataChannelLabel names the single channel carrying message envelopes.
const dataChannelLabel = "ras"

// WebRTCFactoryConfig configures a WebRTCFactory.
type WebRTCFactoryConfig struct {
	// ICEServers lists STUN/TURN URLs. Empty gathers host candidates only,
	// which is enough on one network but does not cross NATs.
	ICEServers []string

	// LoggerFactory creates loggers for the factory and the pion stack.
	// Defaults to the pion default factory.
	LoggerFactory logging.LoggerFactory
}

// WebRTCFactory builds data-channel peers on pion/webrtc. Answers are
// produced with candidate gathering complete, so the whole answer travels in
// one signaling response and no trickle path is needed.
type WebRTCFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    logging.LeveledLogger
}

// NewWebRTCFactory creates a WebRTC transport factory.
func NewWebRTCFactory(config WebRTCFactoryConfig) (*WebRTCFactory, error) {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = loggerFactory

	rtcConfig := webrtc.Configuration{}
	for _, url := range config.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &WebRTCFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: rtcConfig,
		log:    loggerFactory.NewLogger("transport"),
	}, nil
}

// NewPeer constructs an unnegotiated WebRTC peer.
func (f *WebRTCFactory) NewPeer() (SignalingPeer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}

	p := &webrtcPeer{
		pc:        pc,
		log:       f.log,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}

	// The remote's offer carries the data channel; adopt it when it shows up.
	pc.OnDataChannel(p.adoptDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.shutdown()
		default:
		}
	})
	return p, nil
}

type webrtcPeer struct {
	pc  *webrtc.PeerConnection
	log logging.LeveledLogger

	connected   chan struct{}
	closed      chan struct{}
	connectOnce sync.Once
	closeOnce   sync.Once

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	handler      MessageHandler
	closeHandler CloseHandler
	negotiated   bool
}

// AcceptOffer applies the remote offer, answers, and blocks until candidate
// gathering finishes so the returned SDP is complete.
func (p *webrtcPeer) AcceptOffer(offerSDP string) (string, error) {
	if err := p.beginNegotiation(); err != nil {
		return "", err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("transport: set local answer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-p.closed:
		return "", ErrClosed
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", ErrClosed
	}
	return local.SDP, nil
}

// CreateOffer opens the data channel, produces the offer, and blocks until
// candidate gathering finishes.
func (p *webrtcPeer) CreateOffer() (string, error) {
	if err := p.beginNegotiation(); err != nil {
		return "", err
	}

	dc, err := p.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return "", fmt.Errorf("transport: create data channel: %w", err)
	}
	p.adoptDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("transport: create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("transport: set local offer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-p.closed:
		return "", ErrClosed
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", ErrClosed
	}
	return local.SDP, nil
}

// SetRemoteDescription applies the remote's answer to our offer.
func (p *webrtcPeer) SetRemoteDescription(answerSDP string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote answer: %w", err)
	}
	return nil
}

// Send delivers one datagram over the data channel.
func (p *webrtcPeer) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return ErrNotConnected
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// WaitConnected blocks until the data channel opens.
func (p *webrtcPeer) WaitConnected(ctx context.Context) error {
	select {
	case <-p.connected:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ErrConnectTimeout
	}
}

// OnMessage installs the inbound datagram handler.
func (p *webrtcPeer) OnMessage(handler MessageHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// OnClose installs the close handler.
func (p *webrtcPeer) OnClose(handler CloseHandler) {
	p.mu.Lock()
	p.closeHandler = handler
	p.mu.Unlock()
}

// Close tears the peer connection down.
func (p *webrtcPeer) Close() error {
	err := p.pc.Close()
	p.shutdown()
	return err
}

func (p *webrtcPeer) beginNegotiation() error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.negotiated {
		return ErrNegotiated
	}
	p.negotiated = true
	return nil
}

func (p *webrtcPeer) adoptDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.connectOnce.Do(func() { close(p.connected) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		handler := p.handler
		p.mu.Unlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
	dc.OnClose(p.shutdown)
	dc.OnError(func(err error) {
		p.log.Warnf("data channel error: %v", err)
	})
}

func (p *webrtcPeer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		handler := p.closeHandler
		p.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
}

// Verify implementations satisfy the contracts.
var (
	_ SignalingPeer = (*webrtcPeer)(nil)
	_ Factory       = (*WebRTCFactory)(nil)
)
