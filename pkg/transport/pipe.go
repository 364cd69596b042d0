package transport

import (
	"context"
	"sync"
)

// pipeQueueDepth bounds undelivered datagrams per pipe direction.
const pipeQueueDepth = 64

// Synthetic session descriptions produced by pipe negotiation.
const (
	pipeOfferSDP  = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=pipe-offer\r\n"
	pipeAnswerSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=pipe-answer\r\n"
)

// PipePeer is an in-memory Peer. Two linked ends exchange datagrams through
// buffered channels, which makes pairing, authentication and connection
// management testable without sockets or a WebRTC stack.
type PipePeer struct {
	remote *PipePeer

	queue     chan []byte
	connected chan struct{}
	closed    chan struct{}

	connectOnce sync.Once
	closeOnce   sync.Once

	mu           sync.Mutex
	handler      MessageHandler
	closeHandler CloseHandler
}

func newPipePeer() *PipePeer {
	p := &PipePeer{
		queue:     make(chan []byte, pipeQueueDepth),
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go p.dispatchLoop()
	return p
}

// NewPipePair returns two linked, already-open pipe peers. Datagrams sent on
// one end arrive at the other's message handler.
func NewPipePair() (*PipePeer, *PipePeer) {
	a, b := newPipePeer(), newPipePeer()
	a.remote, b.remote = b, a
	a.Open()
	b.Open()
	return a, b
}

// Open marks the peer connected. Idempotent.
func (p *PipePeer) Open() {
	p.connectOnce.Do(func() { close(p.connected) })
}

// Send queues one datagram for the remote end.
func (p *PipePeer) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.connected:
	default:
		return ErrNotConnected
	}

	remote := p.remote
	if remote == nil {
		return ErrNotConnected
	}
	select {
	case remote.queue <- data:
		return nil
	case <-remote.closed:
		return ErrClosed
	case <-p.closed:
		return ErrClosed
	}
}

// WaitConnected blocks until Open, close, or ctx expiry.
func (p *PipePeer) WaitConnected(ctx context.Context) error {
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
func (p *PipePeer) OnMessage(handler MessageHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// OnClose installs the close handler.
func (p *PipePeer) OnClose(handler CloseHandler) {
	p.mu.Lock()
	p.closeHandler = handler
	p.mu.Unlock()
}

// Close tears down this end and wakes the remote. Both ends' close handlers
// fire at most once.
func (p *PipePeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.fireClose()
		if p.remote != nil {
			p.remote.closeFromRemote()
		}
	})
	return nil
}

func (p *PipePeer) closeFromRemote() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.fireClose()
	})
}

func (p *PipePeer) fireClose() {
	p.mu.Lock()
	handler := p.closeHandler
	p.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// dispatchLoop delivers queued datagrams to the current handler. Datagrams
// arriving while no handler is installed are dropped, matching the Peer
// contract.
func (p *PipePeer) dispatchLoop() {
	for {
		select {
		case data := <-p.queue:
			p.mu.Lock()
			handler := p.handler
			p.mu.Unlock()
			if handler != nil {
				handler(data)
			}
		case <-p.closed:
			return
		}
	}
}

// PipeFactory is a Factory producing pipe-backed signaling peers. Completing
// a negotiation (AcceptOffer or SetRemoteDescription) links the local peer to
// a fresh remote end and hands that end to the OnRemote hook, which plays the
// device side in tests.
type PipeFactory struct {
	mu       sync.Mutex
	onRemote func(remote *PipePeer)
	holdOpen bool
}

// NewPipeFactory creates a pipe factory.
func NewPipeFactory() *PipeFactory {
	return &PipeFactory{}
}

// OnRemote installs the hook receiving the device-side end of each
// negotiated pipe.
func (f *PipeFactory) OnRemote(fn func(remote *PipePeer)) {
	f.mu.Lock()
	f.onRemote = fn
	f.mu.Unlock()
}

// SetHoldOpen makes negotiated peers stay unconnected until Open is called
// explicitly. Used to exercise connect-timeout paths.
func (f *PipeFactory) SetHoldOpen(hold bool) {
	f.mu.Lock()
	f.holdOpen = hold
	f.mu.Unlock()
}

// NewPeer returns an unlinked pipe signaling peer.
func (f *PipeFactory) NewPeer() (SignalingPeer, error) {
	return &pipeSignalingPeer{PipePeer: newPipePeer(), factory: f}, nil
}

type pipeSignalingPeer struct {
	*PipePeer
	factory *PipeFactory

	negMu      sync.Mutex
	negotiated bool
}

// AcceptOffer links this end to a fresh remote and returns a synthetic
// answer.
func (p *pipeSignalingPeer) AcceptOffer(offerSDP string) (string, error) {
	if offerSDP == "" {
		return "", ErrInvalidAddress
	}
	if err := p.link(); err != nil {
		return "", err
	}
	return pipeAnswerSDP, nil
}

// CreateOffer returns a synthetic offer.
func (p *pipeSignalingPeer) CreateOffer() (string, error) {
	p.negMu.Lock()
	defer p.negMu.Unlock()
	if p.negotiated {
		return "", ErrNegotiated
	}
	return pipeOfferSDP, nil
}

// SetRemoteDescription links this end to a fresh remote.
func (p *pipeSignalingPeer) SetRemoteDescription(answerSDP string) error {
	if answerSDP == "" {
		return ErrInvalidAddress
	}
	return p.link()
}

func (p *pipeSignalingPeer) link() error {
	p.negMu.Lock()
	if p.negotiated {
		p.negMu.Unlock()
		return ErrNegotiated
	}
	p.negotiated = true
	p.negMu.Unlock()

	remote := newPipePeer()
	p.PipePeer.remote = remote
	remote.remote = p.PipePeer

	p.factory.mu.Lock()
	onRemote := p.factory.onRemote
	holdOpen := p.factory.holdOpen
	p.factory.mu.Unlock()

	if !holdOpen {
		p.PipePeer.Open()
		remote.Open()
	}
	if onRemote != nil {
		onRemote(remote)
	}
	return nil
}

// Verify implementations satisfy the contracts.
var (
	_ Peer          = (*PipePeer)(nil)
	_ SignalingPeer = (*pipeSignalingPeer)(nil)
	_ Factory       = (*PipeFactory)(nil)
)
