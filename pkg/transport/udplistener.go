package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	// Conn is an optional pre-existing PacketConn. If nil, a socket is
	// opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the local address to bind when Conn is nil, typically
	// an address on the Tailscale interface. Empty selects an ephemeral
	// port on all interfaces.
	ListenAddr string

	// OnPeer receives each new peer, keyed by its first datagram. The
	// datagram that created the peer is delivered to the peer's handler
	// once one is installed, so the callback should install handlers
	// before returning or accept that the first datagram arrives right
	// after. Required.
	OnPeer func(peer *UDPFlow)

	// LoggerFactory creates the listener's logger.
	LoggerFactory logging.LoggerFactory
}

// UDPListener accepts UDP flows on a shared socket. Each distinct source
// address becomes a UDPFlow peer; later datagrams from that address are
// routed to it. Flows never negotiate anything at the transport level; the
// authentication handshake happens a layer up, exactly as on the other
// transports.
type UDPListener struct {
	conn   net.PacketConn
	onPeer func(peer *UDPFlow)
	log    logging.LeveledLogger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	flows map[string]*UDPFlow
}

// NewUDPListener creates a listener and starts its demux loop.
func NewUDPListener(config UDPListenerConfig) (*UDPListener, error) {
	if config.OnPeer == nil {
		return nil, ErrNoHandler
	}

	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		var err error
		conn, err = net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
	}

	l := &UDPListener{
		conn:   conn,
		onPeer: config.OnPeer,
		closed: make(chan struct{}),
		flows:  make(map[string]*UDPFlow),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// LocalAddr returns the address the listener is bound to.
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Close shuts the socket down and closes every live flow.
func (l *UDPListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.SetReadDeadline(time.Now())
		l.conn.Close()
		l.wg.Wait()

		l.mu.Lock()
		flows := make([]*UDPFlow, 0, len(l.flows))
		for _, f := range l.flows {
			flows = append(flows, f)
		}
		l.flows = make(map[string]*UDPFlow)
		l.mu.Unlock()

		for _, f := range flows {
			f.Close()
		}
	})
	return nil
}

// readLoop demuxes inbound datagrams to flows, creating one per new source
// address.
func (l *UDPListener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				if l.log != nil {
					l.log.Warnf("read error: %v", err)
				}
				continue
			}
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		key := addr.String()
		l.mu.Lock()
		flow, known := l.flows[key]
		if !known {
			flow = newUDPFlow(l, addr)
			l.flows[key] = flow
		}
		l.mu.Unlock()

		if !known {
			if l.log != nil {
				l.log.Infof("new flow from %v", addr)
			}
			l.onPeer(flow)
		}
		flow.deliver(data)
	}
}

// drop removes a flow from the routing table. Called on flow close.
func (l *UDPListener) drop(key string, flow *UDPFlow) {
	l.mu.Lock()
	if l.flows[key] == flow {
		delete(l.flows, key)
	}
	l.mu.Unlock()
}

// udpFlowQueueDepth bounds buffered datagrams per flow before a handler is
// installed.
const udpFlowQueueDepth = 16

// UDPFlow is one remote's traffic on a shared UDP listener socket. It is a
// Peer: sends go to the flow's address through the shared socket, receives
// are what the listener routed here. Open from construction.
type UDPFlow struct {
	listener *UDPListener
	addr     net.Addr

	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	handler      MessageHandler
	closeHandler CloseHandler
	pending      [][]byte
}

func newUDPFlow(l *UDPListener, addr net.Addr) *UDPFlow {
	return &UDPFlow{
		listener: l,
		addr:     addr,
		closed:   make(chan struct{}),
	}
}

// RemoteAddr returns the flow's remote address.
func (f *UDPFlow) RemoteAddr() net.Addr {
	return f.addr
}

// Send delivers one datagram to the flow's remote.
func (f *UDPFlow) Send(data []byte) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	if len(data) > MaxDatagramSize {
		return ErrMessageTooLarge
	}

	_, err := f.listener.conn.WriteTo(data, f.addr)
	return err
}

// WaitConnected returns immediately; a flow exists because a datagram
// already arrived.
func (f *UDPFlow) WaitConnected(ctx context.Context) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
		return nil
	}
}

// OnMessage installs the inbound datagram handler and flushes datagrams that
// arrived before it, in order.
func (f *UDPFlow) OnMessage(handler MessageHandler) {
	f.mu.Lock()
	f.handler = handler
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	if handler != nil {
		for _, data := range pending {
			handler(data)
		}
	}
}

// OnClose installs the close handler.
func (f *UDPFlow) OnClose(handler CloseHandler) {
	f.mu.Lock()
	f.closeHandler = handler
	f.mu.Unlock()
}

// Close removes the flow from the listener. The shared socket stays open.
func (f *UDPFlow) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.listener.drop(f.addr.String(), f)

		f.mu.Lock()
		handler := f.closeHandler
		f.pending = nil
		f.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// deliver hands one datagram to the flow's handler, buffering a bounded
// number while no handler is installed. The buffer covers the gap between
// flow creation and the accept path installing its handler; overflow beyond
// it is dropped like any datagram without a handler.
func (f *UDPFlow) deliver(data []byte) {
	select {
	case <-f.closed:
		return
	default:
	}

	f.mu.Lock()
	handler := f.handler
	if handler == nil && len(f.pending) < udpFlowQueueDepth {
		f.pending = append(f.pending, data)
	}
	f.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

var _ Peer = (*UDPFlow)(nil)
