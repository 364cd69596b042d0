package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// UDPPeerConfig configures a UDPPeer.
type UDPPeerConfig struct {
	// Conn is an optional pre-existing PacketConn, e.g. one bound to a
	// Tailscale interface address. If nil, a socket is opened on ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the local address to bind when Conn is nil.
	// Empty selects an ephemeral port on all interfaces.
	ListenAddr string

	// RemoteAddr is the remote endpoint ("host:port"). When empty the peer
	// locks onto the source address of the first datagram it receives.
	RemoteAddr string

	// LoggerFactory creates the peer's logger. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDPPeer is a Peer over a UDP socket. One peer talks to one remote address:
// either a configured one, or the source of the first inbound datagram.
// Datagrams from any other address are dropped after lock-in.
//
// There is no session negotiation; the socket is usable at construction, so
// WaitConnected returns immediately once the remote address is known.
type UDPPeer struct {
	conn net.PacketConn
	log  logging.LeveledLogger

	connected   chan struct{}
	closed      chan struct{}
	connectOnce sync.Once
	closeOnce   sync.Once
	wg          sync.WaitGroup

	mu           sync.Mutex
	remote       net.Addr
	handler      MessageHandler
	closeHandler CloseHandler
}

// NewUDPPeer creates a UDP peer and starts its read loop.
func NewUDPPeer(config UDPPeerConfig) (*UDPPeer, error) {
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

	p := &UDPPeer{
		conn:      conn,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if config.RemoteAddr != "" {
		remote, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		p.remote = remote
		p.connectOnce.Do(func() { close(p.connected) })
	}

	p.wg.Add(1)
	go p.readLoop()
	return p, nil
}

// LocalAddr returns the address the peer's socket is bound to.
func (p *UDPPeer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// RemoteAddr returns the locked-in remote address, or nil before lock-in.
func (p *UDPPeer) RemoteAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// Send delivers one datagram to the locked-in remote.
func (p *UDPPeer) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if len(data) > MaxDatagramSize {
		return ErrMessageTooLarge
	}

	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()
	if remote == nil {
		return ErrNotConnected
	}

	_, err := p.conn.WriteTo(data, remote)
	if err != nil {
		if p.log != nil {
			p.log.Warnf("send to %v failed: %v", remote, err)
		}
		return err
	}
	return nil
}

// WaitConnected blocks until the remote address is known.
func (p *UDPPeer) WaitConnected(ctx context.Context) error {
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
func (p *UDPPeer) OnMessage(handler MessageHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

// OnClose installs the close handler.
func (p *UDPPeer) OnClose(handler CloseHandler) {
	p.mu.Lock()
	p.closeHandler = handler
	p.mu.Unlock()
}

// Close shuts the socket down and waits for the read loop to exit.
func (p *UDPPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)

		// Unblock any pending read before closing.
		p.conn.SetReadDeadline(time.Now())
		p.conn.Close()
		p.wg.Wait()

		p.mu.Lock()
		handler := p.closeHandler
		p.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// readLoop receives datagrams and dispatches them to the handler. The first
// datagram locks in the remote address when none was configured.
func (p *UDPPeer) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-p.closed:
			return
		default:
		}

		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.closed:
				return
			default:
				if p.log != nil {
					p.log.Warnf("read error: %v", err)
				}
				continue
			}
		}
		if n == 0 {
			continue
		}

		p.mu.Lock()
		lockedIn := false
		if p.remote == nil {
			p.remote = addr
			lockedIn = true
		} else if p.remote.String() != addr.String() {
			// Not our peer.
			p.mu.Unlock()
			continue
		}
		handler := p.handler
		p.mu.Unlock()

		if lockedIn {
			p.connectOnce.Do(func() { close(p.connected) })
		}
		if handler != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			handler(data)
		}
	}
}

var _ Peer = (*UDPPeer)(nil)
