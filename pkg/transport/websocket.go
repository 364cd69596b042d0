package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// wsWriteTimeout bounds a single WebSocket write.
const wsWriteTimeout = 10 * time.Second

// wsPendingLimit bounds messages buffered before a handler is installed.
const wsPendingLimit = 16

// WebSocketPeer is a Peer over an established WebSocket connection. Message
// envelopes travel as binary WebSocket messages, one envelope per message.
// The connection is already open when the peer is constructed, so
// WaitConnected returns immediately.
type WebSocketPeer struct {
	ws  *websocket.Conn
	log logging.LeveledLogger

	closed    chan struct{}
	closeOnce sync.Once

	// writeMu serializes writes; gorilla/websocket allows one writer at a
	// time.
	writeMu sync.Mutex

	mu           sync.Mutex
	handler      MessageHandler
	closeHandler CloseHandler
	pending      [][]byte
}

// NewWebSocketPeer wraps an established WebSocket connection and starts its
// read loop. The caller hands over the connection; the peer closes it.
func NewWebSocketPeer(ws *websocket.Conn, loggerFactory logging.LoggerFactory) *WebSocketPeer {
	p := &WebSocketPeer{
		ws:     ws,
		closed: make(chan struct{}),
	}
	if loggerFactory != nil {
		p.log = loggerFactory.NewLogger("transport-ws")
	}
	go p.readLoop()
	return p
}

// DialWebSocket connects to a daemon's WebSocket endpoint and returns the
// peer. Used by LAN clients and tests.
func DialWebSocket(ctx context.Context, url string, loggerFactory logging.LoggerFactory) (*WebSocketPeer, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebSocketPeer(ws, loggerFactory), nil
}

// Send delivers one envelope as a binary WebSocket message.
func (p *WebSocketPeer) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := p.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	return nil
}

// WaitConnected returns immediately; the WebSocket handshake completed before
// the peer existed.
func (p *WebSocketPeer) WaitConnected(ctx context.Context) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
		return nil
	}
}

// OnMessage installs the inbound message handler and flushes messages that
// arrived before it, in order. The read loop starts at construction, so a
// dialing client may see the daemon's first frame before it installs a
// handler.
func (p *WebSocketPeer) OnMessage(handler MessageHandler) {
	p.mu.Lock()
	p.handler = handler
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if handler != nil {
		for _, data := range pending {
			handler(data)
		}
	}
}

// OnClose installs the close handler.
func (p *WebSocketPeer) OnClose(handler CloseHandler) {
	p.mu.Lock()
	p.closeHandler = handler
	p.mu.Unlock()
}

// Close tears the connection down.
func (p *WebSocketPeer) Close() error {
	p.shutdown(true)
	return nil
}

func (p *WebSocketPeer) shutdown(sendClose bool) {
	p.closeOnce.Do(func() {
		close(p.closed)

		if sendClose {
			p.writeMu.Lock()
			p.ws.SetWriteDeadline(time.Now().Add(time.Second))
			p.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			p.writeMu.Unlock()
		}
		p.ws.Close()

		p.mu.Lock()
		handler := p.closeHandler
		p.pending = nil
		p.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
}

// readLoop receives WebSocket messages and dispatches binary ones to the
// handler. Text and control messages are ignored.
func (p *WebSocketPeer) readLoop() {
	for {
		msgType, data, err := p.ws.ReadMessage()
		if err != nil {
			if p.log != nil && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-p.closed:
				default:
					p.log.Warnf("read error: %v", err)
				}
			}
			p.shutdown(false)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		p.mu.Lock()
		handler := p.handler
		if handler == nil && len(p.pending) < wsPendingLimit {
			p.pending = append(p.pending, data)
		}
		p.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

// WebSocketAcceptorConfig configures a WebSocketAcceptor.
type WebSocketAcceptorConfig struct {
	// OnPeer receives each accepted peer. Required.
	OnPeer func(peer *WebSocketPeer)

	// CheckOrigin overrides the upgrader's origin check. The default
	// accepts any origin: requests are authenticated by the handshake that
	// follows, not by the Origin header.
	CheckOrigin func(r *http.Request) bool

	// LoggerFactory creates the acceptor's logger.
	LoggerFactory logging.LoggerFactory
}

// WebSocketAcceptor upgrades inbound HTTP requests to WebSocket peers. The
// daemon mounts it on its HTTP mux; each accepted connection still has to
// pass the challenge-response handshake before it carries any traffic.
type WebSocketAcceptor struct {
	upgrader websocket.Upgrader
	onPeer   func(peer *WebSocketPeer)
	factory  logging.LoggerFactory
	log      logging.LeveledLogger
}

// NewWebSocketAcceptor creates an acceptor.
func NewWebSocketAcceptor(config WebSocketAcceptorConfig) (*WebSocketAcceptor, error) {
	if config.OnPeer == nil {
		return nil, ErrNoHandler
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	a := &WebSocketAcceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		onPeer:  config.OnPeer,
		factory: config.LoggerFactory,
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("transport-ws")
	}
	return a, nil
}

// ServeHTTP upgrades the request and hands the peer to the OnPeer callback.
func (a *WebSocketAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		if a.log != nil {
			a.log.Warnf("upgrade from %s failed: %v", r.RemoteAddr, err)
		}
		return
	}
	if a.log != nil {
		a.log.Infof("accepted connection from %s", r.RemoteAddr)
	}
	a.onPeer(NewWebSocketPeer(ws, a.factory))
}

var (
	_ Peer         = (*WebSocketPeer)(nil)
	_ http.Handler = (*WebSocketAcceptor)(nil)
)
