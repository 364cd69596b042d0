package transport

import (
	"context"
	"fmt"
	"sync"
)

// Owner labels which subsystem currently holds the right to close a Conn.
type Owner int

const (
	// OwnerSignaling is the initial owner: the pairing/reconnect handler
	// that built the peer.
	OwnerSignaling Owner = iota
	// OwnerConnectionManager owns the peer once authentication succeeds
	// and the connection is handed off.
	OwnerConnectionManager
	// OwnerDisposed marks a closed peer. Terminal.
	OwnerDisposed
)

func (o Owner) String() string {
	switch o {
	case OwnerSignaling:
		return "SignalingHandler"
	case OwnerConnectionManager:
		return "ConnectionManager"
	case OwnerDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("Owner(%d)", int(o))
	}
}

// Conn wraps a Peer with an ownership label so independent lifecycle paths
// cannot tear down a connection that has been handed off. The signaling
// handler owns a fresh Conn; after successful authentication ownership
// transfers to the connection manager; from then on the signaling handler's
// cleanup calls are no-ops.
//
// CloseByOwner is the guarded close; Close remains available for paths where
// the ownership rules deliberately do not apply (shutdown, replacement).
//
// All methods are safe for concurrent use.
type Conn struct {
	peer Peer

	mu    sync.Mutex
	owner Owner
}

// NewConn wraps a peer. The signaling handler starts as owner.
func NewConn(peer Peer) *Conn {
	return &Conn{peer: peer, owner: OwnerSignaling}
}

// Owner returns the current owner label.
func (c *Conn) Owner() Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// TransferOwnership hands the close right to another subsystem. Returns
// false if the conn is already disposed, in which case nothing changes.
func (c *Conn) TransferOwnership(next Owner) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owner == OwnerDisposed {
		return false
	}
	c.owner = next
	return true
}

// CloseByOwner closes the peer iff caller is the current owner. Returns
// whether the close was performed. A stale owner's call is a no-op and the
// peer stays open.
func (c *Conn) CloseByOwner(caller Owner) bool {
	c.mu.Lock()
	if c.owner != caller || c.owner == OwnerDisposed {
		c.mu.Unlock()
		return false
	}
	c.owner = OwnerDisposed
	c.mu.Unlock()

	_ = c.peer.Close()
	return true
}

// Close closes the peer unconditionally and marks the conn disposed. For
// lifecycle paths where ownership does not apply, such as daemon shutdown.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.owner = OwnerDisposed
	c.mu.Unlock()

	return c.peer.Close()
}

// Send delivers one datagram to the remote.
func (c *Conn) Send(data []byte) error {
	return c.peer.Send(data)
}

// WaitConnected blocks until the underlying peer reports open.
func (c *Conn) WaitConnected(ctx context.Context) error {
	return c.peer.WaitConnected(ctx)
}

// OnMessage installs the inbound datagram handler on the underlying peer.
func (c *Conn) OnMessage(handler MessageHandler) {
	c.peer.OnMessage(handler)
}

// OnClose installs the close handler on the underlying peer.
func (c *Conn) OnClose(handler CloseHandler) {
	c.peer.OnClose(handler)
}

// Peer returns the wrapped peer.
func (c *Conn) Peer() Peer {
	return c.peer
}
