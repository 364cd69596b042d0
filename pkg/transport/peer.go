// Package transport carries encrypted message envelopes between the daemon
// and a device. Three concrete transports share one surface: a WebRTC data
// channel (remote peers behind NAT), a LAN WebSocket, and a UDP tunnel
// (e.g. across a Tailscale interface). All of them deliver opaque datagrams;
// framing, encryption and replay protection happen a layer up.
//
// The ownership-typed Conn wrapper decides which lifecycle path may close a
// peer; see Conn.
package transport

import "context"

// MaxDatagramSize bounds a single message envelope on datagram transports.
const MaxDatagramSize = 65507

// MessageHandler receives one inbound datagram. The slice is owned by the
// handler; transports do not reuse it.
type MessageHandler func(data []byte)

// CloseHandler is invoked once when the peer closes, whether locally or by
// the remote side.
type CloseHandler func()

// Peer is one transport link to one remote. Implementations are safe for
// concurrent use.
type Peer interface {
	// Send delivers one datagram to the remote.
	Send(data []byte) error

	// WaitConnected blocks until the link reports open, the peer closes,
	// or ctx expires (ErrConnectTimeout). Transports that are open at
	// construction return immediately.
	WaitConnected(ctx context.Context) error

	// OnMessage installs the inbound datagram handler. Datagrams arriving
	// while no handler is installed may be dropped; the listening
	// transports buffer a bounded number and flush them on install.
	OnMessage(handler MessageHandler)

	// OnClose installs the close handler.
	OnClose(handler CloseHandler)

	// Close tears the link down. Closing twice is harmless.
	Close() error
}

// SignalingPeer is a Peer established through an SDP offer/answer exchange.
// Exactly one negotiation path is used per peer: either AcceptOffer (the
// remote initiated) or CreateOffer followed by SetRemoteDescription (we
// initiated).
type SignalingPeer interface {
	Peer

	// AcceptOffer applies the remote's offer and returns the local answer,
	// with candidate gathering already complete.
	AcceptOffer(offerSDP string) (answerSDP string, err error)

	// CreateOffer produces the local offer with candidate gathering
	// already complete.
	CreateOffer() (offerSDP string, err error)

	// SetRemoteDescription applies the remote's answer to an offer this
	// peer created.
	SetRemoteDescription(answerSDP string) error
}

// Factory constructs signaling peers. The pairing and reconnect paths
// consume transports exclusively through this interface, which is what makes
// them testable against in-memory pipes.
type Factory interface {
	NewPeer() (SignalingPeer, error)
}
