package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed peer.
	ErrClosed = errors.New("transport: closed")

	// ErrConnectTimeout is returned when a peer does not report open in time.
	ErrConnectTimeout = errors.New("transport: connect timeout")

	// ErrNotConnected is returned when sending before the channel is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNegotiated is returned when SDP negotiation is attempted twice on
	// the same peer.
	ErrNegotiated = errors.New("transport: already negotiated")

	// ErrInvalidAddress is returned when an invalid peer address is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrMessageTooLarge is returned when a message exceeds the maximum size.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrNoHandler is returned when a required handler is missing from a
	// config.
	ErrNoHandler = errors.New("transport: handler required")
)
