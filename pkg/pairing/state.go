package pairing

// State is a pairing session's position in its lifecycle.
type State int

const (
	// StateIdle is the zero state before a session is created.
	StateIdle State = iota

	// StateQRDisplayed means the session exists and its secret is on
	// screen, waiting for a device to scan it and send an offer.
	StateQRDisplayed

	// StateSignaling means an offer arrived and the SDP exchange is in
	// progress.
	StateSignaling

	// StateConnecting means the peer is constructed and the session is
	// waiting for the data channel to open.
	StateConnecting

	// StateAuthenticating means the transport is open and the
	// challenge-response handshake is running.
	StateAuthenticating

	// StateAuthenticated is the happy terminal state: the handshake
	// succeeded and ownership of the peer has been handed off.
	StateAuthenticated

	// StateFailed is the unhappy terminal state, reached from any
	// non-terminal state on error, cancel or timeout.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateQRDisplayed:
		return "QRDisplayed"
	case StateSignaling:
		return "Signaling"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state ends the session's lifecycle.
func (s State) Terminal() bool {
	return s == StateAuthenticated || s == StateFailed
}

// transitions is the allowed successor set per state. Any non-terminal state
// may additionally transition to StateFailed.
var transitions = map[State][]State{
	StateIdle:           {StateQRDisplayed},
	StateQRDisplayed:    {StateSignaling},
	StateSignaling:      {StateConnecting},
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated},
	StateAuthenticated:  {},
	StateFailed:         {StateIdle},
}

// canTransition reports whether from → to is a legal step.
func canTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
