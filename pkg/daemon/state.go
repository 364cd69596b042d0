package daemon

// State represents the lifecycle state of a Daemon.
type State int

const (
	// StateUninitialized is the initial state before New completes.
	StateUninitialized State = iota

	// StateInitialized means the daemon is created but not started.
	StateInitialized

	// StateStarting means Start() has been called and startup is in progress.
	StateStarting

	// StateRunning means the daemon is serving pairing, signaling and
	// device connections.
	StateRunning

	// StateStopping means Stop() has been called and shutdown is in progress.
	StateStopping

	// StateStopped means the daemon has been shut down.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitialized:
		return "Initialized"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// IsRunning returns true if the daemon is in an operational state.
func (s State) IsRunning() bool {
	return s == StateRunning
}

// CanStart returns true if Start() can be called in this state.
func (s State) CanStart() bool {
	return s == StateInitialized
}

// CanStop returns true if Stop() can be called in this state. A daemon that
// was created but never started can still be stopped: it owns a pairing
// registry whose sweeper needs releasing.
func (s State) CanStop() bool {
	return s.IsRunning() || s == StateStarting || s == StateInitialized
}
