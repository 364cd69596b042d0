package daemon

import "errors"

// Package-level errors.
var (
	// ErrNotInitialized is returned when an operation requires an initialized daemon.
	ErrNotInitialized = errors.New("daemon: not initialized")

	// ErrAlreadyStarted is returned when Start() is called on a running daemon.
	ErrAlreadyStarted = errors.New("daemon: already started")

	// ErrNotStarted is returned when an operation requires a running daemon.
	ErrNotStarted = errors.New("daemon: not started")

	// ErrAlreadyStopped is returned when Stop() is called on a stopped daemon.
	ErrAlreadyStopped = errors.New("daemon: already stopped")

	// ErrStorageRequired is returned when neither Store nor DataDir is configured.
	ErrStorageRequired = errors.New("daemon: device store or data directory required")

	// ErrHandlerExists is returned when registering a handler for a message
	// type that already has one.
	ErrHandlerExists = errors.New("daemon: handler already registered for message type")
)
