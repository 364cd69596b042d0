package pairing

import "errors"

var (
	// ErrNotFound is returned when no session exists for the given ID.
	ErrNotFound = errors.New("pairing: session not found")

	// ErrTooManySessions is returned by Create when the registry is at
	// its concurrent session cap.
	ErrTooManySessions = errors.New("pairing: too many sessions")

	// ErrInvalidTransition is returned when a lifecycle step is not
	// legal from the session's current state.
	ErrInvalidTransition = errors.New("pairing: invalid state transition")

	// ErrOfferInFlight is returned when an offer arrives while another
	// offer for the same session is still being processed.
	ErrOfferInFlight = errors.New("pairing: offer already in flight")

	// ErrExpired marks a session failed by timeout.
	ErrExpired = errors.New("pairing: session expired")

	// ErrCanceled marks a session failed by explicit cancellation.
	ErrCanceled = errors.New("pairing: session canceled")

	// ErrRegistryClosed is returned by Create after the registry shut
	// down.
	ErrRegistryClosed = errors.New("pairing: registry closed")
)
