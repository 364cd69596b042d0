package rendezvous

import "errors"

// Package errors.
var (
	// ErrBadEnvelope is returned when a rendezvous payload is not a valid
	// base64 envelope or its plaintext is not a valid message.
	ErrBadEnvelope = errors.New("rendezvous: bad envelope")

	// ErrManagerState is returned when Start or Stop is called in the
	// wrong state.
	ErrManagerState = errors.New("rendezvous: invalid manager state")

	// ErrPublish is returned when the rendezvous service refuses a
	// publish.
	ErrPublish = errors.New("rendezvous: publish refused")

	// ErrSubscribe is returned when a subscribe stream cannot be
	// established.
	ErrSubscribe = errors.New("rendezvous: subscribe failed")
)
