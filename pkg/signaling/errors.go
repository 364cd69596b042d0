package signaling

import "errors"

var (
	// ErrBadSignature is returned when a request's signature does not
	// verify against the expected key.
	ErrBadSignature = errors.New("signaling: bad signature")

	// ErrClockSkew is returned when a request timestamp falls outside
	// the allowed skew window.
	ErrClockSkew = errors.New("signaling: timestamp outside allowed skew")

	// ErrRateLimited is returned when a session or device has exceeded
	// its signing attempt budget.
	ErrRateLimited = errors.New("signaling: too many signing attempts")

	// ErrExchangeTimeout is returned when the SDP exchange does not
	// produce an answer within the connect timeout.
	ErrExchangeTimeout = errors.New("signaling: sdp exchange timed out")

	// ErrUnknownDevice is returned for reconnect offers naming a device
	// that is not paired.
	ErrUnknownDevice = errors.New("signaling: unknown device")

	// ErrReconnectInFlight is returned when a reconnect offer arrives
	// for a device whose previous reconnect is still being processed.
	ErrReconnectInFlight = errors.New("signaling: reconnect already in flight")
)
