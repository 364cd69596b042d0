package message

import "time"

// TypeHeartbeat tags periodic liveness frames.
const TypeHeartbeat = "heartbeat"

// HeartbeatPayload is the body of a heartbeat frame.
type HeartbeatPayload struct {
	// TimestampMS is the sender's wall clock in milliseconds.
	TimestampMS int64 `json:"timestamp_ms"`

	// Seq is the sender's heartbeat counter, independent of the codec's
	// message sequence.
	Seq uint64 `json:"seq"`
}

// NewHeartbeat builds a heartbeat frame for the given counter value.
func NewHeartbeat(seq uint64) (*Message, error) {
	return New(TypeHeartbeat, HeartbeatPayload{
		TimestampMS: time.Now().UnixMilli(),
		Seq:         seq,
	})
}
