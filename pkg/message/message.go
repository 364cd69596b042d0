// Package message implements the encrypted message framing for the ras
// protocol.
//
// Every application message travels as one AES-256-GCM envelope per transport
// datagram or data-channel message. Inside the envelope is a small JSON
// document carrying a type tag, a per-connection sequence number, a unix
// timestamp, and a schema-free payload. The codec assigns sequence numbers
// and timestamps on encode and enforces freshness and replay protection on
// decode.
package message

import "encoding/json"

// Message is the plaintext carried inside an encrypted envelope.
type Message struct {
	// Type is a short string identifying the payload schema. The core
	// routes on it; payload schemas belong to the host application.
	Type string `json:"type"`

	// Seq is the per-connection sequence number. Zero means "assign on
	// encode"; the codec fills in the next outbound sequence.
	Seq uint64 `json:"seq"`

	// Timestamp is seconds since the Unix epoch. Zero means "assign on
	// encode".
	Timestamp int64 `json:"timestamp"`

	// Payload is the type-specific body. May be empty.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message with the payload marshaled to JSON. Seq and Timestamp
// are left zero for the codec to assign.
func New(msgType string, payload any) (*Message, error) {
	m := &Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = raw
	}
	return m, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
