// Package rendezvous reconnects paired devices whose daemon address has
// changed. Each paired device and its daemon share a rendezvous topic derived
// from the master secret; the device publishes an encrypted SDP offer to the
// topic, the daemon answers on the same topic, and the handshake then runs
// over the fresh transport. The topic lives on a public pub/sub service
// (ntfy), so everything on it travels inside an AES-GCM envelope under the
// device's signaling key.
package rendezvous

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ras-project/ras/pkg/crypto"
)

// Message kinds carried on a rendezvous topic.
const (
	// KindOffer is a device-published SDP offer asking for a reconnect.
	KindOffer = "offer"
	// KindAnswer is the daemon's SDP answer to an offer.
	KindAnswer = "answer"
	// KindIPChange announces a new daemon address to listening devices.
	KindIPChange = "ip_change"
)

// OfferNonceSize is the length of the anti-replay nonce inside an offer.
const OfferNonceSize = 16

// Message is the plaintext inside a rendezvous envelope: a tagged union of
// offer, answer and address announcement. Only the fields of the active kind
// are populated.
type Message struct {
	Type string `json:"type"`

	// Offer fields. Timestamp and Nonce bound the offer's validity.
	SessionID  string `json:"session_id,omitempty"`
	SDP        string `json:"sdp,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`

	// Answer fields. Capabilities is an optional daemon-side capability
	// object, for example a direct UDP listener address.
	Capabilities json.RawMessage `json:"capabilities,omitempty"`

	// Address is the announced daemon address for KindIPChange.
	Address string `json:"address,omitempty"`
}

// Seal encrypts a message under the signaling key and encodes it for the
// rendezvous channel: base64(nonce || ciphertext || tag).
func Seal(signalingKey []byte, msg *Message) ([]byte, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	envelope, err := crypto.Encrypt(signalingKey, plaintext)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(envelope)))
	base64.StdEncoding.Encode(encoded, envelope)
	return encoded, nil
}

// Open decodes and decrypts one rendezvous payload. Payloads that are not
// base64 return ErrBadEnvelope; payloads that do not decrypt under the key
// return crypto.ErrDecryptionFailed.
func Open(signalingKey []byte, payload []byte) (*Message, error) {
	envelope := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(envelope, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	plaintext, err := crypto.Decrypt(signalingKey, envelope[:n])
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return &msg, nil
}
