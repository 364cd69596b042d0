package message

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ras-project/ras/pkg/crypto"
)

// DefaultMaxAge is the default freshness bound for received messages.
const DefaultMaxAge = 60 * time.Second

// CodecConfig configures a Codec.
type CodecConfig struct {
	// Key is the 32-byte encryption key for this channel.
	Key []byte

	// MaxAge bounds the allowed clock difference between a message's
	// timestamp and local time. Zero selects DefaultMaxAge.
	MaxAge time.Duration

	// WindowSize is the replay window width in sequence numbers.
	// Zero selects DefaultWindowSize.
	WindowSize int
}

// Codec encrypts outbound messages and authenticates, decrypts and
// replay-checks inbound ones. Each connection gets its own Codec so that
// sequence numbering and the replay window are scoped per channel.
//
// It is safe for concurrent use.
type Codec struct {
	key    []byte
	maxAge time.Duration
	window *ReplayWindow

	seq *sequence
}

// NewCodec creates a Codec for the given channel key.
func NewCodec(config CodecConfig) (*Codec, error) {
	if len(config.Key) != crypto.DerivedKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(config.Key), crypto.DerivedKeySize)
	}
	maxAge := config.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	key := make([]byte, len(config.Key))
	copy(key, config.Key)
	return &Codec{
		key:    key,
		maxAge: maxAge,
		window: NewReplayWindow(config.WindowSize),
		seq:    &sequence{},
	}, nil
}

// Encode serializes and encrypts a message, producing a wire envelope.
// A zero Seq is replaced with the next outbound sequence number and a zero
// Timestamp with the current time; non-zero values are kept as-is.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg.Seq == 0 {
		msg.Seq = c.seq.next()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	envelope, err := crypto.Encrypt(c.key, plaintext)
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

// Decode authenticates, decrypts and validates a wire envelope.
//
// Checks run in a fixed order: decryption, JSON structure, timestamp
// freshness, then replay. The first failure wins, so a replayed envelope
// that has also gone stale reports ErrExpired rather than a replay error.
func (c *Codec) Decode(envelope []byte) (*Message, error) {
	plaintext, err := crypto.Decrypt(c.key, envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrFormat)
	}

	age := time.Since(time.Unix(msg.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > c.maxAge {
		return nil, fmt.Errorf("%w: message timestamp %d outside ±%s", ErrExpired, msg.Timestamp, c.maxAge)
	}

	if err := c.window.Check(msg.Seq); err != nil {
		return nil, err
	}
	return &msg, nil
}

// sequence hands out strictly increasing outbound sequence numbers,
// starting at 1.
type sequence struct {
	mu sync.Mutex
	n  uint64
}

func (s *sequence) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}
