// Package crypto provides the cryptographic primitives for the ras protocol:
// master secret generation, HKDF key derivation, AES-256-GCM message
// encryption, and HMAC-SHA256 authentication.
//
// All device-scoped keys are derived from a single 32-byte master secret that
// is exchanged exactly once, at pair time, via the QR payload. Derivation uses
// HKDF-SHA256 (RFC 5869) with an empty salt and distinct info labels, which
// yields pairwise independent keys.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key sizes for the ras protocol.
const (
	// MasterSecretSize is the master secret length in bytes.
	MasterSecretSize = 32

	// DerivedKeySize is the length of every HKDF-derived key in bytes.
	DerivedKeySize = 32

	// topicHashSize is the number of SHA-256 bytes used in a rendezvous topic.
	topicHashSize = 6

	// reconnectIDSize is the number of derived bytes in a reconnect session ID.
	reconnectIDSize = 12
)

// HKDF info labels. Each label scopes a derived key to one role; changing any
// of these breaks compatibility with paired clients.
const (
	infoAuth      = "auth"
	infoEncrypt   = "encrypt"
	infoNtfy      = "ntfy"
	infoSignaling = "signaling"
	infoSession   = "session"
)

// TopicPrefix is prepended to the hashed master secret to form the rendezvous
// topic name.
const TopicPrefix = "ras-"

// Errors for key operations.
var (
	ErrBadKeyLength   = errors.New("crypto: key must be 32 bytes")
	ErrBadNonceLength = errors.New("crypto: invalid nonce length")
)

// GenerateSecret returns a fresh 32-byte master secret from the CSPRNG.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, MasterSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// DeriveKey derives a 32-byte role-scoped key from the master secret using
// HKDF-SHA256 with an empty salt. The master secret's entropy is assumed
// sufficient, so no salt is required; distinct info labels guarantee
// independent outputs.
func DeriveKey(master []byte, info string) ([]byte, error) {
	return deriveBytes(master, info, DerivedKeySize)
}

// deriveBytes runs HKDF-SHA256 over the master secret for an arbitrary output
// length.
func deriveBytes(master []byte, info string, length int) ([]byte, error) {
	if len(master) != MasterSecretSize {
		return nil, ErrBadKeyLength
	}
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveAuthKey derives the key used for challenge-response authentication
// and signaling request signatures.
func DeriveAuthKey(master []byte) ([]byte, error) {
	return DeriveKey(master, infoAuth)
}

// DeriveEncryptKey derives the key used for message envelope encryption.
func DeriveEncryptKey(master []byte) ([]byte, error) {
	return DeriveKey(master, infoEncrypt)
}

// DeriveNtfyKey derives the key used to decrypt rendezvous payloads.
func DeriveNtfyKey(master []byte) ([]byte, error) {
	return DeriveKey(master, infoNtfy)
}

// DeriveSignalingKey derives the key used for the signaling envelope on the
// rendezvous channel. It is distinct from the ntfy key.
func DeriveSignalingKey(master []byte) ([]byte, error) {
	return DeriveKey(master, infoSignaling)
}

// KeyBundle holds every key derived from one master secret. Bundles are
// computed on demand and never persisted.
type KeyBundle struct {
	AuthKey      []byte
	EncryptKey   []byte
	NtfyKey      []byte
	SignalingKey []byte
}

// Clone returns a deep copy of the bundle. Holders that outlive the source
// (which may zero its keys on teardown) must clone.
func (b *KeyBundle) Clone() *KeyBundle {
	if b == nil {
		return nil
	}
	clone := func(key []byte) []byte {
		out := make([]byte, len(key))
		copy(out, key)
		return out
	}
	return &KeyBundle{
		AuthKey:      clone(b.AuthKey),
		EncryptKey:   clone(b.EncryptKey),
		NtfyKey:      clone(b.NtfyKey),
		SignalingKey: clone(b.SignalingKey),
	}
}

// DeriveBundle derives the full key bundle for a master secret.
func DeriveBundle(master []byte) (*KeyBundle, error) {
	authKey, err := DeriveAuthKey(master)
	if err != nil {
		return nil, err
	}
	encryptKey, err := DeriveEncryptKey(master)
	if err != nil {
		return nil, err
	}
	ntfyKey, err := DeriveNtfyKey(master)
	if err != nil {
		return nil, err
	}
	signalingKey, err := DeriveSignalingKey(master)
	if err != nil {
		return nil, err
	}
	return &KeyBundle{
		AuthKey:      authKey,
		EncryptKey:   encryptKey,
		NtfyKey:      ntfyKey,
		SignalingKey: signalingKey,
	}, nil
}

// RendezvousTopic returns the deterministic rendezvous topic for a master
// secret: "ras-" followed by the lowercase hex of the first 6 bytes of
// SHA-256(master). Both sides derive the topic independently, so it is never
// transmitted.
func RendezvousTopic(master []byte) (string, error) {
	if len(master) != MasterSecretSize {
		return "", ErrBadKeyLength
	}
	sum := sha256.Sum256(master)
	return TopicPrefix + hex.EncodeToString(sum[:topicHashSize]), nil
}

// ReconnectSessionID returns the deterministic session ID used for
// reconnection signaling: the lowercase hex of the first 12 bytes of
// HKDF(master, "session"). Both sides compute it without any out-of-band
// exchange.
func ReconnectSessionID(master []byte) (string, error) {
	raw, err := deriveBytes(master, infoSession, reconnectIDSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
