// Package payload encodes and decodes the QR pairing payload.
//
// The QR code carries exactly one secret: the 32-byte master secret, plus a
// format version. Everything else a client needs — auth and encryption keys,
// the rendezvous topic, the reconnect session ID — is derived from the
// secret, so transmitting it would only widen the attack surface.
package payload

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ras-project/ras/pkg/crypto"
)

// QRPrefix starts every ras QR payload.
const QRPrefix = "RAS:"

// Version is the current QR payload format version.
const Version = 1

// Parsing errors.
var (
	ErrInvalidPrefix  = errors.New("payload: invalid prefix (expected RAS:)")
	ErrInvalidVersion = errors.New("payload: unsupported version")
	ErrTruncated      = errors.New("payload: truncated")
	ErrTrailingData   = errors.New("payload: trailing data")
	ErrInvalidSecret  = errors.New("payload: invalid master secret")
)

// SetupPayload is the decoded QR payload.
type SetupPayload struct {
	// Version is the payload format version.
	Version uint8

	// MasterSecret is the 32-byte pairing secret.
	MasterSecret []byte
}

// NewSetupPayload builds a payload around a master secret.
func NewSetupPayload(masterSecret []byte) (*SetupPayload, error) {
	if len(masterSecret) != crypto.MasterSecretSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d",
			ErrInvalidSecret, len(masterSecret), crypto.MasterSecretSize)
	}
	return &SetupPayload{Version: Version, MasterSecret: masterSecret}, nil
}

// Encode renders the payload as the QR string:
//
//	"RAS:" || base64url( version(1) || uvarint(len) || master_secret )
func (p *SetupPayload) Encode() (string, error) {
	if len(p.MasterSecret) != crypto.MasterSecretSize {
		return "", fmt.Errorf("%w: got %d bytes, want %d",
			ErrInvalidSecret, len(p.MasterSecret), crypto.MasterSecretSize)
	}

	raw := make([]byte, 0, 2+len(p.MasterSecret))
	raw = append(raw, p.Version)
	raw = binary.AppendUvarint(raw, uint64(len(p.MasterSecret)))
	raw = append(raw, p.MasterSecret...)
	return QRPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Parse decodes a QR string produced by Encode.
func Parse(qr string) (*SetupPayload, error) {
	if !strings.HasPrefix(qr, QRPrefix) {
		return nil, ErrInvalidPrefix
	}
	raw, err := base64.RawURLEncoding.DecodeString(qr[len(QRPrefix):])
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if len(raw) < 2 {
		return nil, ErrTruncated
	}

	version := raw[0]
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	secretLen, n := binary.Uvarint(raw[1:])
	if n <= 0 {
		return nil, ErrTruncated
	}
	rest := raw[1+n:]
	if secretLen != crypto.MasterSecretSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSecret, secretLen)
	}
	if uint64(len(rest)) < secretLen {
		return nil, ErrTruncated
	}
	if uint64(len(rest)) > secretLen {
		return nil, ErrTrailingData
	}

	secret := make([]byte, secretLen)
	copy(secret, rest)
	return &SetupPayload{Version: version, MasterSecret: secret}, nil
}

// RendezvousTopic returns the topic both sides derive from the secret.
func (p *SetupPayload) RendezvousTopic() (string, error) {
	return crypto.RendezvousTopic(p.MasterSecret)
}
