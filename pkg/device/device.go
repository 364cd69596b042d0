// Package device implements the paired-device registry: a durable mapping
// from device ID to the master secret established at pair time, with
// subscription hooks so other components can track additions and removals.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/ras-project/ras/pkg/crypto"
)

// MaxIDLength is the maximum accepted device ID length.
const MaxIDLength = 64

// Registry errors.
var (
	// ErrInvalidID is returned for device IDs outside the safe character set.
	ErrInvalidID = errors.New("device: invalid device id")
	// ErrInvalidSecret is returned for master secrets of the wrong length.
	ErrInvalidSecret = errors.New("device: invalid master secret")
	// ErrNotFound is returned when a device is not in the registry.
	ErrNotFound = errors.New("device: not found")
)

// Device is a paired device record.
type Device struct {
	// ID identifies the device. Restricted to letters, digits, '-' and '_'
	// so it is safe to embed in filenames and URLs.
	ID string `json:"id"`

	// Name is the user-chosen display name.
	Name string `json:"name"`

	// MasterSecret is the 32-byte pairing secret. All device-scoped keys
	// derive from it. Never logged, never transmitted after pairing.
	MasterSecret []byte `json:"master_secret"`

	// PairedAt records when pairing completed.
	PairedAt time.Time `json:"paired_at"`

	// LastSeen records the most recent authenticated contact.
	LastSeen time.Time `json:"last_seen"`
}

// ValidateID checks that a device ID is non-empty, within length bounds and
// drawn from the safe character set. IDs are validated both at registration
// and at load time so a tampered store file cannot smuggle path elements.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %d characters exceeds maximum %d", ErrInvalidID, len(id), MaxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidID, r)
		}
	}
	return nil
}

// Validate checks the record as a whole.
func (d *Device) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if len(d.MasterSecret) != crypto.MasterSecretSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSecret, len(d.MasterSecret), crypto.MasterSecretSize)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	clone := *d
	clone.MasterSecret = bytes.Clone(d.MasterSecret)
	return &clone
}
