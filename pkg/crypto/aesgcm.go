// AES-256-GCM message envelopes for the ras protocol.
//
// Every encrypted message on the wire is a single envelope:
//
//	nonce (12) || ciphertext || tag (16)
//
// with a fresh CSPRNG nonce per call. There is no framing outside the
// envelope; each transport datagram or data-channel message carries exactly
// one envelope.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

// Envelope layout constants.
const (
	// NonceSize is the AES-GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// MinEnvelopeSize is the smallest valid envelope: a nonce and a tag
	// around an empty plaintext.
	MinEnvelopeSize = NonceSize + TagSize
)

// ErrDecryptionFailed is returned for every decryption failure: short input,
// wrong key length, or tag mismatch. The error deliberately carries no detail
// about which check failed.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// Encrypt seals plaintext under a 32-byte key and returns the envelope
// nonce || ciphertext || tag. The nonce is drawn from the CSPRNG, so two
// calls with identical inputs produce distinct envelopes.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Seal appends ciphertext||tag to the nonce slice.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt. Any failure, including a
// short envelope or a wrong-length key, surfaces as ErrDecryptionFailed.
func Decrypt(key, envelope []byte) ([]byte, error) {
	if len(envelope) < MinEnvelopeSize {
		return nil, ErrDecryptionFailed
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	nonce := envelope[:NonceSize]
	plaintext, err := aead.Open(nil, nonce, envelope[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// newGCM builds the AES-256-GCM AEAD for a 32-byte key.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != DerivedKeySize {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
