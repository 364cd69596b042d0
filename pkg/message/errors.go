package message

import "errors"

// Message layer errors.
var (
	// ErrDecrypt indicates the envelope failed authenticated decryption.
	ErrDecrypt = errors.New("message: decryption failed")

	// ErrFormat indicates the decrypted plaintext is not a valid message.
	ErrFormat = errors.New("message: malformed plaintext")

	// ErrExpired indicates the message timestamp is outside the accepted age.
	ErrExpired = errors.New("message: timestamp outside max age")

	// ErrTooOld indicates the sequence number is below the replay window.
	ErrTooOld = errors.New("message: sequence below replay window")

	// ErrDuplicate indicates the sequence number was already accepted.
	ErrDuplicate = errors.New("message: duplicate sequence")

	// ErrInvalidKey indicates the codec was built with a bad encryption key.
	ErrInvalidKey = errors.New("message: invalid encryption key")
)
