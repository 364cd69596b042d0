package auth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type tags.
const (
	TypeChallenge = "challenge"
	TypeResponse  = "response"
	TypeVerify    = "verify"
	TypeSuccess   = "success"
	TypeError     = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeInvalidHMAC   = "invalid_hmac"
	CodeInvalidNonce  = "invalid_nonce"
	CodeProtocol      = "protocol_error"
	CodeTimeout       = "timeout"
	CodeRateLimited   = "rate_limited"
	CodeUnknownDevice = "unknown_device"
)

// Envelope is the handshake wire format. Exactly one variant is populated,
// selected by Type:
//
//	challenge: Nonce
//	response:  HMAC, Nonce, DeviceID, DeviceName
//	verify:    HMAC
//	success:   DeviceID
//	error:     Code, Message
//
// Handshake envelopes travel over the still-unauthenticated transport; they
// carry HMAC proofs, not secrets, and are not themselves encrypted.
type Envelope struct {
	Type       string `json:"type"`
	Nonce      []byte `json:"nonce,omitempty"`
	HMAC       []byte `json:"hmac,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a handshake envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing envelope type", ErrProtocol)
	}
	return &e, nil
}

// errorCode maps a handshake error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHMAC):
		return CodeInvalidHMAC
	case errors.Is(err, ErrInvalidNonce):
		return CodeInvalidNonce
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnknownDevice):
		return CodeUnknownDevice
	default:
		return CodeProtocol
	}
}

// codeError maps a wire code to the local error it represents.
func codeError(code string) error {
	switch code {
	case CodeInvalidHMAC:
		return ErrInvalidHMAC
	case CodeInvalidNonce:
		return ErrInvalidNonce
	case CodeTimeout:
		return ErrTimeout
	case CodeRateLimited:
		return ErrRateLimited
	case CodeUnknownDevice:
		return ErrUnknownDevice
	default:
		return ErrProtocol
	}
}
