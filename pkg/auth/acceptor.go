package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"
)

// AuthenticatorResolver maps a claimed device ID to the authenticator
// holding that device's auth key.
type AuthenticatorResolver func(deviceID string) (*Authenticator, bool)

// AcceptorConfig configures an Acceptor.
type AcceptorConfig struct {
	// Resolve looks up the per-device authenticator once the responder
	// has identified itself. Required.
	Resolve AuthenticatorResolver

	// HandshakeTimeout bounds a full attempt. Zero selects the default.
	HandshakeTimeout time.Duration

	// ReceiveTimeout bounds each receive. Zero selects the default.
	ReceiveTimeout time.Duration

	// Rand overrides the nonce source for testing.
	Rand io.Reader
}

// Acceptor runs the daemon side of the handshake on listening transports
// (LAN WebSocket, UDP) where the connecting device is unknown until its
// response arrives. It issues the challenge blind, reads the claimed device
// ID out of the response, resolves that device's authenticator and lets it
// finish the verification, so rate limiting and nonce replay tracking stay
// per device.
type Acceptor struct {
	resolve          AuthenticatorResolver
	handshakeTimeout time.Duration
	receiveTimeout   time.Duration
	rand             io.Reader
}

// NewAcceptor creates an acceptor.
func NewAcceptor(config AcceptorConfig) (*Acceptor, error) {
	if config.Resolve == nil {
		return nil, errors.New("auth: resolver required")
	}
	ac := &Acceptor{
		resolve:          config.Resolve,
		handshakeTimeout: config.HandshakeTimeout,
		receiveTimeout:   config.ReceiveTimeout,
		rand:             config.Rand,
	}
	if ac.handshakeTimeout == 0 {
		ac.handshakeTimeout = DefaultHandshakeTimeout
	}
	if ac.receiveTimeout == 0 {
		ac.receiveTimeout = DefaultReceiveTimeout
	}
	if ac.rand == nil {
		ac.rand = rand.Reader
	}
	return ac, nil
}

// Run drives one accept-side handshake over the given send/recv pair. On
// refusal an error envelope is sent best-effort and the refusal returned; on
// success the authenticated device identity is returned.
func (ac *Acceptor) Run(ctx context.Context, send SendFunc, recv RecvFunc) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ac.handshakeTimeout)
	defer cancel()

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(ac.rand, nonce); err != nil {
		return nil, err
	}
	challenge, err := (&Envelope{Type: TypeChallenge, Nonce: nonce}).Encode()
	if err != nil {
		return nil, err
	}
	if err := send(challenge); err != nil {
		return nil, fmt.Errorf("auth: send challenge: %w", err)
	}

	data, err := ac.receive(ctx, recv)
	if err != nil {
		_ = send(ErrorEnvelope(err))
		return nil, err
	}

	// Peek at the claimed identity; HandleResponse re-validates the full
	// envelope against the resolved key.
	env, err := DecodeEnvelope(data)
	if err != nil {
		_ = send(ErrorEnvelope(err))
		return nil, err
	}
	if env.Type != TypeResponse {
		err = fmt.Errorf("%w: got %q, want %q", ErrProtocol, env.Type, TypeResponse)
		_ = send(ErrorEnvelope(err))
		return nil, err
	}
	if env.DeviceID == "" {
		err = fmt.Errorf("%w: response carries no device ID", ErrProtocol)
		_ = send(ErrorEnvelope(err))
		return nil, err
	}
	authenticator, ok := ac.resolve(env.DeviceID)
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownDevice, env.DeviceID)
		_ = send(ErrorEnvelope(err))
		return nil, err
	}

	hs, err := authenticator.BeginWithNonce(nonce)
	if err != nil {
		_ = send(ErrorEnvelope(err))
		return nil, err
	}
	verify, success, err := hs.HandleResponse(data)
	if err != nil {
		_ = send(ErrorEnvelope(err))
		return nil, err
	}
	if err := send(verify); err != nil {
		return nil, fmt.Errorf("auth: send verify: %w", err)
	}
	if err := send(success); err != nil {
		return nil, fmt.Errorf("auth: send success: %w", err)
	}
	return hs.Result(), nil
}

func (ac *Acceptor) receive(ctx context.Context, recv RecvFunc) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, ac.receiveTimeout)
	defer cancel()

	data, err := recv(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || rctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return data, nil
}
