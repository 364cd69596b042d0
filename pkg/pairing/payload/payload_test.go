package payload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/ras-project/ras/pkg/crypto"
)

func TestPayloadRoundTrip(t *testing.T) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	p, err := NewSetupPayload(secret)
	if err != nil {
		t.Fatalf("NewSetupPayload() error: %v", err)
	}

	qr, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !strings.HasPrefix(qr, QRPrefix) {
		t.Fatalf("Encode() = %q, want %q prefix", qr, QRPrefix)
	}

	got, err := Parse(qr)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Version != Version {
		t.Errorf("Version = %d, want %d", got.Version, Version)
	}
	if !bytes.Equal(got.MasterSecret, secret) {
		t.Error("MasterSecret does not round-trip")
	}
}

func TestPayloadRejectsBadSecretLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		if _, err := NewSetupPayload(make([]byte, n)); !errors.Is(err, ErrInvalidSecret) {
			t.Errorf("NewSetupPayload(%d bytes) = %v, want ErrInvalidSecret", n, err)
		}
	}
}

func TestParseErrors(t *testing.T) {
	secret := make([]byte, crypto.MasterSecretSize)
	valid, err := NewSetupPayload(secret)
	if err != nil {
		t.Fatalf("NewSetupPayload() error: %v", err)
	}
	qr, err := valid.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	encode := func(raw []byte) string {
		return QRPrefix + base64.RawURLEncoding.EncodeToString(raw)
	}

	cases := []struct {
		name string
		qr   string
		want error
	}{
		{"missing prefix", qr[len(QRPrefix):], ErrInvalidPrefix},
		{"wrong prefix", "MT:" + qr[len(QRPrefix):], ErrInvalidPrefix},
		{"not base64", QRPrefix + "!!!", nil},
		{"empty body", QRPrefix, ErrTruncated},
		{"future version", encode(append([]byte{9, 32}, secret...)), ErrInvalidVersion},
		{"short secret", encode([]byte{1, 32, 0xab}), ErrTruncated},
		{"declared length mismatch", encode(append([]byte{1, 16}, secret...)), ErrInvalidSecret},
		{"trailing data", encode(append(append([]byte{1, 32}, secret...), 0xff)), ErrTrailingData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.qr)
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Parse() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPayloadDerivesTopic(t *testing.T) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	p, err := NewSetupPayload(secret)
	if err != nil {
		t.Fatalf("NewSetupPayload() error: %v", err)
	}

	topic, err := p.RendezvousTopic()
	if err != nil {
		t.Fatalf("RendezvousTopic() error: %v", err)
	}
	want, err := crypto.RendezvousTopic(secret)
	if err != nil {
		t.Fatalf("crypto.RendezvousTopic() error: %v", err)
	}
	if topic != want {
		t.Fatalf("RendezvousTopic() = %q, want %q", topic, want)
	}
}
