package rendezvous

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ras-project/ras/pkg/crypto"
)

func testSignalingKey(t *testing.T) []byte {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	bundle, err := crypto.DeriveBundle(secret)
	if err != nil {
		t.Fatalf("DeriveBundle() error: %v", err)
	}
	return bundle.SignalingKey
}

func TestSealOpenOffer(t *testing.T) {
	key := testSignalingKey(t)
	offer := &Message{
		Type:       KindOffer,
		SessionID:  "a1b2c3",
		SDP:        "v=0\r\ns=offer\r\n",
		DeviceID:   "phone-1",
		DeviceName: "Alice",
		Timestamp:  1700000000,
		Nonce:      bytes.Repeat([]byte{0x42}, OfferNonceSize),
	}

	sealed, err := Seal(key, offer)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got.Type != KindOffer || got.SessionID != offer.SessionID || got.SDP != offer.SDP {
		t.Errorf("Open() = %+v, want %+v", got, offer)
	}
	if got.DeviceID != "phone-1" || got.DeviceName != "Alice" || got.Timestamp != 1700000000 {
		t.Errorf("offer identity fields lost: %+v", got)
	}
	if !bytes.Equal(got.Nonce, offer.Nonce) {
		t.Errorf("nonce = %x, want %x", got.Nonce, offer.Nonce)
	}
}

func TestSealOpenAnswerCapabilities(t *testing.T) {
	key := testSignalingKey(t)
	caps, _ := json.Marshal(map[string]string{"udp_addr": "100.64.0.7:7777"})
	sealed, err := Seal(key, &Message{Type: KindAnswer, SDP: "v=0\r\n", Capabilities: caps})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(got.Capabilities, &decoded); err != nil {
		t.Fatalf("capabilities not JSON: %v", err)
	}
	if decoded["udp_addr"] != "100.64.0.7:7777" {
		t.Errorf("capabilities = %v", decoded)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	key := testSignalingKey(t)

	if _, err := Open(key, []byte("!!! not base64 !!!")); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("non-base64 payload error = %v, want ErrBadEnvelope", err)
	}

	sealed, err := Seal(key, &Message{Type: KindOffer, SDP: "x"})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	otherKey := testSignalingKey(t)
	if _, err := Open(otherKey, sealed); !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Errorf("wrong-key error = %v, want crypto.ErrDecryptionFailed", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)/2] ^= 0x01
	if _, err := Open(key, tampered); err == nil {
		t.Error("tampered envelope opened")
	}
}

func TestOpenRequiresType(t *testing.T) {
	key := testSignalingKey(t)
	sealed, err := Seal(key, &Message{})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if _, err := Open(key, sealed); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("untyped message error = %v, want ErrBadEnvelope", err)
	}
}
