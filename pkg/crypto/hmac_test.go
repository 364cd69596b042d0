package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"
)

func TestComputeHMACVector(t *testing.T) {
	key, err := hex.DecodeString(testMaster)
	if err != nil {
		t.Fatalf("failed to decode key: %v", err)
	}
	message, err := hex.DecodeString(strings.Repeat("fedcba9876543210", 4))
	if err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	expected, err := hex.DecodeString("fc620ba9fee2a44f2ea7a4cdf04348f2fa7299feb84ea028c48f80bba0bdddb0")
	if err != nil {
		t.Fatalf("failed to decode expected MAC: %v", err)
	}

	mac := ComputeHMAC(key, message)
	if !bytes.Equal(mac, expected) {
		t.Errorf("HMAC mismatch\ngot:  %x\nwant: %x", mac, expected)
	}
}

func TestVerifyHMAC(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	data := []byte("authenticate me")

	mac := ComputeHMAC(key, data)
	if len(mac) != HMACSize {
		t.Fatalf("MAC length = %d, want %d", len(mac), HMACSize)
	}

	if !VerifyHMAC(key, data, mac) {
		t.Error("VerifyHMAC rejected a valid MAC")
	}

	// Mismatch returns false, never panics or errors.
	bad := make([]byte, len(mac))
	copy(bad, mac)
	bad[0] ^= 0xff
	if VerifyHMAC(key, data, bad) {
		t.Error("VerifyHMAC accepted a corrupted MAC")
	}

	if VerifyHMAC(key, data, mac[:16]) {
		t.Error("VerifyHMAC accepted a truncated MAC")
	}

	if VerifyHMAC([]byte("another key another key another!"), data, mac) {
		t.Error("VerifyHMAC accepted a MAC under the wrong key")
	}
}

func TestSignalingHMACLayout(t *testing.T) {
	authKey := []byte("0123456789abcdef0123456789abcdef")
	sessionID := "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	timestamp := int64(1700000000)
	body := []byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n")

	// The signature is defined as HMAC over the exact concatenation
	// utf8(session_id) || be64(timestamp) || body.
	var buf bytes.Buffer
	buf.WriteString(sessionID)
	binary.Write(&buf, binary.BigEndian, uint64(timestamp))
	buf.Write(body)
	expected := ComputeHMAC(authKey, buf.Bytes())

	got := SignalingHMAC(authKey, sessionID, timestamp, body)
	if !bytes.Equal(got, expected) {
		t.Errorf("SignalingHMAC layout mismatch\ngot:  %x\nwant: %x", got, expected)
	}

	if !VerifySignalingHMAC(authKey, sessionID, timestamp, body, got) {
		t.Error("VerifySignalingHMAC rejected a valid signature")
	}

	// Any component change must invalidate the signature.
	if VerifySignalingHMAC(authKey, sessionID, timestamp+1, body, got) {
		t.Error("signature still valid after timestamp change")
	}
	if VerifySignalingHMAC(authKey, "other-session", timestamp, body, got) {
		t.Error("signature still valid after session ID change")
	}
	if VerifySignalingHMAC(authKey, sessionID, timestamp, []byte("tampered"), got) {
		t.Error("signature still valid after body change")
	}
}
