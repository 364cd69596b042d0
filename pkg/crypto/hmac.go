package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// HMACSize is the HMAC-SHA256 output length in bytes.
const HMACSize = 32

// ComputeHMAC computes the HMAC-SHA256 of data under key and returns the
// 32-byte MAC.
func ComputeHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC reports whether expected matches the HMAC-SHA256 of data under
// key. The comparison is constant time over the full MAC; a mismatch returns
// false rather than an error.
func VerifyHMAC(key, data, expected []byte) bool {
	return hmac.Equal(ComputeHMAC(key, data), expected)
}

// SignalingHMAC computes the signature for a signaling HTTP request:
//
//	HMAC-SHA256(authKey, utf8(sessionID) || be64(timestamp) || body)
//
// The byte layout is protocol-defining; clients compute the identical value
// to authenticate their offer before any session state changes.
func SignalingHMAC(authKey []byte, sessionID string, timestamp int64, body []byte) []byte {
	buf := make([]byte, 0, len(sessionID)+8+len(body))
	buf = append(buf, sessionID...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	buf = append(buf, body...)
	return ComputeHMAC(authKey, buf)
}

// VerifySignalingHMAC reports whether signature matches the signaling HMAC
// for the given request parts, in constant time.
func VerifySignalingHMAC(authKey []byte, sessionID string, timestamp int64, body, signature []byte) bool {
	return hmac.Equal(SignalingHMAC(authKey, sessionID, timestamp, body), signature)
}
