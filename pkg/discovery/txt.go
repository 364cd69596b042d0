package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// TXT record keys advertised with the _ras._tcp service.
const (
	// TXTKeyVersion is the record format version key.
	TXTKeyVersion = "v"

	// TXTKeyName is the human-readable daemon name key (max 32 chars).
	TXTKeyName = "name"

	// TXTKeyTransports is the supported transports key (comma-separated).
	TXTKeyTransports = "tp"
)

// TXTVersion is the record format version written by Encode.
const TXTVersion = 1

// MaxNameLength is the maximum length of the advertised daemon name.
const MaxNameLength = 32

// Transport names used in the TXTKeyTransports record. The signaling HTTP
// surface itself is implied by the advertised port.
const (
	TransportWebSocket = "ws"
	TransportUDP       = "udp"
	TransportWebRTC    = "webrtc"
)

// TXT holds the records advertised alongside a daemon's service instance.
// Devices on the same network use them to show a daemon picker before any
// pairing or reconnect traffic flows.
type TXT struct {
	// Name is the human-readable daemon name (optional, max 32 chars).
	Name string

	// Transports lists the stream transports the daemon accepts on this
	// endpoint (optional), e.g. "ws" and "udp".
	Transports []string
}

// Encode converts the TXT record to DNS-SD format strings.
func (t *TXT) Encode() []string {
	// v is required
	txt := []string{fmt.Sprintf("%s=%d", TXTKeyVersion, TXTVersion)}

	if t.Name != "" {
		name := t.Name
		if len(name) > MaxNameLength {
			name = name[:MaxNameLength]
		}
		txt = append(txt, fmt.Sprintf("%s=%s", TXTKeyName, name))
	}

	if len(t.Transports) > 0 {
		txt = append(txt, fmt.Sprintf("%s=%s", TXTKeyTransports, strings.Join(t.Transports, ",")))
	}

	return txt
}

// Validate checks that the TXT record values are within limits.
func (t *TXT) Validate() error {
	if len(t.Name) > MaxNameLength {
		return ErrInvalidName
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			key := record[:idx]
			value := record[idx+1:]
			result[key] = value
		}
	}
	return result
}

// Parse parses raw TXT records into a TXT value. The version key must be
// present and numeric; unknown keys are ignored so newer daemons stay
// visible to older browsers.
func Parse(records []string) (*TXT, error) {
	m := ParseTXT(records)

	// v (required)
	v, ok := m[TXTKeyVersion]
	if !ok {
		return nil, ErrInvalidTXTRecord
	}
	if _, err := strconv.ParseUint(v, 10, 8); err != nil {
		return nil, ErrInvalidTXTRecord
	}

	txt := &TXT{}

	// name
	if name, ok := m[TXTKeyName]; ok {
		txt.Name = name
	}

	// tp
	if tp, ok := m[TXTKeyTransports]; ok && tp != "" {
		txt.Transports = strings.Split(tp, ",")
	}

	return txt, nil
}
