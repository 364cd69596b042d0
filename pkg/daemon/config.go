package daemon

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/device"
	"github.com/ras-project/ras/pkg/discovery"
	"github.com/ras-project/ras/pkg/pairing"
	"github.com/ras-project/ras/pkg/rendezvous"
	"github.com/ras-project/ras/pkg/transport"
)

// DefaultListenAddr is the default HTTP listen address. The port matches
// discovery.DefaultPort so an advertised daemon is reachable without a port
// in the TXT record.
const DefaultListenAddr = ":7420"

// devicesFileName is the device store file inside DataDir.
const devicesFileName = "devices.json"

// Config holds all configuration for a Daemon.
type Config struct {
	// Identity - Optional
	Name string // Advertised instance name (max 32 chars, default: hostname)

	// Network
	ListenAddr      string   // HTTP listen address (default ":7420")
	UDPListenAddr   string   // UDP tunnel listen address; empty disables the UDP listener
	AnnounceAddress string   // Address announced on reconnect topics; empty autodetects
	ICEServers      []string // STUN/TURN URLs for the WebRTC transport

	// Discovery
	DisableDiscovery bool // Skip mDNS advertisement

	// Rendezvous
	NtfyBaseURL string // ntfy server (default: the public instance)

	// Storage - Required (one of the two)
	DataDir string       // Directory holding devices.json when Store is nil
	Store   device.Store // Overrides DataDir

	// Pairing - Optional (zero fields select the pairing defaults)
	Pairing pairing.Policy

	// Heartbeats - Optional
	HeartbeatInterval time.Duration // Heartbeat cadence (default: 15s)
	ReceiveTimeout    time.Duration // Activity gap before a connection is stale (default: 60s)

	// Callbacks - Optional
	OnStateChanged       func(state State)
	OnDeviceConnected    func(deviceID, deviceName string, reconnect bool)
	OnDeviceDisconnected func(deviceID string)

	// Advanced - Internal use / Testing
	TransportFactory  transport.Factory           // Overrides the WebRTC factory
	RendezvousClient  rendezvous.Client           // Overrides the ntfy client
	MDNSServerFactory discovery.MDNSServerFactory // Overrides zeroconf registration

	// LoggerFactory creates loggers for the daemon and every component it
	// owns. Defaults to the pion default factory.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store == nil && c.DataDir == "" {
		return ErrStorageRequired
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	if c.Name == "" {
		// Best effort; an unnamed daemon advertises without a name record.
		c.Name, _ = os.Hostname()
	}
	if len(c.Name) > discovery.MaxNameLength {
		c.Name = c.Name[:discovery.MaxNameLength]
	}
}

// devicesFile returns the device store path inside DataDir.
func (c *Config) devicesFile() string {
	return filepath.Join(c.DataDir, devicesFileName)
}
