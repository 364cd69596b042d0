package discovery

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Service is the DNS-SD service type daemons advertise on the local network.
const Service = "_ras._tcp"

// DefaultDomain is the default mDNS domain.
const DefaultDomain = "local."

// DefaultPort is the default signaling port.
const DefaultPort = 7420

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// InstanceName overrides the advertised instance name. If empty, a
	// random name is generated each time advertising starts.
	InstanceName string

	// Port is the signaling port to advertise (default: 7420).
	Port int

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes the daemon's _ras._tcp service to the local network.
type Advertiser struct {
	config  AdvertiserConfig
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu       sync.RWMutex
	server   MDNSServer
	instance string
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = DefaultPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	a := &Advertiser{
		config:  config,
		factory: factory,
	}

	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}

	return a, nil
}

// Start begins advertising the daemon on the local network.
func (a *Advertiser) Start(txt TXT) error {
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: txt validation failed: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}

	instance := a.config.InstanceName
	if instance == "" {
		var err error
		instance, err = generateRandomInstanceName()
		if err != nil {
			return fmt.Errorf("advertiser: failed to generate instance name: %w", err)
		}
	}

	txtRecords := txt.Encode()
	if a.log != nil {
		a.log.Debugf("Registering mDNS service: instance=%s service=%s domain=%s port=%d",
			instance, Service, DefaultDomain, a.config.Port)
		a.log.Tracef("TXT records: %v", txtRecords)
	}

	server, err := a.factory.Register(
		instance,
		Service,
		DefaultDomain,
		a.config.Port,
		txtRecords,
		a.config.Interfaces,
	)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed: %w", err)
	}

	if a.log != nil {
		a.log.Infof("Advertising %s as %q on port %d", Service, instance, a.config.Port)
	}

	a.server = server
	a.instance = instance

	return nil
}

// Stop stops advertising. The advertiser can be started again afterwards.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.server == nil {
		return ErrNotStarted
	}

	a.server.Shutdown()
	a.server = nil
	a.instance = ""

	return nil
}

// Close stops advertising and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.instance = ""
	a.closed = true

	return nil
}

// IsAdvertising returns true if the service is currently registered.
func (a *Advertiser) IsAdvertising() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.server != nil
}

// InstanceName returns the advertised instance name.
// Returns empty string if the advertiser is not running.
func (a *Advertiser) InstanceName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.instance
}

// generateRandomInstanceName generates a random 64-bit instance name.
// Format: 16 uppercase hex characters. A fresh name per advertising session
// keeps long-lived daemons from being tracked across networks.
func generateRandomInstanceName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016X", binary.BigEndian.Uint64(buf[:])), nil
}
