package discovery

import (
	"net"
	"sync"
)

// MockServer is an MDNSServer that records whether it was shut down.
type MockServer struct {
	mu       sync.Mutex
	shutdown bool
}

// Shutdown implements MDNSServer.
func (m *MockServer) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

// ShutdownCalled reports whether Shutdown has been invoked.
func (m *MockServer) ShutdownCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Registration captures the arguments of one Register call.
type Registration struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	TXT      []string
}

// MockServerFactory is an MDNSServerFactory that creates in-memory servers,
// allowing tests to advertise without real network I/O.
type MockServerFactory struct {
	mu            sync.Mutex
	servers       []*MockServer
	registrations []Registration

	// RegisterErr, when set, is returned by Register instead of a server.
	RegisterErr error
}

// NewMockServerFactory creates a new mock factory.
func NewMockServerFactory() *MockServerFactory {
	return &MockServerFactory{}
}

// Register implements MDNSServerFactory.
func (f *MockServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RegisterErr != nil {
		return nil, f.RegisterErr
	}

	f.registrations = append(f.registrations, Registration{
		Instance: instance,
		Service:  service,
		Domain:   domain,
		Port:     port,
		TXT:      append([]string(nil), txt...),
	})

	server := &MockServer{}
	f.servers = append(f.servers, server)
	return server, nil
}

// Last returns the most recent registration.
func (f *MockServerFactory) Last() (Registration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.registrations) == 0 {
		return Registration{}, false
	}
	return f.registrations[len(f.registrations)-1], true
}

// Servers returns all servers the factory has created.
func (f *MockServerFactory) Servers() []*MockServer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*MockServer(nil), f.servers...)
}

var (
	_ MDNSServer        = (*MockServer)(nil)
	_ MDNSServerFactory = (*MockServerFactory)(nil)
)
