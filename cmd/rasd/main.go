// rasd is the remote access daemon.
//
// It pairs phones through QR codes, accepts their encrypted control
// connections over WebRTC, WebSocket, or UDP, and listens on the encrypted
// rendezvous channel so paired devices can reconnect from outside the local
// network.
//
// Usage:
//
//	rasd [options]
//
// Options:
//
//	-name      Advertised daemon name (default: hostname)
//	-listen    HTTP listen address (default: ":7420")
//	-udp       UDP tunnel listen address (default: disabled)
//	-announce  Address announced for reconnects (default: autodetect)
//	-ice       Comma-separated STUN/TURN URLs
//	-ntfy      Rendezvous server base URL (default: public instance)
//	-data      State directory (default: user config dir + "/ras")
//	-no-mdns   Disable mDNS advertisement
//	-verbose   Debug logging
//
// Example:
//
//	rasd -name office-mac -udp :7421
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pion/logging"

	"github.com/ras-project/ras/pkg/daemon"
)

func main() {
	config, verbose := parseFlags()

	if config.DataDir != "" {
		if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
			log.Fatalf("Failed to create state directory: %v", err)
		}
	}
	if verbose {
		factory := logging.NewDefaultLoggerFactory()
		factory.DefaultLogLevel = logging.LogLevelDebug
		config.LoggerFactory = factory
	}

	// Log lifecycle events for visibility
	config.OnStateChanged = func(state daemon.State) {
		log.Printf("State changed: %s", state)
	}
	config.OnDeviceConnected = func(deviceID, deviceName string, reconnect bool) {
		verb := "connected"
		if reconnect {
			verb = "reconnected"
		}
		log.Printf("Device %s: %s (%s)", verb, deviceName, deviceID)
	}
	config.OnDeviceDisconnected = func(deviceID string) {
		log.Printf("Device disconnected: %s", deviceID)
	}

	d, err := daemon.New(config)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	if err := run(d); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
}

// parseFlags builds the daemon configuration from the command line.
func parseFlags() (daemon.Config, bool) {
	var (
		config  daemon.Config
		ice     string
		verbose bool
	)

	flag.StringVar(&config.Name, "name", "", "Advertised daemon name (default: hostname)")
	flag.StringVar(&config.ListenAddr, "listen", daemon.DefaultListenAddr, "HTTP listen address")
	flag.StringVar(&config.UDPListenAddr, "udp", "", "UDP tunnel listen address (empty = disabled)")
	flag.StringVar(&config.AnnounceAddress, "announce", "", "Address announced for reconnects (empty = autodetect)")
	flag.StringVar(&ice, "ice", "", "Comma-separated STUN/TURN URLs")
	flag.StringVar(&config.NtfyBaseURL, "ntfy", "", "Rendezvous server base URL (empty = public instance)")
	flag.StringVar(&config.DataDir, "data", defaultDataDir(), "State directory")
	flag.BoolVar(&config.DisableDiscovery, "no-mdns", false, "Disable mDNS advertisement")
	flag.BoolVar(&verbose, "verbose", false, "Debug logging")
	flag.Parse()

	for _, url := range strings.Split(ice, ",") {
		if url = strings.TrimSpace(url); url != "" {
			config.ICEServers = append(config.ICEServers, url)
		}
	}
	return config, verbose
}

// defaultDataDir places daemon state under the user's config directory.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".ras"
	}
	return filepath.Join(base, "ras")
}

// run starts the daemon and blocks until interrupted.
func run(d *daemon.Daemon) error {
	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	printStartupInfo(d)

	// Wait for context cancellation (signal)
	<-ctx.Done()

	log.Println("Shutting down...")
	if err := d.Stop(); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	return nil
}

// printStartupInfo prints the daemon's reachable surface to the console.
func printStartupInfo(d *daemon.Daemon) {
	fmt.Println("\n========================================")
	fmt.Println("        Remote Access Daemon")
	fmt.Println("========================================")
	fmt.Printf("HTTP:           %s\n", d.BoundAddr())
	if addr := d.UDPAddr(); addr != nil {
		fmt.Printf("UDP:            %s\n", addr)
	}
	fmt.Printf("Paired devices: %d\n", len(d.Devices().All()))
	fmt.Println("----------------------------------------")
	fmt.Printf("Pair a device:  POST http://%s/api/pair\n", d.BoundAddr())
	fmt.Println("========================================")
}
