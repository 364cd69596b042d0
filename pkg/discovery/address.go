package discovery

import (
	"net"
	"sort"
)

// LocalAddresses returns all non-loopback IP addresses on up interfaces.
func LocalAddresses() ([]net.IP, error) {
	var addresses []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		// Skip down or loopback interfaces
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip != nil && !ip.IsLoopback() {
				addresses = append(addresses, ip)
			}
		}
	}

	return addresses, nil
}

// SortByPreference sorts IP addresses by how likely a paired device is to
// reach them. Priority order (highest to lowest):
//  1. Private IPv4 (typical home LAN)
//  2. Carrier-grade NAT IPv4 (100.64.0.0/10, covers overlay networks)
//  3. Other IPv4
//  4. Global unicast IPv6
//  5. Unique Local IPv6 (fc00::/7)
//  6. Link-local IPv6
func SortByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	// Make a copy to avoid modifying the original slice
	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// PreferredAddress returns the best candidate address to announce for
// direct reconnection.
func PreferredAddress() (net.IP, error) {
	ips, err := LocalAddresses()
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, ErrNoAddresses
	}
	return SortByPreference(ips)[0], nil
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	// Normalize to 16-byte representation
	ip16 := ip.To16()
	if ip16 == nil {
		return 99 // Invalid
	}

	if ip.IsLoopback() {
		return 80 // Loopback - only local host
	}
	if ip.IsMulticast() {
		return 90 // Multicast - not for unicast communication
	}

	// IPv4 addresses
	if ip4 := ip16.To4(); ip4 != nil {
		switch {
		case isPrivateIPv4(ip4):
			return 0 // Home LAN - most likely dialable
		case isCGNATIPv4(ip4):
			return 1 // Overlay networks hand out this range
		default:
			return 2
		}
	}

	// IPv6 addresses
	if isUniqueLocal(ip16) {
		return 4 // ULA - organization-local
	}
	if ip.IsLinkLocalUnicast() {
		return 5 // Link-local - same link only
	}
	if ip.IsGlobalUnicast() {
		return 3 // Globally routable
	}

	return 10 // Other IPv6 addresses
}

// isPrivateIPv4 returns true for RFC 1918 addresses.
func isPrivateIPv4(ip4 net.IP) bool {
	// 10.0.0.0/8
	if ip4[0] == 10 {
		return true
	}
	// 172.16.0.0/12
	if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
		return true
	}
	// 192.168.0.0/16
	if ip4[0] == 192 && ip4[1] == 168 {
		return true
	}
	return false
}

// isCGNATIPv4 returns true for the 100.64.0.0/10 shared address range.
func isCGNATIPv4(ip4 net.IP) bool {
	return ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address (ULA).
// ULA range: fc00::/7 (fc00:: to fdff::)
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}

	// Check if first byte is in fc00::/7 range (0xfc or 0xfd)
	return ip[0] == 0xfc || ip[0] == 0xfd
}
