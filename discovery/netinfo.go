package discovery

import (
	"fmt"
	"net"
)

// InterfaceProvider enumerates local addresses usable for discovery.
// Platform shims replace the default on systems where plain interface
// enumeration is restricted.
type InterfaceProvider interface {
	LocalIPv4Addresses() ([]net.IP, error)
}

// SystemInterfaces is the default InterfaceProvider backed by the OS
// interface table.
type SystemInterfaces struct{}

// LocalIPv4Addresses returns the IPv4 unicast addresses of every up,
// non-loopback interface.
func (SystemInterfaces) LocalIPv4Addresses() ([]net.IP, error) {
	ifaces, err := multicastInterfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				out = append(out, ip)
			}
		}
	}
	return out, nil
}

// multicastInterfaces lists up, non-loopback interfaces.
func multicastInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}
