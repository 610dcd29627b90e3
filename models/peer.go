package models

import (
	"net"
	"time"
)

// DiscoveredPeer is a device sighted on the local network segment.
// Ephemeral; a repeated sighting overwrites the previous one.
type DiscoveredPeer struct {
	Identity DeviceIdentity
	Addr     *net.UDPAddr
	LastSeen time.Time
}
