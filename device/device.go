// Package device exposes the device-info collaborator boundary. Platform
// builds replace the default provider with OS-specific lookups; the core
// engines only ever see the interface.
package device

import (
	"os"
	"runtime"

	"windrop/models"
)

// InfoProvider supplies the local device identity to the engines.
type InfoProvider interface {
	CurrentDeviceInfo() models.DeviceIdentity
}

// StaticProvider returns a fixed identity, typically built from config.
type StaticProvider struct {
	Identity models.DeviceIdentity
}

// CurrentDeviceInfo implements InfoProvider.
func (p StaticProvider) CurrentDeviceInfo() models.DeviceIdentity {
	return p.Identity
}

// HostProvider derives an identity from the running host. Used as the
// fallback when no persisted identity exists yet.
type HostProvider struct {
	ID string
}

// CurrentDeviceInfo implements InfoProvider.
func (p HostProvider) CurrentDeviceInfo() models.DeviceIdentity {
	name := "Windrop Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		name = host
	}

	kind := models.DeviceKindDesktop
	switch runtime.GOOS {
	case "android", "ios":
		kind = models.DeviceKindMobile
	}

	return models.DeviceIdentity{
		ID:   p.ID,
		Name: name,
		Kind: kind,
	}
}
