package models

// DeviceKind classifies the hardware a device identity belongs to.
type DeviceKind int

const (
	DeviceKindUnknown DeviceKind = iota
	DeviceKindMobile
	DeviceKindTablet
	DeviceKindDesktop
	DeviceKindLaptop
)

// String returns a display label for the device kind.
func (k DeviceKind) String() string {
	switch k {
	case DeviceKindMobile:
		return "mobile"
	case DeviceKindTablet:
		return "tablet"
	case DeviceKindDesktop:
		return "desktop"
	case DeviceKindLaptop:
		return "laptop"
	default:
		return "unknown"
	}
}

// DeviceIdentity is the stable per-install identity broadcast during
// discovery and shown to remote users. Immutable after creation.
type DeviceIdentity struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         DeviceKind `json:"type"`
	Model        string     `json:"model,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
}

// DisplayName prefers the hardware model for desktop-class devices.
func (d DeviceIdentity) DisplayName() string {
	switch d.Kind {
	case DeviceKindDesktop, DeviceKindLaptop:
		if d.Model != "" {
			return d.Model
		}
	}
	return d.Name
}
