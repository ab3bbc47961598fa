package device

import "fmt"

// Fixed limits for descriptor tables.
const (
	// MaxStrings is the maximum number of string descriptors per device,
	// excluding the language table at index 0.
	MaxStrings = 16

	// MaxInterfacesPerConfiguration is the maximum number of interfaces in
	// the configuration.
	MaxInterfacesPerConfiguration = 8

	// MaxEndpointsPerInterface is the maximum number of endpoints per interface.
	MaxEndpointsPerInterface = 16
)

// Device states as defined in USB 2.0 specification section 9.1.
const (
	StateDetached   State = 0 // Not attached to a host
	StateDefault    State = 1 // Reset, responding at address 0
	StateAddress    State = 2 // Assigned a unique address
	StateConfigured State = 3 // Configured and operational
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Device status bits returned by GET_STATUS.
const (
	DeviceStatusSelfPowered  = 0x01
	DeviceStatusRemoteWakeup = 0x02
)
