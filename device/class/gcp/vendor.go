package gcp

import "fmt"

// VendorRequest is a bRequest code of a vendor control request.
type VendorRequest uint8

// Vendor request codes.
const (
	// RequestCommand carries a GCP command phase; wValue selects the phase.
	RequestCommand VendorRequest = 0x65

	// RequestClaimInterface releases the control port to the on-board
	// debugger. Only valid with an interface recipient.
	RequestClaimInterface VendorRequest = 0xF0
)

// String returns the request name.
func (r VendorRequest) String() string {
	switch r {
	case RequestCommand:
		return "Command"
	case RequestClaimInterface:
		return "ClaimInterface"
	default:
		return fmt.Sprintf("VendorRequest(0x%02X)", uint8(r))
	}
}

// VendorValue is the wValue of a RequestCommand.
type VendorValue uint16

// Command phase selectors.
const (
	ValueExecute VendorValue = 0x0000
	ValueCancel  VendorValue = 0xDEAD
)

// String returns the value name.
func (v VendorValue) String() string {
	switch v {
	case ValueExecute:
		return "Execute"
	case ValueCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("VendorValue(0x%04X)", uint16(v))
	}
}

// DefaultLegacyRequests are vendor request codes older host tools send
// while scanning for boards. They are answered with an IN stall only.
var DefaultLegacyRequests = []uint8{0x04}
