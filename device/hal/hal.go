package hal

import (
	"fmt"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// MaxPacketSize0 returns the control endpoint packet size used at this speed.
func (s Speed) MaxPacketSize0() int {
	switch s {
	case SpeedLow:
		return 8
	default:
		return 64
	}
}

// ParseSpeed parses a speed name as used in configuration files.
func ParseSpeed(name string) (Speed, error) {
	switch name {
	case "low":
		return SpeedLow, nil
	case "full":
		return SpeedFull, nil
	case "high":
		return SpeedHigh, nil
	default:
		return SpeedUnknown, errors.Wrapf(pkg.ErrInvalidParameter, "unknown speed %q; possible values are: low, full, high", name)
	}
}

// Source identifies which controller interrupt fired.
type Source uint8

// Interrupt sources.
const (
	SourceBusReset        Source = iota // Bus reset detected
	SourceEndpointControl               // SETUP packet received on a control endpoint
	SourceEndpointIn                    // IN transfer to the host completed
	SourceEndpointOut                   // OUT packet from the host received
)

// String returns a human-readable interrupt source name.
func (s Source) String() string {
	switch s {
	case SourceBusReset:
		return "BusReset"
	case SourceEndpointControl:
		return "EndpointControl"
	case SourceEndpointIn:
		return "EndpointIn"
	case SourceEndpointOut:
		return "EndpointOut"
	default:
		return fmt.Sprintf("Source(%d)", uint8(s))
	}
}

// Interrupt is a pending controller interrupt as seen by an interrupt handler.
type Interrupt struct {
	Source   Source
	Endpoint uint8
}

// String returns a human-readable representation of the interrupt.
func (i Interrupt) String() string {
	return fmt.Sprintf("%s(%d)", i.Source, i.Endpoint)
}

// InterruptHandler is invoked in interrupt context for every controller
// interrupt. It must not block.
type InterruptHandler func(Interrupt)

// Driver is the peripheral capability set the control stack invokes on a
// USB device controller. Every method returns immediately; none has partial
// completion visible to the caller.
type Driver interface {
	// Connect attaches the device to the bus at the given speed.
	Connect(speed Speed)
	// Disconnect detaches the device from the bus.
	Disconnect()
	// BusReset returns the controller to its post-reset state.
	BusReset()
	// EnableEvents unmasks device interrupt sources.
	EnableEvents()
	// DisableEvents masks device interrupt sources.
	DisableEvents()

	// SetAddress applies a device address assigned by the host.
	SetAddress(address uint8)

	// ReadControl reads a received SETUP packet into buf and returns the
	// number of bytes read.
	ReadControl(buf []byte) int
	// Read reads one received OUT packet on ep into buf and returns the
	// number of bytes read.
	Read(ep uint8, buf []byte) int
	// PrimeReceive readies ep to accept one OUT packet from the host.
	PrimeReceive(ep uint8)

	// Write sends data on IN endpoint ep, split into max-packet sized
	// packets. An empty data sends a zero-length packet.
	Write(ep uint8, data []byte)
	// WriteRequested sends at most requested bytes of data on ep,
	// terminating the transfer with a zero-length packet when the data
	// ends on a packet boundary short of requested.
	WriteRequested(ep uint8, requested uint16, data []byte)

	// StallIn halts IN endpoint ep.
	StallIn(ep uint8)
	// StallOut halts OUT endpoint ep.
	StallOut(ep uint8)
	// ClearFeatureEndpointHalt clears the halt condition and data toggle of
	// the endpoint with the given address (direction in bit 7).
	ClearFeatureEndpointHalt(address uint8)

	// MaxPacketSize returns the packet size used on the control endpoint.
	MaxPacketSize() int
}
