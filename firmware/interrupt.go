package firmware

import (
	"fmt"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/pkg"
	"github.com/ardnew/gcpusb/pkg/trace"
)

// UsbInterface identifies which USB port an event came from.
type UsbInterface uint8

// USB ports.
const (
	// InterfaceControl is the port carrying GCP commands.
	InterfaceControl UsbInterface = iota
	// InterfaceTarget is the port facing the device under test.
	InterfaceTarget
)

// String returns the interface name.
func (i UsbInterface) String() string {
	switch i {
	case InterfaceControl:
		return "control"
	case InterfaceTarget:
		return "target"
	default:
		return fmt.Sprintf("UsbInterface(%d)", uint8(i))
	}
}

// InterruptKind distinguishes USB events from error reports.
type InterruptKind uint8

// Interrupt event kinds.
const (
	InterruptUsb InterruptKind = iota
	InterruptErrorMessage
)

// InterruptEvent is the unit passed from interrupt context to the main loop.
type InterruptEvent struct {
	Kind      InterruptKind
	Interface UsbInterface
	Event     device.UsbEvent // valid for InterruptUsb
	Message   string          // valid for InterruptErrorMessage
}

// UsbEvent returns a USB event from the given port.
func UsbEvent(iface UsbInterface, ev device.UsbEvent) InterruptEvent {
	return InterruptEvent{Kind: InterruptUsb, Interface: iface, Event: ev}
}

// ErrorMessage returns an error report.
func ErrorMessage(msg string) InterruptEvent {
	return InterruptEvent{Kind: InterruptErrorMessage, Message: msg}
}

// String returns a human-readable representation of the event.
func (e InterruptEvent) String() string {
	if e.Kind == InterruptErrorMessage {
		return fmt.Sprintf("ErrorMessage(%q)", e.Message)
	}
	return fmt.Sprintf("Usb(%s, %s)", e.Interface, e.Event)
}

// HandleInterrupt translates a controller interrupt on iface into an event
// and queues it. It runs in interrupt context: it only reads the setup
// packet, acknowledges bus resets and enqueues.
func (f *Firmware) HandleInterrupt(iface UsbInterface, irq hal.Interrupt) {
	drv := f.drv
	if iface == InterfaceTarget {
		drv = f.targetDrv
	}
	if drv == nil {
		f.DispatchEvent(ErrorMessage(fmt.Sprintf("interrupt %s on unattached %s port", irq, iface)))
		return
	}

	if irq.Endpoint == 0 {
		defer trace.Span(f.tracer, trace.ChannelB, trace.BitEndpointIs0)()
	} else if irq.Endpoint == 1 {
		defer trace.Span(f.tracer, trace.ChannelB, trace.BitEndpointIs1)()
	}

	switch irq.Source {
	case hal.SourceBusReset:
		defer trace.Span(f.tracer, trace.ChannelB, trace.BitIRQBusReset)()
		drv.BusReset()
		f.DispatchEvent(UsbEvent(iface, device.BusResetEvent()))

	case hal.SourceEndpointControl:
		defer trace.Span(f.tracer, trace.ChannelB, trace.BitIRQEPControl)()
		var buf [device.SetupPacketSize]byte
		n := drv.ReadControl(buf[:])
		var setup device.SetupPacket
		if err := device.ParseSetupPacket(buf[:n], &setup); err != nil {
			f.DispatchEvent(ErrorMessage(fmt.Sprintf("%s: %v", irq, err)))
			return
		}
		f.DispatchEvent(UsbEvent(iface, device.SetupEvent(irq.Endpoint, setup)))

	case hal.SourceEndpointIn:
		defer trace.Span(f.tracer, trace.ChannelB, trace.BitIRQEPIn)()
		f.DispatchEvent(UsbEvent(iface, device.SendCompleteEvent(irq.Endpoint)))

	case hal.SourceEndpointOut:
		defer trace.Span(f.tracer, trace.ChannelB, trace.BitIRQEPOut)()
		f.DispatchEvent(UsbEvent(iface, device.PacketEvent(irq.Endpoint)))

	default:
		pkg.LogWarn(pkg.ComponentFirmware, "unknown interrupt", "interface", iface, "irq", irq)
		f.DispatchEvent(ErrorMessage(fmt.Sprintf("unknown interrupt %s", irq)))
	}
}
