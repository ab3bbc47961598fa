package device

import "fmt"

// EventKind identifies a USB bus event.
type EventKind uint8

// USB event kinds.
const (
	EventBusReset           EventKind = iota // Bus reset
	EventReceiveSetupPacket                  // SETUP packet received
	EventReceivePacket                       // OUT data packet received
	EventSendComplete                        // IN transfer completed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventBusReset:
		return "BusReset"
	case EventReceiveSetupPacket:
		return "ReceiveSetupPacket"
	case EventReceivePacket:
		return "ReceivePacket"
	case EventSendComplete:
		return "SendComplete"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// UsbEvent is a USB bus event. It carries no payload; packet data is read
// from the controller when the event is handled.
type UsbEvent struct {
	Kind     EventKind
	Endpoint uint8
	Setup    SetupPacket // valid for EventReceiveSetupPacket
}

// BusResetEvent returns a bus reset event.
func BusResetEvent() UsbEvent {
	return UsbEvent{Kind: EventBusReset}
}

// SetupEvent returns a setup-packet-received event.
func SetupEvent(ep uint8, setup SetupPacket) UsbEvent {
	return UsbEvent{Kind: EventReceiveSetupPacket, Endpoint: ep, Setup: setup}
}

// PacketEvent returns a data-packet-received event.
func PacketEvent(ep uint8) UsbEvent {
	return UsbEvent{Kind: EventReceivePacket, Endpoint: ep}
}

// SendCompleteEvent returns a send-complete event.
func SendCompleteEvent(ep uint8) UsbEvent {
	return UsbEvent{Kind: EventSendComplete, Endpoint: ep}
}

// String returns a human-readable representation of the event.
func (e UsbEvent) String() string {
	switch e.Kind {
	case EventBusReset:
		return "BusReset"
	case EventReceiveSetupPacket:
		return fmt.Sprintf("ReceiveSetupPacket(%d, %s)", e.Endpoint, e.Setup)
	default:
		return fmt.Sprintf("%s(%d)", e.Kind, e.Endpoint)
	}
}
