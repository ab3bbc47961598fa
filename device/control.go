package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/pkg"
)

// DefaultReceiveBufferSize is the host data capacity of a Control created
// without WithReceiveBufferSize.
const DefaultReceiveBufferSize = 1024

// maxPacketSize bounds a single OUT packet on the control endpoint.
const maxPacketSize = 512

// StateKind identifies a control endpoint protocol state.
type StateKind uint8

// Control protocol states.
const (
	ControlIdle StateKind = iota
	ControlSend
	ControlWaitForZlp
	ControlSetAddress
	ControlReceiveHostData
	ControlFinishHostData
	ControlComplete
	ControlStall
)

// String returns the state name.
func (k StateKind) String() string {
	switch k {
	case ControlIdle:
		return "Idle"
	case ControlSend:
		return "Send"
	case ControlWaitForZlp:
		return "WaitForZlp"
	case ControlSetAddress:
		return "SetAddress"
	case ControlReceiveHostData:
		return "ReceiveHostData"
	case ControlFinishHostData:
		return "FinishHostData"
	case ControlComplete:
		return "Complete"
	case ControlStall:
		return "Stall"
	default:
		return fmt.Sprintf("StateKind(%d)", uint8(k))
	}
}

// ControlState is the current protocol state of a control endpoint.
// Address is set in SetAddress; Setup is the originating packet in
// ReceiveHostData and FinishHostData.
type ControlState struct {
	Kind    StateKind
	Address uint8
	Setup   SetupPacket
}

// String returns a human-readable representation of the state.
func (s ControlState) String() string {
	switch s.Kind {
	case ControlSetAddress:
		return fmt.Sprintf("SetAddress(%d)", s.Address)
	case ControlReceiveHostData, ControlFinishHostData:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Setup)
	default:
		return s.Kind.String()
	}
}

// Control implements the control transfer protocol of one control
// endpoint: standard enumeration requests are answered here, and every
// other request is handed back to the caller together with any host data
// it carried.
//
// A Control is not safe for concurrent use; all events for its endpoint
// must be dispatched from one goroutine in bus order.
type Control struct {
	endpoint    uint8
	descriptors Descriptors

	state         ControlState
	configuration uint8
	configured    bool
	remoteWakeup  bool
	address       uint8

	rx       []byte
	rxPos    int
	rxTotal  int
	packet   [maxPacketSize]byte
	response [MaxDescriptorSize]byte
}

// ControlOption configures a Control.
type ControlOption func(*Control)

// WithReceiveBufferSize sets the capacity for host data.
func WithReceiveBufferSize(n int) ControlOption {
	return func(c *Control) {
		if n > 0 {
			c.rx = make([]byte, n)
		}
	}
}

// NewControl returns a Control for endpoint number ep answering descriptor
// requests from descriptors.
func NewControl(ep uint8, descriptors Descriptors, opts ...ControlOption) *Control {
	c := &Control{
		endpoint:    ep,
		descriptors: descriptors,
		state:       ControlState{Kind: ControlIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rx == nil {
		c.rx = make([]byte, DefaultReceiveBufferSize)
	}
	return c
}

// Endpoint returns the endpoint number.
func (c *Control) Endpoint() uint8 {
	return c.endpoint
}

// Descriptors returns the descriptor bundle.
func (c *Control) Descriptors() *Descriptors {
	return &c.descriptors
}

// State returns the current protocol state.
func (c *Control) State() ControlState {
	return c.state
}

// Data returns the host data received for the last host-to-device request.
// The slice is only valid until the next event is dispatched.
func (c *Control) Data() []byte {
	return c.rx[:c.rxPos]
}

// Capacity returns the host data capacity.
func (c *Control) Capacity() int {
	return len(c.rx)
}

// Configuration returns the active configuration value and whether one has
// been set.
func (c *Control) Configuration() (uint8, bool) {
	return c.configuration, c.configured
}

// RemoteWakeup reports whether the host enabled remote wakeup.
func (c *Control) RemoteWakeup() bool {
	return c.remoteWakeup
}

// DeviceState reports the USB device state implied by the requests seen.
func (c *Control) DeviceState() State {
	switch {
	case c.configured && c.configuration != 0:
		return StateConfigured
	case c.address != 0:
		return StateAddress
	default:
		return StateDefault
	}
}

func (c *Control) writeZLP(drv hal.Driver) {
	drv.Write(c.endpoint, nil)
}

func (c *Control) readZLP(drv hal.Driver) bool {
	return drv.Read(c.endpoint, c.packet[:]) == 0
}

// DispatchEvent advances the state machine with ev. It returns the setup
// packet, and true, when the request is not a standard request this
// endpoint handles or when host data for such a request has been fully
// received; the data is then available from Data.
func (c *Control) DispatchEvent(drv hal.Driver, ev UsbEvent) (SetupPacket, bool) {
	if ev.Kind == EventBusReset {
		c.state = ControlState{Kind: ControlIdle}
		c.address = 0
		c.configuration, c.configured = 0, false
		return SetupPacket{}, false
	}
	if ev.Endpoint != c.endpoint {
		c.protocolError(ev)
		return SetupPacket{}, false
	}

	switch c.state.Kind {
	case ControlIdle, ControlStall:
		switch ev.Kind {
		case EventReceiveSetupPacket:
			return c.handleSetup(drv, ev.Setup)
		case EventReceivePacket:
			if c.state.Kind == ControlIdle {
				if !c.readZLP(drv) {
					pkg.LogWarn(pkg.ComponentControl, "expected a ZLP but received data instead",
						"state", c.state)
				}
				return SetupPacket{}, false
			}
		case EventSendComplete:
			if c.state.Kind == ControlIdle {
				return SetupPacket{}, false
			}
		}

	case ControlSend:
		if ev.Kind == EventSendComplete {
			c.state = ControlState{Kind: ControlWaitForZlp}
			drv.PrimeReceive(c.endpoint)
			return SetupPacket{}, false
		}

	case ControlWaitForZlp:
		if ev.Kind == EventReceivePacket {
			if !c.readZLP(drv) {
				pkg.LogWarn(pkg.ComponentControl, "expected a ZLP but received data instead",
					"event", ev, "state", c.state)
			}
			c.state = ControlState{Kind: ControlIdle}
			return SetupPacket{}, false
		}

	case ControlSetAddress:
		if ev.Kind == EventSendComplete {
			address := c.state.Address
			c.state = ControlState{Kind: ControlIdle}
			drv.SetAddress(address)
			c.address = address
			return SetupPacket{}, false
		}

	case ControlComplete:
		if ev.Kind == EventSendComplete {
			c.state = ControlState{Kind: ControlIdle}
			return SetupPacket{}, false
		}

	case ControlReceiveHostData:
		if ev.Kind == EventReceivePacket {
			c.receiveHostData(drv, c.state.Setup)
			return SetupPacket{}, false
		}

	case ControlFinishHostData:
		if ev.Kind == EventSendComplete {
			setup := c.state.Setup
			c.state = ControlState{Kind: ControlIdle}
			if c.rxTotal != int(setup.Length) {
				pkg.LogWarn(pkg.ComponentControl, "host data length mismatch",
					"expected", setup.Length, "received", c.rxTotal)
			}
			return setup, true
		}
	}

	c.protocolError(ev)
	return SetupPacket{}, false
}

func (c *Control) protocolError(ev UsbEvent) {
	pkg.LogError(pkg.ComponentControl, "control state error",
		"event", ev, "state", c.state, "err", pkg.ErrProtocol)
	c.state = ControlState{Kind: ControlIdle}
}

func (c *Control) stallIn(drv hal.Driver) {
	c.state = ControlState{Kind: ControlStall}
	drv.StallIn(c.endpoint)
}

// handleSetup answers standard requests from Idle or Stall.
func (c *Control) handleSetup(drv hal.Driver, setup SetupPacket) (SetupPacket, bool) {
	if c.state.Kind == ControlStall {
		pkg.LogDebug(pkg.ComponentControl, "clearing stall")
		c.state = ControlState{Kind: ControlIdle}
	}
	c.rxPos, c.rxTotal = 0, 0

	dir := setup.Direction()
	if setup.Type() == RequestTypeStandard {
		switch req := setup.StandardRequest(); {
		case req == RequestGetDescriptor && dir == DirectionDeviceToHost:
			n, ok := c.descriptors.MarshalDescriptor(setup, c.response[:])
			if !ok {
				pkg.LogWarn(pkg.ComponentControl, "stall: unknown descriptor",
					"type", setup.DescriptorType(), "index", setup.DescriptorIndex())
				c.stallIn(drv)
				return SetupPacket{}, false
			}
			c.state = ControlState{Kind: ControlSend}
			drv.WriteRequested(c.endpoint, setup.Length, c.response[:n])
			return SetupPacket{}, false

		case req == RequestSetAddress && dir == DirectionHostToDevice:
			c.state = ControlState{Kind: ControlSetAddress, Address: uint8(setup.Value & 0x7F)}
			c.writeZLP(drv)
			return SetupPacket{}, false

		case req == RequestSetConfiguration && dir == DirectionHostToDevice:
			configuration := uint8(setup.Value & 0xFF)
			if configuration > 1 {
				pkg.LogWarn(pkg.ComponentControl, "stall: unknown configuration",
					"configuration", configuration)
				c.configuration, c.configured = 0, false
				c.state = ControlState{Kind: ControlStall}
				drv.StallOut(c.endpoint)
				return SetupPacket{}, false
			}
			c.configuration, c.configured = configuration, true
			c.state = ControlState{Kind: ControlComplete}
			c.writeZLP(drv)
			return SetupPacket{}, false

		case req == RequestGetConfiguration && dir == DirectionDeviceToHost:
			c.state = ControlState{Kind: ControlSend}
			drv.Write(c.endpoint, []byte{c.configuration})
			return SetupPacket{}, false

		case req == RequestGetStatus && dir == DirectionDeviceToHost:
			status := uint16(DeviceStatusSelfPowered)
			if c.remoteWakeup {
				status |= DeviceStatusRemoteWakeup
			}
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], status)
			c.state = ControlState{Kind: ControlSend}
			drv.Write(c.endpoint, buf[:])
			return SetupPacket{}, false

		case req == RequestClearFeature:
			switch recipient, feature := setup.Recipient(), setup.Feature(); {
			case recipient == RecipientEndpoint && feature == FeatureEndpointHalt:
				drv.ClearFeatureEndpointHalt(setup.EndpointAddress())
				c.state = ControlState{Kind: ControlComplete}
				c.writeZLP(drv)
			case recipient == RecipientDevice && feature == FeatureDeviceRemoteWakeup:
				c.remoteWakeup = false
				c.state = ControlState{Kind: ControlComplete}
				c.writeZLP(drv)
			default:
				pkg.LogWarn(pkg.ComponentControl, "stall: unhandled clear feature",
					"recipient", recipient, "feature", feature)
				c.stallIn(drv)
			}
			return SetupPacket{}, false

		case req == RequestSetFeature:
			switch recipient, feature := setup.Recipient(), setup.Feature(); {
			case recipient == RecipientDevice && feature == FeatureDeviceRemoteWakeup:
				c.remoteWakeup = true
				c.state = ControlState{Kind: ControlComplete}
				c.writeZLP(drv)
			default:
				pkg.LogWarn(pkg.ComponentControl, "stall: unhandled set feature",
					"recipient", recipient, "feature", feature)
				c.stallIn(drv)
			}
			return SetupPacket{}, false
		}
	}

	if dir == DirectionHostToDevice && setup.Length > 0 {
		c.state = ControlState{Kind: ControlReceiveHostData, Setup: setup}
		drv.PrimeReceive(c.endpoint)
		return SetupPacket{}, false
	}

	pkg.LogDebug(pkg.ComponentControl, "unhandled request", "setup", setup)
	c.state = ControlState{Kind: ControlIdle}
	return setup, true
}

// receiveHostData appends one OUT packet of the data stage.
func (c *Control) receiveHostData(drv hal.Driver, setup SetupPacket) {
	n := drv.Read(c.endpoint, c.packet[:])
	if n == 0 {
		pkg.LogWarn(pkg.ComponentControl, "receive early abort",
			"expected", setup.Length, "received", c.rxTotal)
		c.state = ControlState{Kind: ControlFinishHostData, Setup: setup}
		c.writeZLP(drv)
		return
	}

	c.rxTotal += n
	if room := len(c.rx) - c.rxPos; n > room {
		pkg.LogError(pkg.ComponentControl, "receive buffer overflow, truncating",
			"capacity", len(c.rx), "received", c.rxTotal, "err", pkg.ErrOverrun)
		n = room
	}
	c.rxPos += copy(c.rx[c.rxPos:], c.packet[:n])

	if c.rxTotal >= int(setup.Length) {
		c.state = ControlState{Kind: ControlFinishHostData, Setup: setup}
		c.writeZLP(drv)
		return
	}
	c.state = ControlState{Kind: ControlReceiveHostData, Setup: setup}
	drv.PrimeReceive(c.endpoint)
}
