package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/gcpusb/pkg"
)

// Request is a standard request code (USB 2.0 Spec Table 9-4).
type Request uint8

// Standard request codes.
const (
	RequestGetStatus        Request = 0x00
	RequestClearFeature     Request = 0x01
	RequestSetFeature       Request = 0x03
	RequestSetAddress       Request = 0x05
	RequestGetDescriptor    Request = 0x06
	RequestSetDescriptor    Request = 0x07
	RequestGetConfiguration Request = 0x08
	RequestSetConfiguration Request = 0x09
	RequestGetInterface     Request = 0x0A
	RequestSetInterface     Request = 0x0B
	RequestSynchFrame       Request = 0x0C
)

// String returns the request name.
func (r Request) String() string {
	switch r {
	case RequestGetStatus:
		return "GetStatus"
	case RequestClearFeature:
		return "ClearFeature"
	case RequestSetFeature:
		return "SetFeature"
	case RequestSetAddress:
		return "SetAddress"
	case RequestGetDescriptor:
		return "GetDescriptor"
	case RequestSetDescriptor:
		return "SetDescriptor"
	case RequestGetConfiguration:
		return "GetConfiguration"
	case RequestSetConfiguration:
		return "SetConfiguration"
	case RequestGetInterface:
		return "GetInterface"
	case RequestSetInterface:
		return "SetInterface"
	case RequestSynchFrame:
		return "SynchFrame"
	default:
		return fmt.Sprintf("Request(0x%02X)", uint8(r))
	}
}

// Feature is a feature selector (USB 2.0 Spec Table 9-6).
type Feature uint16

// Feature selectors.
const (
	FeatureEndpointHalt       Feature = 0x00
	FeatureDeviceRemoteWakeup Feature = 0x01
	FeatureTestMode           Feature = 0x02
)

// String returns the feature name.
func (f Feature) String() string {
	switch f {
	case FeatureEndpointHalt:
		return "EndpointHalt"
	case FeatureDeviceRemoteWakeup:
		return "DeviceRemoteWakeup"
	case FeatureTestMode:
		return "TestMode"
	default:
		return fmt.Sprintf("Feature(%d)", uint16(f))
	}
}

// bmRequestType field masks (USB 2.0 Spec Table 9-2).
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F
)

// Direction is the data stage direction of a control transfer.
type Direction uint8

// Direction values, as encoded in bmRequestType.
const (
	DirectionHostToDevice Direction = 0x00
	DirectionDeviceToHost Direction = 0x80
)

// String returns "OUT" or "IN".
func (d Direction) String() string {
	if d == DirectionDeviceToHost {
		return "IN"
	}
	return "OUT"
}

// RequestType is the request class: standard, class, or vendor.
type RequestType uint8

// Request type values, as encoded in bmRequestType.
const (
	RequestTypeStandard RequestType = 0x00
	RequestTypeClass    RequestType = 0x20
	RequestTypeVendor   RequestType = 0x40
	RequestTypeReserved RequestType = 0x60
)

// String returns the request type name.
func (t RequestType) String() string {
	switch t {
	case RequestTypeStandard:
		return "Standard"
	case RequestTypeClass:
		return "Class"
	case RequestTypeVendor:
		return "Vendor"
	default:
		return "Reserved"
	}
}

// Recipient is the target of a request.
type Recipient uint8

// Recipient values, as encoded in bmRequestType.
const (
	RecipientDevice    Recipient = 0x00
	RecipientInterface Recipient = 0x01
	RecipientEndpoint  Recipient = 0x02
	RecipientOther     Recipient = 0x03
)

// String returns the recipient name.
func (r Recipient) String() string {
	switch r {
	case RecipientDevice:
		return "Device"
	case RecipientInterface:
		return "Interface"
	case RecipientEndpoint:
		return "Endpoint"
	case RecipientOther:
		return "Other"
	default:
		return fmt.Sprintf("Recipient(%d)", uint8(r))
	}
}

// SetupPacket represents an 8-byte USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses a setup packet from 8 bytes into out.
// Returns an error if the data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo serializes the setup packet to buf.
// Returns the number of bytes written (always 8 if buf is large enough).
func (s SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Direction returns the transfer direction.
func (s SetupPacket) Direction() Direction {
	return Direction(s.RequestType & RequestTypeDirectionMask)
}

// IsDeviceToHost returns true if this is a device-to-host transfer.
func (s SetupPacket) IsDeviceToHost() bool {
	return s.Direction() == DirectionDeviceToHost
}

// Type returns the request type (Standard, Class, or Vendor).
func (s SetupPacket) Type() RequestType {
	return RequestType(s.RequestType & RequestTypeTypeMask)
}

// Recipient returns the request recipient.
func (s SetupPacket) Recipient() Recipient {
	return Recipient(s.RequestType & RequestTypeRecipientMask)
}

// StandardRequest returns bRequest as a standard request code.
func (s SetupPacket) StandardRequest() Request {
	return Request(s.Request)
}

// Feature returns wValue as a feature selector.
func (s SetupPacket) Feature() Feature {
	return Feature(s.Value)
}

// DescriptorType returns the descriptor type from wValue high byte.
func (s SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index from wValue low byte.
func (s SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value & 0xFF)
}

// EndpointAddress returns the endpoint address from wIndex.
func (s SetupPacket) EndpointAddress() uint8 {
	return uint8(s.Index & 0xFF)
}

// String returns a human-readable representation of the setup packet.
func (s SetupPacket) String() string {
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		s.Direction(), s.Type(), s.Recipient(), s.Request, s.Value, s.Index, s.Length)
}

// NewSetupPacket composes a setup packet from its fields.
func NewSetupPacket(dir Direction, typ RequestType, recipient Recipient, request uint8, value, index, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: uint8(dir) | uint8(typ) | uint8(recipient),
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// GetDescriptorSetup returns a GET_DESCRIPTOR setup packet.
func GetDescriptorSetup(descType, descIndex uint8, length uint16) SetupPacket {
	return NewSetupPacket(DirectionDeviceToHost, RequestTypeStandard, RecipientDevice,
		uint8(RequestGetDescriptor), uint16(descType)<<8|uint16(descIndex), 0, length)
}

// SetAddressSetup returns a SET_ADDRESS setup packet.
func SetAddressSetup(address uint8) SetupPacket {
	return NewSetupPacket(DirectionHostToDevice, RequestTypeStandard, RecipientDevice,
		uint8(RequestSetAddress), uint16(address), 0, 0)
}

// SetConfigurationSetup returns a SET_CONFIGURATION setup packet.
func SetConfigurationSetup(config uint8) SetupPacket {
	return NewSetupPacket(DirectionHostToDevice, RequestTypeStandard, RecipientDevice,
		uint8(RequestSetConfiguration), uint16(config), 0, 0)
}

// GetConfigurationSetup returns a GET_CONFIGURATION setup packet.
func GetConfigurationSetup() SetupPacket {
	return NewSetupPacket(DirectionDeviceToHost, RequestTypeStandard, RecipientDevice,
		uint8(RequestGetConfiguration), 0, 0, 1)
}

// GetStatusSetup returns a GET_STATUS setup packet.
func GetStatusSetup(recipient Recipient, index uint16) SetupPacket {
	return NewSetupPacket(DirectionDeviceToHost, RequestTypeStandard, recipient,
		uint8(RequestGetStatus), 0, index, 2)
}

// SetFeatureSetup returns a SET_FEATURE setup packet.
func SetFeatureSetup(recipient Recipient, feature Feature, index uint16) SetupPacket {
	return NewSetupPacket(DirectionHostToDevice, RequestTypeStandard, recipient,
		uint8(RequestSetFeature), uint16(feature), index, 0)
}

// ClearFeatureSetup returns a CLEAR_FEATURE setup packet.
func ClearFeatureSetup(recipient Recipient, feature Feature, index uint16) SetupPacket {
	return NewSetupPacket(DirectionHostToDevice, RequestTypeStandard, recipient,
		uint8(RequestClearFeature), uint16(feature), index, 0)
}
