package usbip

import (
	"bytes"
	"fmt"
)

// ProtocolVersion is the USB/IP version spoken by this package.
const ProtocolVersion = 0x0111

// DefaultPort is the registered USB/IP TCP port.
const DefaultPort = 3240

// Operation codes of the connection setup phase.
const (
	opReqDevlist = 0x8005
	opRepDevlist = 0x0005
	opReqImport  = 0x8003
	opRepImport  = 0x0003
)

// Commands of the URB phase.
const (
	cmdSubmit = 0x00000001
	cmdUnlink = 0x00000002
	retSubmit = 0x00000003
	retUnlink = 0x00000004
)

// URB directions.
const (
	dirOut = 0
	dirIn  = 1
)

// Operation status values.
const (
	statusOK    = 0
	statusError = 1
)

// USBID is a vendor or product ID.
type USBID uint16

// String returns the ID as four hex digits.
func (id USBID) String() string {
	return fmt.Sprintf("%04x", uint16(id))
}

// Device is an entry of a device list.
type Device struct {
	// Vendor is the USB Vendor ID of the device.
	Vendor USBID `json:"vendor"`
	// Product is the USB Product ID of the device.
	Product USBID `json:"product"`
	// BusId describes USB Bus ID of the device.
	BusId string `json:"bus_id"`
	// Interfaces holds the class, subclass and protocol of each interface.
	Interfaces []InterfaceDescription `json:"interfaces,omitempty"`
}

type usbipHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// DeviceDescription is the wire form of an exported device.
type DeviceDescription struct {
	Path                     [256]byte
	BusId                    [32]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    uint32
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

// BusID returns the bus ID as a string.
func (d *DeviceDescription) BusID() string {
	return cString(d.BusId[:])
}

// InterfaceDescription is the wire form of an interface in a device list.
type InterfaceDescription struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

type usbipDevlistResponseHeader struct {
	usbipHeader
	NumDevices uint32
}

type usbipImportRequest struct {
	usbipHeader
	BusId [32]byte
}

// urbHeader is the common prefix of URB phase messages.
type urbHeader struct {
	Command   uint32
	SeqNum    uint32
	DevID     uint32
	Direction uint32
	Endpoint  uint32
}

type cmdSubmitBody struct {
	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32
	Interval             int32
	Setup                [8]byte
}

type retSubmitMessage struct {
	urbHeader
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	_               [8]byte
}

type cmdUnlinkBody struct {
	UnlinkSeqNum uint32
	_            [24]byte
}

type retUnlinkMessage struct {
	urbHeader
	Status int32
	_      [24]byte
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
