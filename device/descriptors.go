package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/pkg"
)

// MaxDescriptorSize bounds the serialized size of any single descriptor
// response, including a full configuration hierarchy.
const MaxDescriptorSize = 1024

// Interface is an interface descriptor with its endpoints.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
}

// Configuration is a configuration descriptor with its interfaces.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []Interface
}

// TotalLength returns the wTotalLength of the configuration hierarchy.
func (c *Configuration) TotalLength() int {
	n := ConfigurationDescriptorSize
	for i := range c.Interfaces {
		n += InterfaceDescriptorSize + len(c.Interfaces[i].Endpoints)*EndpointDescriptorSize
	}
	return n
}

// marshalTo writes the header, every interface, and every endpoint with
// computed counts and total length. Returns 0 if buf is too small.
func (c *Configuration) marshalTo(buf []byte, descType uint8) int {
	total := c.TotalLength()
	if len(buf) < total {
		return 0
	}
	hdr := c.Descriptor
	hdr.TotalLength = uint16(total)
	hdr.NumInterfaces = uint8(len(c.Interfaces))
	n := hdr.marshalTo(buf, descType)
	for i := range c.Interfaces {
		iface := c.Interfaces[i].Descriptor
		iface.NumEndpoints = uint8(len(c.Interfaces[i].Endpoints))
		n += iface.MarshalTo(buf[n:])
		for j := range c.Interfaces[i].Endpoints {
			n += c.Interfaces[i].Endpoints[j].MarshalTo(buf[n:])
		}
	}
	return n
}

// MarshalTo serializes the full configuration hierarchy to buf.
func (c *Configuration) MarshalTo(buf []byte) int {
	return c.marshalTo(buf, DescriptorTypeConfiguration)
}

// Descriptors is the descriptor bundle a control endpoint answers
// GET_DESCRIPTOR requests from.
type Descriptors struct {
	// Speed is the fixed speed the device advertises.
	Speed hal.Speed

	Device        DeviceDescriptor
	Configuration Configuration

	// LanguageIDs is string descriptor zero.
	LanguageIDs []uint16
	// Strings holds string descriptors 1..len(Strings).
	Strings []string

	// DeviceQualifier and OtherSpeedConfiguration are optional.
	DeviceQualifier         *DeviceQualifierDescriptor
	OtherSpeedConfiguration *Configuration
}

// Validate checks the bundle for internal consistency.
func (d *Descriptors) Validate() error {
	if len(d.Strings) > MaxStrings {
		return errors.Wrapf(pkg.ErrInvalidParameter, "%d strings exceeds limit of %d", len(d.Strings), MaxStrings)
	}
	if len(d.Configuration.Interfaces) > MaxInterfacesPerConfiguration {
		return errors.Wrapf(pkg.ErrInvalidParameter, "%d interfaces exceeds limit of %d",
			len(d.Configuration.Interfaces), MaxInterfacesPerConfiguration)
	}
	for i := range d.Configuration.Interfaces {
		if n := len(d.Configuration.Interfaces[i].Endpoints); n > MaxEndpointsPerInterface {
			return errors.Wrapf(pkg.ErrInvalidParameter, "interface %d has %d endpoints", i, n)
		}
	}
	if d.Configuration.TotalLength() > MaxDescriptorSize {
		return errors.Wrapf(pkg.ErrInvalidParameter, "configuration of %d bytes exceeds %d",
			d.Configuration.TotalLength(), MaxDescriptorSize)
	}
	if d.Speed != hal.SpeedUnknown && int(d.Device.MaxPacketSize0) != d.Speed.MaxPacketSize0() {
		return errors.Wrapf(pkg.ErrInvalidParameter, "bMaxPacketSize0 %d does not match %s",
			d.Device.MaxPacketSize0, d.Speed)
	}
	for _, idx := range []uint8{d.Device.ManufacturerIndex, d.Device.ProductIndex, d.Device.SerialNumberIndex} {
		if int(idx) > len(d.Strings) {
			return errors.Wrapf(pkg.ErrInvalidParameter, "string index %d out of range", idx)
		}
	}
	return nil
}

// MarshalDescriptor serializes the descriptor selected by a GET_DESCRIPTOR
// setup packet into buf. It reports false if the bundle does not hold the
// requested descriptor.
func (d *Descriptors) MarshalDescriptor(setup SetupPacket, buf []byte) (int, bool) {
	index := setup.DescriptorIndex()
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		return d.Device.MarshalTo(buf), true

	case DescriptorTypeConfiguration:
		if index != 0 {
			return 0, false
		}
		return d.Configuration.MarshalTo(buf), true

	case DescriptorTypeString:
		if index == 0 {
			ids := d.LanguageIDs
			if len(ids) == 0 {
				ids = []uint16{LangIDUSEnglish}
			}
			return LanguageDescriptorTo(buf, ids...), true
		}
		if int(index) > len(d.Strings) {
			return 0, false
		}
		return StringDescriptorTo(buf, d.Strings[index-1]), true

	case DescriptorTypeDeviceQualifier:
		if d.DeviceQualifier == nil {
			return 0, false
		}
		return d.DeviceQualifier.MarshalTo(buf), true

	case DescriptorTypeOtherSpeedConfig:
		if d.OtherSpeedConfiguration == nil || index != 0 {
			return 0, false
		}
		return d.OtherSpeedConfiguration.marshalTo(buf, DescriptorTypeOtherSpeedConfig), true

	default:
		return 0, false
	}
}

// String returns string descriptor index, or "" if it does not exist.
func (d *Descriptors) String(index uint8) string {
	if index == 0 || int(index) > len(d.Strings) {
		return ""
	}
	return d.Strings[index-1]
}

// DecodeString decodes a UTF-16LE string descriptor.
func DecodeString(data []byte) (string, error) {
	if len(data) < 2 {
		return "", pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	n := min(int(data[0]), len(data))
	units := make([]uint16, 0, (n-2)/2)
	for i := 2; i+1 < n; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), nil
}
