package host

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/pkg"
)

// ErrEnumerationFailed indicates the device returned malformed descriptors.
var ErrEnumerationFailed = errors.New("enumeration failed")

// DeviceInfo is what enumeration learns about a device.
type DeviceInfo struct {
	Address       uint8
	Device        device.DeviceDescriptor
	Configuration device.ConfigurationDescriptor
	// RawConfiguration is the full configuration descriptor set.
	RawConfiguration []byte

	Languages    []uint16
	Manufacturer string
	Product      string
	SerialNumber string

	// Configured is the active configuration value after enumeration.
	Configured uint8
}

// EnumerateOption configures Enumerate.
type EnumerateOption func(*enumerateConfig)

type enumerateConfig struct {
	address   uint8
	configure bool
}

// WithAddress assigns address to the device with SET_ADDRESS. Transports
// behind an operating system stack must not use it.
func WithAddress(address uint8) EnumerateOption {
	return func(c *enumerateConfig) {
		c.address = address
	}
}

// WithConfigure selects the first configuration after reading descriptors.
func WithConfigure() EnumerateOption {
	return func(c *enumerateConfig) {
		c.configure = true
	}
}

// Enumerate runs the standard enumeration sequence over t: device
// descriptor, optional address assignment, configuration descriptors,
// strings, and optionally SET_CONFIGURATION.
func Enumerate(t Transport, opts ...EnumerateOption) (*DeviceInfo, error) {
	var cfg enumerateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	info := &DeviceInfo{}
	var buf [device.MaxDescriptorSize]byte

	// the first 8 bytes carry bMaxPacketSize0
	n, err := transfer(t, device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, 8), buf[:])
	if err != nil {
		return nil, errors.Wrap(err, "read device descriptor header")
	}
	if n < 8 {
		return nil, errors.Wrapf(ErrEnumerationFailed, "device descriptor header of %d bytes", n)
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", buf[7])

	if cfg.address != 0 {
		if _, err := transfer(t, device.SetAddressSetup(cfg.address), nil); err != nil {
			return nil, errors.Wrap(err, "set address")
		}
		info.Address = cfg.address
		pkg.LogDebug(pkg.ComponentHost, "assigned address", "address", cfg.address)
	}

	n, err = transfer(t, device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize), buf[:])
	if err != nil {
		return nil, errors.Wrap(err, "read device descriptor")
	}
	if err := device.ParseDeviceDescriptor(buf[:n], &info.Device); err != nil {
		return nil, errors.Wrap(err, "parse device descriptor")
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", info.Device.VendorID, "productID", info.Device.ProductID)

	n, err = transfer(t, device.GetDescriptorSetup(device.DescriptorTypeConfiguration, 0, device.ConfigurationDescriptorSize), buf[:])
	if err != nil {
		return nil, errors.Wrap(err, "read configuration descriptor header")
	}
	if err := device.ParseConfigurationDescriptor(buf[:n], &info.Configuration); err != nil {
		return nil, errors.Wrap(err, "parse configuration descriptor")
	}
	total := min(int(info.Configuration.TotalLength), len(buf))
	n, err = transfer(t, device.GetDescriptorSetup(device.DescriptorTypeConfiguration, 0, uint16(total)), buf[:])
	if err != nil {
		return nil, errors.Wrap(err, "read configuration descriptor")
	}
	info.RawConfiguration = append([]byte(nil), buf[:n]...)

	if err := readStrings(t, info, buf[:]); err != nil {
		// devices without strings are valid
		pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "err", err)
	}

	if cfg.configure && info.Configuration.ConfigurationValue > 0 {
		value := info.Configuration.ConfigurationValue
		if _, err := transfer(t, device.SetConfigurationSetup(value), nil); err != nil {
			return nil, errors.Wrap(err, "set configuration")
		}
		info.Configured = value
	}
	return info, nil
}

const maxStringDescriptorSize = 255

func readStrings(t Transport, info *DeviceInfo, buf []byte) error {
	if info.Device.ManufacturerIndex == 0 && info.Device.ProductIndex == 0 && info.Device.SerialNumberIndex == 0 {
		return nil
	}
	buf = buf[:maxStringDescriptorSize]

	n, err := transfer(t, device.GetDescriptorSetup(device.DescriptorTypeString, 0, uint16(len(buf))), buf)
	if err != nil {
		return errors.Wrap(err, "read language ids")
	}
	for i := 2; i+1 < n; i += 2 {
		info.Languages = append(info.Languages, uint16(buf[i])|uint16(buf[i+1])<<8)
	}
	lang := uint16(device.LangIDUSEnglish)
	if len(info.Languages) > 0 {
		lang = info.Languages[0]
	}

	read := func(index uint8) (string, error) {
		if index == 0 {
			return "", nil
		}
		setup := device.GetDescriptorSetup(device.DescriptorTypeString, index, uint16(len(buf)))
		setup.Index = lang
		n, err := transfer(t, setup, buf)
		if err != nil {
			return "", errors.Wrapf(err, "read string %d", index)
		}
		return device.DecodeString(buf[:n])
	}

	if info.Manufacturer, err = read(info.Device.ManufacturerIndex); err != nil {
		return err
	}
	if info.Product, err = read(info.Device.ProductIndex); err != nil {
		return err
	}
	if info.SerialNumber, err = read(info.Device.SerialNumberIndex); err != nil {
		return err
	}
	return nil
}
