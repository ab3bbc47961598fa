package main

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/firmware"
	"github.com/ardnew/gcpusb/pkg"
	"github.com/ardnew/gcpusb/usbip"
)

// initConfig defines config flags, config file, and envs
func initConfig(args []string) error {
	fs := flag.NewFlagSet("gcpd", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("log-level", pkg.LogLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", pkg.AvailableLogLevels))
	fs.String("log-format", "logfmt", "Log format to use. Possible values: logfmt, json")
	fs.String("listen", ":8080", "The address at which to listen for health, metrics and pprof.")
	fs.String("usbip-listen", fmt.Sprintf(":%d", usbip.DefaultPort), "The address at which to export the device over USB/IP.")
	fs.String("bus-id", "1-1", "The USB/IP bus ID of the exported device.")
	fs.Int("queue-size", firmware.DefaultQueueSize, "The capacity of the firmware event queue; a power of two.")
	fs.Duration("nak-timeout", time.Second, "How long a transfer stage waits on the device before failing.")
	fs.StringSlice("legacy-requests", []string{"0x04"}, "Vendor request codes of retired protocols; they stall the IN direction only.")
	fs.String("cpu-profile", "", "Write a CPU profile to this file until exit.")
	fs.String("heap-profile", "", "Write a heap profile to this file on exit.")
	fs.Int("block-profile-rate", 0, "Block profile rate in nanoseconds; 0 disables the block profile.")
	fs.Int("mutex-profile-fraction", 0, "Report 1/n mutex contention events; 0 disables the mutex profile.")
	fs.Bool("trace", false, "Log controller and interrupt trace edges at debug level.")

	if err := fs.Parse(args); err != nil {
		return err
	}
	v := viper.GetViper()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}
	setDeviceDefaults(v)

	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/gcpd/")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("gcpd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// deviceConfig is the identity of the simulated device, read from the
// "device" section.
type deviceConfig struct {
	VendorID     uint16 `json:"vendor-id"`
	ProductID    uint16 `json:"product-id"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Serial       string `json:"serial"`
	BoardID      uint32 `json:"board-id"`
	Version      string `json:"version"`
	ReleaseMajor uint8  `json:"release-major"`
	ReleaseMinor uint8  `json:"release-minor"`
	PartID       string `json:"part-id"`
	Speed        string `json:"speed"`
}

var deviceDefaults = map[string]any{
	"vendor-id":     "0x1d50",
	"product-id":    "0x615b",
	"manufacturer":  "Great Scott Gadgets",
	"product":       "gcpusb simulated device",
	"serial":        "000000000000",
	"board-id":      "0x10",
	"version":       "gcpd",
	"release-major": 0,
	"release-minor": 6,
	"part-id":       "",
	"speed":         "high",
}

func setDeviceDefaults(v *viper.Viper) {
	for key, value := range deviceDefaults {
		v.SetDefault("device."+key, value)
	}
}

// hexHook decodes strings such as "0x1d50" into unsigned integer fields.
func hexHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(strings.TrimSpace(data.(string)), 0, to.Bits())
		if err != nil {
			return nil, errors.Wrapf(err, "parse %q", data)
		}
		return n, nil
	default:
		return data, nil
	}
}

func getDeviceConfig(v *viper.Viper) (*deviceConfig, error) {
	raw := make(map[string]any, len(deviceDefaults))
	for key := range deviceDefaults {
		raw[key] = v.Get("device." + key)
	}

	var cfg deviceConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       hexHook,
		Result:           &cfg,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode device config: %w", err)
	}
	return &cfg, nil
}

// descriptors builds the descriptor bundle the simulated device serves: one
// configuration with a single vendor interface.
func (c *deviceConfig) descriptors() (device.Descriptors, error) {
	speed, err := hal.ParseSpeed(c.Speed)
	if err != nil {
		return device.Descriptors{}, err
	}
	d := device.Descriptors{
		Speed: speed,
		Device: device.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    uint8(speed.MaxPacketSize0()),
			VendorID:          c.VendorID,
			ProductID:         c.ProductID,
			DeviceVersion:     firmware.DeviceRelease(c.ReleaseMajor, c.ReleaseMinor),
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Configuration: device.Configuration{
			Descriptor: device.ConfigurationDescriptor{
				ConfigurationValue: 1,
				Attributes:         device.ConfigAttrBusPowered,
				MaxPower:           250,
			},
			Interfaces: []device.Interface{{
				Descriptor: device.InterfaceDescriptor{InterfaceClass: 0xFF},
			}},
		},
		LanguageIDs: []uint16{device.LangIDUSEnglish},
		Strings:     []string{c.Manufacturer, c.Product, c.Serial},
	}
	if speed == hal.SpeedHigh {
		d.DeviceQualifier = &device.DeviceQualifierDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			NumConfigurations: 1,
		}
		other := d.Configuration
		d.OtherSpeedConfiguration = &other
	}
	return d, d.Validate()
}

// board returns the information the core class reports.
func (c *deviceConfig) board() (gcp.BoardInformation, error) {
	info := gcp.BoardInformation{BoardID: c.BoardID, VersionString: c.Version}
	if c.PartID != "" {
		part, err := hex.DecodeString(strings.TrimPrefix(c.PartID, "0x"))
		if err != nil {
			return info, errors.Wrap(err, "part-id")
		}
		if len(part) > len(info.PartID) {
			return info, errors.Wrapf(pkg.ErrInvalidParameter, "part-id of %d bytes", len(part))
		}
		copy(info.PartID[:], part)
	}
	copy(info.SerialNumber[:], c.Serial)
	return info, nil
}

// legacyRequests returns the configured legacy vendor request codes.
func legacyRequests(v *viper.Viper) ([]uint8, error) {
	var codes []uint8
	for _, s := range v.GetStringSlice("legacy-requests") {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "legacy request %q", s)
		}
		codes = append(codes, uint8(n))
	}
	return codes, nil
}
