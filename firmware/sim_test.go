package firmware_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/device/hal/sim"
	"github.com/ardnew/gcpusb/firmware"
	"github.com/ardnew/gcpusb/pkg"
)

const (
	vendorOut = 0x40
	vendorIn  = 0xC0
)

func startFirmware(t *testing.T, reg prometheus.Registerer) (*firmware.Firmware, *sim.Host) {
	t.Helper()
	regs := sim.NewRegisters()
	ctrl, err := hal.NewController(hal.NewPeripheral("usb2", regs))
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	classes := gcp.NewClasses()
	info := gcp.BoardInformation{BoardID: 0x10, VersionString: "sim"}
	for _, c := range []gcp.Class{gcp.CoreClass(info, classes), gcp.SelftestClass()} {
		if err := classes.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	descriptors := device.Descriptors{
		Speed: hal.SpeedHigh,
		Device: device.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			VendorID:          0x1d50,
			ProductID:         0x615b,
			DeviceVersion:     firmware.DeviceRelease(0, 6),
			NumConfigurations: 1,
		},
		Configuration: device.Configuration{
			Descriptor: device.ConfigurationDescriptor{ConfigurationValue: 1, Attributes: device.ConfigAttrBusPowered},
		},
	}
	fw, err := firmware.New(ctrl, descriptors, classes, firmware.WithMetrics(firmware.NewMetrics(reg)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	regs.SetInterruptHandler(func(irq hal.Interrupt) {
		fw.HandleInterrupt(firmware.InterfaceControl, irq)
	})
	if err := fw.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v", err)
		}
		fw.Close()
	})
	return fw, sim.NewHost(regs, sim.WithTimeout(time.Second), sim.WithStallGrace(50*time.Millisecond))
}

func command(class gcp.ClassID, verb uint32, args ...byte) []byte {
	cmd := gcp.Command{Class: class, Verb: verb, Args: args}
	buf := make([]byte, cmd.Size())
	cmd.MarshalTo(buf)
	return buf
}

func TestFirmware_Enumerate(t *testing.T) {
	_, host := startFirmware(t, nil)

	buf := make([]byte, device.DeviceDescriptorSize)
	n, err := host.Control(0x80, uint8(device.RequestGetDescriptor), 0x0100, 0, buf)
	if err != nil {
		t.Fatalf("GetDescriptor() error = %v", err)
	}
	var desc device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(buf[:n], &desc); err != nil {
		t.Fatal(err)
	}
	if desc.DeviceVersion != 0x0006 {
		t.Errorf("bcdDevice = %#04x, want 0x0006", desc.DeviceVersion)
	}

	if _, err := host.Control(0x00, uint8(device.RequestSetConfiguration), 1, 0, nil); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}
	cfg := make([]byte, 1)
	if _, err := host.Control(0x80, uint8(device.RequestGetConfiguration), 0, 0, cfg); err != nil {
		t.Fatalf("GetConfiguration() error = %v", err)
	}
	if cfg[0] != 1 {
		t.Errorf("configuration = %d, want 1", cfg[0])
	}
}

func TestFirmware_CommandRoundTrip(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, host := startFirmware(t, reg)

	if _, err := host.Control(vendorOut, uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0,
		command(gcp.ClassSelftest, gcp.VerbEcho, 'h', 'e', 'l', 'l', 'o')); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	resp := make([]byte, gcp.MaxCommandSize)
	n, err := host.Control(vendorIn, uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0, resp)
	if err != nil {
		t.Fatalf("fetch error = %v", err)
	}
	if got := string(resp[:n]); got != "hello" {
		t.Errorf("echo = %q, want hello", got)
	}

	if _, err := host.Control(vendorOut, uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0,
		command(gcp.ClassCore, gcp.VerbReadBoardID)); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	n, err = host.Control(vendorIn, uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0, resp[:4])
	if err != nil {
		t.Fatalf("fetch error = %v", err)
	}
	if n != 4 || binary.LittleEndian.Uint32(resp) != 0x10 {
		t.Errorf("board id = % x", resp[:n])
	}

	want := `
		# HELP gcpusb_vendor_requests_total The total number of vendor requests by outcome.
		# TYPE gcpusb_vendor_requests_total counter
		gcpusb_vendor_requests_total{result="fetched"} 2
		gcpusb_vendor_requests_total{result="submitted"} 2
	`
	deadline := time.Now().Add(time.Second)
	for {
		err := testutil.GatherAndCompare(reg, bytes.NewBufferString(want), "gcpusb_vendor_requests_total")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFirmware_CommandFailure(t *testing.T) {
	fw, host := startFirmware(t, nil)

	args := binary.LittleEndian.AppendUint32(nil, uint32(gcp.ErrBusy))
	if _, err := host.Control(vendorOut, uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0,
		command(gcp.ClassSelftest, gcp.VerbFail, args...)); err != nil {
		t.Fatalf("submit error = %v", err)
	}

	resp := make([]byte, 64)
	_, err := host.Control(vendorIn, uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0, resp)
	if !errors.Is(err, pkg.ErrStall) {
		t.Fatalf("fetch error = %v, want %v", err, pkg.ErrStall)
	}

	code := make([]byte, gcp.ErrorSize)
	n, err := host.Control(vendorIn, uint8(gcp.RequestCommand), uint16(gcp.ValueCancel), 0, code)
	if err != nil {
		t.Fatalf("abort error = %v", err)
	}
	got, err := gcp.ParseError(code[:n])
	if err != nil || got != gcp.ErrBusy {
		t.Errorf("abort code = %v, %v; want %v", got, err, gcp.ErrBusy)
	}

	deadline := time.Now().Add(time.Second)
	for {
		resp, errPending := fw.Vendor().Pending()
		if !resp && !errPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slots not cleared after abort")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFirmware_AbortNothingPending(t *testing.T) {
	_, host := startFirmware(t, nil)

	code := make([]byte, gcp.ErrorSize)
	n, err := host.Control(vendorIn, uint8(gcp.RequestCommand), uint16(gcp.ValueCancel), 0, code)
	if err != nil {
		t.Fatalf("abort error = %v", err)
	}
	if got, _ := gcp.ParseError(code[:n]); got != gcp.ErrStateNotRecoverable {
		t.Errorf("abort code = %v, want %v", got, gcp.ErrStateNotRecoverable)
	}
}
