package usbip_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/device/hal/sim"
	"github.com/ardnew/gcpusb/firmware"
	"github.com/ardnew/gcpusb/usbip"
)

func exportFirmware(t *testing.T) *usbip.Connection {
	t.Helper()
	regs := sim.NewRegisters()
	ctrl, err := hal.NewController(hal.NewPeripheral("usb2", regs))
	if err != nil {
		t.Fatal(err)
	}
	classes := gcp.NewClasses()
	info := gcp.BoardInformation{BoardID: 0x10, VersionString: "usbip"}
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
			Interfaces: []device.Interface{{Descriptor: device.InterfaceDescriptor{InterfaceClass: 0xFF}}},
		},
	}
	fw, err := firmware.New(ctrl, descriptors, classes)
	if err != nil {
		t.Fatal(err)
	}
	regs.SetInterruptHandler(func(irq hal.Interrupt) {
		fw.HandleInterrupt(firmware.InterfaceControl, irq)
	})
	if err := fw.Initialize(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fw.Run(ctx)
	}()

	srv, err := usbip.NewServer([]*usbip.ExportedDevice{{
		BusID:       "1-1",
		BusNum:      1,
		DevNum:      1,
		Descriptors: &descriptors,
		Transport:   sim.NewHost(regs, sim.WithTimeout(time.Second), sim.WithStallGrace(50*time.Millisecond)),
	}})
	if err != nil {
		t.Fatal(err)
	}
	client, server := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.ServeConn(ctx, server)
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-served
		<-done
		fw.Close()
	})

	conn := usbip.NewConnection(client)
	if _, err := conn.ImportRequest("1-1"); err != nil {
		t.Fatalf("ImportRequest() error = %v", err)
	}
	return conn
}

func setup(s device.SetupPacket) [8]byte {
	var b [8]byte
	s.MarshalTo(b[:])
	return b
}

func TestUSBIP_GetDescriptor(t *testing.T) {
	conn := exportFirmware(t)

	buf := make([]byte, 64)
	n, status, err := conn.Control(1, setup(device.GetDescriptorSetup(device.DescriptorTypeDevice, 0, device.DeviceDescriptorSize)), true, buf)
	if err != nil {
		t.Fatalf("Control() error = %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	var desc device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(buf[:n], &desc); err != nil {
		t.Fatalf("ParseDeviceDescriptor() error = %v", err)
	}
	if desc.VendorID != 0x1d50 || desc.DeviceVersion != 0x0006 {
		t.Errorf("descriptor = %04x bcd %04x, want 1d50 bcd 0006", desc.VendorID, desc.DeviceVersion)
	}
}

func TestUSBIP_Command(t *testing.T) {
	conn := exportFirmware(t)

	cmd := gcp.Command{Class: gcp.ClassCore, Verb: gcp.VerbReadBoardID}
	out := make([]byte, cmd.Size())
	cmd.MarshalTo(out)
	submit := device.NewSetupPacket(device.DirectionHostToDevice, device.RequestTypeVendor, device.RecipientDevice,
		uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0, uint16(len(out)))
	if _, status, err := conn.Control(1, setup(submit), false, out); err != nil || status != 0 {
		t.Fatalf("submit = %d, %v", status, err)
	}

	fetch := device.NewSetupPacket(device.DirectionDeviceToHost, device.RequestTypeVendor, device.RecipientDevice,
		uint8(gcp.RequestCommand), uint16(gcp.ValueExecute), 0, gcp.MaxCommandSize)
	in := make([]byte, gcp.MaxCommandSize)
	n, status, err := conn.Control(2, setup(fetch), true, in)
	if err != nil || status != 0 {
		t.Fatalf("fetch = %d, %v", status, err)
	}
	if n != 4 || binary.LittleEndian.Uint32(in) != 0x10 {
		t.Errorf("board id = %x, want 10000000", in[:n])
	}

	n, status, err = conn.Control(3, setup(fetch), true, in)
	if err != nil {
		t.Fatal(err)
	}
	if status != -32 {
		t.Errorf("second fetch status = %d (n=%d), want -32", status, n)
	}
}
