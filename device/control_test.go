package device

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ardnew/gcpusb/device/hal"
)

func testDescriptors() Descriptors {
	return Descriptors{
		Speed: hal.SpeedHigh,
		Device: DeviceDescriptor{
			USBVersion:        0x0200,
			DeviceClass:       ClassPerInterface,
			MaxPacketSize0:    64,
			VendorID:          0x1d50,
			ProductID:         0x615b,
			DeviceVersion:     0x0004,
			ManufacturerIndex: 1,
			ProductIndex:      2,
			SerialNumberIndex: 3,
			NumConfigurations: 1,
		},
		Configuration: Configuration{
			Descriptor: ConfigurationDescriptor{
				ConfigurationValue: 1,
				Attributes:         ConfigAttrBusPowered,
				MaxPower:           250,
			},
			Interfaces: []Interface{{
				Descriptor: InterfaceDescriptor{InterfaceClass: ClassVendor},
			}},
		},
		LanguageIDs: []uint16{LangIDUSEnglish},
		Strings:     []string{"Great Scott Gadgets", "Cynthion", "0000000000000000"},
		DeviceQualifier: &DeviceQualifierDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			NumConfigurations: 1,
		},
	}
}

func newTestControl(opts ...ControlOption) (*Control, *mockDriver) {
	return NewControl(0, testDescriptors(), opts...), newMockDriver()
}

func assertState(t *testing.T, c *Control, want StateKind) {
	t.Helper()
	if got := c.State().Kind; got != want {
		t.Fatalf("State() = %v, want %v", c.State(), want)
	}
}

func TestControl_GetDeviceDescriptor(t *testing.T) {
	c, drv := newTestControl()

	setup := GetDescriptorSetup(DescriptorTypeDevice, 0, 64)
	if _, ok := c.DispatchEvent(drv, SetupEvent(0, setup)); ok {
		t.Fatal("DispatchEvent() returned a packet for GetDescriptor")
	}
	assertState(t, c, ControlSend)

	var want [DeviceDescriptorSize]byte
	desc := testDescriptors().Device
	desc.MarshalTo(want[:])
	if got := drv.lastWrite(); !bytes.Equal(got, want[:]) {
		t.Errorf("wrote % x, want % x", got, want)
	}

	c.DispatchEvent(drv, SendCompleteEvent(0))
	assertState(t, c, ControlWaitForZlp)
	if !drv.called("prime 0") {
		t.Error("OUT not primed for status stage")
	}

	drv.queue(nil)
	c.DispatchEvent(drv, PacketEvent(0))
	assertState(t, c, ControlIdle)

	if _, configured := c.Configuration(); configured {
		t.Error("configuration set by GetDescriptor")
	}
	if c.RemoteWakeup() {
		t.Error("remote wakeup set by GetDescriptor")
	}
}

func TestControl_GetDescriptorTruncated(t *testing.T) {
	c, drv := newTestControl()

	c.DispatchEvent(drv, SetupEvent(0, GetDescriptorSetup(DescriptorTypeDevice, 0, 8)))
	if got := len(drv.lastWrite()); got != 8 {
		t.Errorf("wrote %d bytes, want 8", got)
	}
}

func TestControl_GetConfigurationDescriptor(t *testing.T) {
	c, drv := newTestControl()

	c.DispatchEvent(drv, SetupEvent(0, GetDescriptorSetup(DescriptorTypeConfiguration, 0, 255)))
	got := drv.lastWrite()
	want := ConfigurationDescriptorSize + InterfaceDescriptorSize
	if len(got) != want {
		t.Fatalf("wrote %d bytes, want %d", len(got), want)
	}
	if total := int(got[2]) | int(got[3])<<8; total != want {
		t.Errorf("wTotalLength = %d, want %d", total, want)
	}
	if got[4] != 1 {
		t.Errorf("bNumInterfaces = %d, want 1", got[4])
	}
}

func TestControl_GetStringDescriptor(t *testing.T) {
	c, drv := newTestControl()

	c.DispatchEvent(drv, SetupEvent(0, GetDescriptorSetup(DescriptorTypeString, 2, 255)))
	got, err := DecodeString(drv.lastWrite())
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if got != "Cynthion" {
		t.Errorf("string 2 = %q, want %q", got, "Cynthion")
	}
}

func TestControl_UnknownDescriptorStalls(t *testing.T) {
	tests := []struct {
		name  string
		setup SetupPacket
	}{
		{"string out of range", GetDescriptorSetup(DescriptorTypeString, 9, 255)},
		{"other speed absent", GetDescriptorSetup(DescriptorTypeOtherSpeedConfig, 0, 255)},
		{"bos", GetDescriptorSetup(DescriptorTypeBOS, 0, 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drv := newTestControl()
			c.DispatchEvent(drv, SetupEvent(0, tt.setup))
			assertState(t, c, ControlStall)
			if !drv.called("stall-in 0") {
				t.Errorf("IN not stalled, calls = %v", drv.calls)
			}

			// the next setup clears the stall
			c.DispatchEvent(drv, SetupEvent(0, GetDescriptorSetup(DescriptorTypeDevice, 0, 18)))
			assertState(t, c, ControlSend)
		})
	}
}

func TestControl_SetAddress(t *testing.T) {
	c, drv := newTestControl()

	c.DispatchEvent(drv, SetupEvent(0, SetAddressSetup(5)))
	if got := c.State(); got.Kind != ControlSetAddress || got.Address != 5 {
		t.Fatalf("State() = %v, want SetAddress(5)", got)
	}
	if got := drv.lastWrite(); got == nil || len(got) != 0 {
		t.Errorf("status stage wrote % x, want ZLP", got)
	}
	if drv.called("set-address") {
		t.Error("address applied before status stage completed")
	}

	c.DispatchEvent(drv, SendCompleteEvent(0))
	assertState(t, c, ControlIdle)
	if drv.address != 5 {
		t.Errorf("peripheral address = %d, want 5", drv.address)
	}
	if got := c.DeviceState(); got != StateAddress {
		t.Errorf("DeviceState() = %v, want %v", got, StateAddress)
	}
}

func TestControl_SetConfiguration(t *testing.T) {
	tests := []struct {
		value      uint8
		wantState  StateKind
		wantStall  bool
		wantConfig bool
	}{
		{0, ControlComplete, false, true},
		{1, ControlComplete, false, true},
		{2, ControlStall, true, false},
		{255, ControlStall, true, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("config %d", tt.value), func(t *testing.T) {
			c, drv := newTestControl()
			// start configured to observe the stall clearing it
			c.DispatchEvent(drv, SetupEvent(0, SetConfigurationSetup(1)))
			c.DispatchEvent(drv, SendCompleteEvent(0))
			drv.reset()

			c.DispatchEvent(drv, SetupEvent(0, SetConfigurationSetup(tt.value)))
			assertState(t, c, tt.wantState)
			if got := drv.called("stall-out 0"); got != tt.wantStall {
				t.Errorf("OUT stalled = %v, want %v", got, tt.wantStall)
			}
			cfg, configured := c.Configuration()
			if configured != tt.wantConfig {
				t.Errorf("configured = %v, want %v", configured, tt.wantConfig)
			}
			if tt.wantConfig && cfg != tt.value {
				t.Errorf("configuration = %d, want %d", cfg, tt.value)
			}

			if !tt.wantStall {
				c.DispatchEvent(drv, SendCompleteEvent(0))
				assertState(t, c, ControlIdle)
			}
		})
	}
}

func TestControl_GetConfiguration(t *testing.T) {
	c, drv := newTestControl()

	c.DispatchEvent(drv, SetupEvent(0, GetConfigurationSetup()))
	if got := drv.lastWrite(); !bytes.Equal(got, []byte{0}) {
		t.Errorf("unconfigured GetConfiguration wrote % x, want 00", got)
	}
	c.DispatchEvent(drv, SendCompleteEvent(0))
	c.DispatchEvent(drv, PacketEvent(0))

	c.DispatchEvent(drv, SetupEvent(0, SetConfigurationSetup(1)))
	c.DispatchEvent(drv, SendCompleteEvent(0))
	c.DispatchEvent(drv, SetupEvent(0, GetConfigurationSetup()))
	if got := drv.lastWrite(); !bytes.Equal(got, []byte{1}) {
		t.Errorf("configured GetConfiguration wrote % x, want 01", got)
	}
	if got := c.DeviceState(); got != StateConfigured {
		t.Errorf("DeviceState() = %v, want %v", got, StateConfigured)
	}
}

func TestControl_GetStatusAndRemoteWakeup(t *testing.T) {
	c, drv := newTestControl()

	c.DispatchEvent(drv, SetupEvent(0, GetStatusSetup(RecipientDevice, 0)))
	if got := drv.lastWrite(); !bytes.Equal(got, []byte{0x01, 0x00}) {
		t.Errorf("GetStatus wrote % x, want 01 00", got)
	}
	c.DispatchEvent(drv, SendCompleteEvent(0))
	c.DispatchEvent(drv, PacketEvent(0))

	c.DispatchEvent(drv, SetupEvent(0, SetFeatureSetup(RecipientDevice, FeatureDeviceRemoteWakeup, 0)))
	assertState(t, c, ControlComplete)
	c.DispatchEvent(drv, SendCompleteEvent(0))
	if !c.RemoteWakeup() {
		t.Fatal("RemoteWakeup() = false after SetFeature")
	}

	c.DispatchEvent(drv, SetupEvent(0, GetStatusSetup(RecipientDevice, 0)))
	if got := drv.lastWrite(); !bytes.Equal(got, []byte{0x03, 0x00}) {
		t.Errorf("GetStatus wrote % x, want 03 00", got)
	}
	c.DispatchEvent(drv, SendCompleteEvent(0))
	c.DispatchEvent(drv, PacketEvent(0))

	c.DispatchEvent(drv, SetupEvent(0, ClearFeatureSetup(RecipientDevice, FeatureDeviceRemoteWakeup, 0)))
	assertState(t, c, ControlComplete)
	if c.RemoteWakeup() {
		t.Error("RemoteWakeup() = true after ClearFeature")
	}
}

func TestControl_Features(t *testing.T) {
	tests := []struct {
		name      string
		setup     SetupPacket
		wantState StateKind
		wantCall  string
	}{
		{"clear endpoint halt", ClearFeatureSetup(RecipientEndpoint, FeatureEndpointHalt, 0x81), ControlComplete, "clear-halt 0x81"},
		{"clear test mode", ClearFeatureSetup(RecipientDevice, FeatureTestMode, 0), ControlStall, "stall-in 0"},
		{"clear interface feature", ClearFeatureSetup(RecipientInterface, FeatureEndpointHalt, 0), ControlStall, "stall-in 0"},
		{"set endpoint halt", SetFeatureSetup(RecipientEndpoint, FeatureEndpointHalt, 0x01), ControlStall, "stall-in 0"},
		{"set test mode", SetFeatureSetup(RecipientDevice, FeatureTestMode, 0), ControlStall, "stall-in 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drv := newTestControl()
			c.DispatchEvent(drv, SetupEvent(0, tt.setup))
			assertState(t, c, tt.wantState)
			if !drv.called(tt.wantCall) {
				t.Errorf("calls = %v, want %q", drv.calls, tt.wantCall)
			}
		})
	}
}

func TestControl_StandardRequestsReturnToRest(t *testing.T) {
	tests := []struct {
		name  string
		setup SetupPacket
	}{
		{"get descriptor", GetDescriptorSetup(DescriptorTypeDevice, 0, 18)},
		{"get qualifier", GetDescriptorSetup(DescriptorTypeDeviceQualifier, 0, 10)},
		{"set address", SetAddressSetup(9)},
		{"set configuration", SetConfigurationSetup(1)},
		{"bad configuration", SetConfigurationSetup(3)},
		{"get configuration", GetConfigurationSetup()},
		{"get status", GetStatusSetup(RecipientDevice, 0)},
		{"clear halt", ClearFeatureSetup(RecipientEndpoint, FeatureEndpointHalt, 0x02)},
		{"set wakeup", SetFeatureSetup(RecipientDevice, FeatureDeviceRemoteWakeup, 0)},
		{"set test mode", SetFeatureSetup(RecipientDevice, FeatureTestMode, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drv := newTestControl()
			c.DispatchEvent(drv, SetupEvent(0, tt.setup))

			switch c.State().Kind {
			case ControlSend:
				c.DispatchEvent(drv, SendCompleteEvent(0))
				drv.queue(nil)
				c.DispatchEvent(drv, PacketEvent(0))
			case ControlSetAddress, ControlComplete:
				c.DispatchEvent(drv, SendCompleteEvent(0))
			}

			if k := c.State().Kind; k != ControlIdle && k != ControlStall {
				t.Errorf("State() = %v after one completion cycle, want Idle or Stall", c.State())
			}
		})
	}
}

func TestControl_HostData(t *testing.T) {
	lengths := []int{1, 63, 64, 65, 128, 200, 1024}

	for _, l := range lengths {
		t.Run(fmt.Sprintf("%d bytes", l), func(t *testing.T) {
			c, drv := newTestControl()
			payload := make([]byte, l)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			setup := NewSetupPacket(DirectionHostToDevice, RequestTypeVendor, RecipientDevice, 0x65, 0, 0, uint16(l))

			if _, ok := c.DispatchEvent(drv, SetupEvent(0, setup)); ok {
				t.Fatal("packet returned before data stage")
			}
			assertState(t, c, ControlReceiveHostData)

			for off := 0; off < l; off += 64 {
				drv.queue(payload[off:min(off+64, l)])
				c.DispatchEvent(drv, PacketEvent(0))
			}
			assertState(t, c, ControlFinishHostData)
			if got := drv.lastWrite(); got == nil || len(got) != 0 {
				t.Errorf("status stage wrote % x, want ZLP", got)
			}

			got, ok := c.DispatchEvent(drv, SendCompleteEvent(0))
			if !ok || got != setup {
				t.Fatalf("DispatchEvent() = %v, %v; want %v, true", got, ok, setup)
			}
			assertState(t, c, ControlIdle)
			if !bytes.Equal(c.Data(), payload) {
				t.Errorf("Data() length %d does not match payload length %d", len(c.Data()), l)
			}
		})
	}
}

func TestControl_HostDataOverflow(t *testing.T) {
	c, drv := newTestControl(WithReceiveBufferSize(100))
	if c.Capacity() != 100 {
		t.Fatalf("Capacity() = %d, want 100", c.Capacity())
	}

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	setup := NewSetupPacket(DirectionHostToDevice, RequestTypeVendor, RecipientDevice, 0x65, 0, 0, 300)
	c.DispatchEvent(drv, SetupEvent(0, setup))

	for off := 0; off < len(payload); off += 64 {
		drv.queue(payload[off:min(off+64, len(payload))])
		c.DispatchEvent(drv, PacketEvent(0))
	}
	assertState(t, c, ControlFinishHostData)

	if _, ok := c.DispatchEvent(drv, SendCompleteEvent(0)); !ok {
		t.Fatal("overflowing transfer did not complete")
	}
	if got := len(c.Data()); got != 100 {
		t.Errorf("len(Data()) = %d, want 100", got)
	}
	if !bytes.Equal(c.Data(), payload[:100]) {
		t.Error("Data() is not a prefix of the host payload")
	}
}

func TestControl_HostDataEarlyAbort(t *testing.T) {
	c, drv := newTestControl()
	setup := NewSetupPacket(DirectionHostToDevice, RequestTypeVendor, RecipientDevice, 0x65, 0, 0, 128)
	c.DispatchEvent(drv, SetupEvent(0, setup))

	drv.queue(make([]byte, 64))
	c.DispatchEvent(drv, PacketEvent(0))
	assertState(t, c, ControlReceiveHostData)

	drv.queue(nil)
	c.DispatchEvent(drv, PacketEvent(0))
	assertState(t, c, ControlFinishHostData)

	got, ok := c.DispatchEvent(drv, SendCompleteEvent(0))
	if !ok || got != setup {
		t.Fatalf("DispatchEvent() = %v, %v; want %v, true", got, ok, setup)
	}
	if len(c.Data()) != 64 {
		t.Errorf("len(Data()) = %d, want 64", len(c.Data()))
	}
}

func TestControl_UnhandledRequests(t *testing.T) {
	tests := []struct {
		name  string
		setup SetupPacket
	}{
		{"vendor IN", NewSetupPacket(DirectionDeviceToHost, RequestTypeVendor, RecipientDevice, 0x65, 0, 0, 64)},
		{"vendor OUT no data", NewSetupPacket(DirectionHostToDevice, RequestTypeVendor, RecipientInterface, 0xF0, 0, 0, 0)},
		{"class IN", NewSetupPacket(DirectionDeviceToHost, RequestTypeClass, RecipientInterface, 0x01, 0, 0, 4)},
		{"standard set interface", NewSetupPacket(DirectionHostToDevice, RequestTypeStandard, RecipientInterface, uint8(RequestSetInterface), 0, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, drv := newTestControl()
			got, ok := c.DispatchEvent(drv, SetupEvent(0, tt.setup))
			if !ok || got != tt.setup {
				t.Errorf("DispatchEvent() = %v, %v; want %v, true", got, ok, tt.setup)
			}
			assertState(t, c, ControlIdle)
			if len(drv.calls) != 0 {
				t.Errorf("unexpected peripheral calls %v", drv.calls)
			}
		})
	}
}

func TestControl_StrayAndUnmatchedEvents(t *testing.T) {
	t.Run("stray packet in idle", func(t *testing.T) {
		c, drv := newTestControl()
		drv.queue([]byte{1, 2})
		c.DispatchEvent(drv, PacketEvent(0))
		assertState(t, c, ControlIdle)
	})

	t.Run("stray send complete in idle", func(t *testing.T) {
		c, drv := newTestControl()
		c.DispatchEvent(drv, SendCompleteEvent(0))
		assertState(t, c, ControlIdle)
	})

	t.Run("packet while sending", func(t *testing.T) {
		c, drv := newTestControl()
		c.DispatchEvent(drv, SetupEvent(0, GetConfigurationSetup()))
		c.DispatchEvent(drv, PacketEvent(0))
		assertState(t, c, ControlIdle)
	})

	t.Run("setup while receiving", func(t *testing.T) {
		c, drv := newTestControl()
		c.DispatchEvent(drv, SetupEvent(0, NewSetupPacket(DirectionHostToDevice, RequestTypeVendor, RecipientDevice, 0x65, 0, 0, 8)))
		if _, ok := c.DispatchEvent(drv, SetupEvent(0, GetConfigurationSetup())); ok {
			t.Error("setup during data stage returned a packet")
		}
		assertState(t, c, ControlIdle)
	})

	t.Run("other endpoint", func(t *testing.T) {
		c, drv := newTestControl()
		c.DispatchEvent(drv, SetupEvent(0, GetConfigurationSetup()))
		c.DispatchEvent(drv, SendCompleteEvent(1))
		assertState(t, c, ControlIdle)
	})

	t.Run("bus reset from any state", func(t *testing.T) {
		c, drv := newTestControl()
		c.DispatchEvent(drv, SetupEvent(0, SetAddressSetup(3)))
		c.DispatchEvent(drv, SendCompleteEvent(0))
		c.DispatchEvent(drv, SetupEvent(0, GetDescriptorSetup(DescriptorTypeDevice, 0, 18)))
		c.DispatchEvent(drv, BusResetEvent())
		assertState(t, c, ControlIdle)
		if got := c.DeviceState(); got != StateDefault {
			t.Errorf("DeviceState() = %v after reset, want %v", got, StateDefault)
		}
	})

	t.Run("bus reset drops configuration", func(t *testing.T) {
		c, drv := newTestControl()
		c.DispatchEvent(drv, SetupEvent(0, SetAddressSetup(3)))
		c.DispatchEvent(drv, SendCompleteEvent(0))
		c.DispatchEvent(drv, SetupEvent(0, SetConfigurationSetup(1)))
		if got := c.DeviceState(); got != StateConfigured {
			t.Fatalf("DeviceState() = %v, want %v", got, StateConfigured)
		}

		c.DispatchEvent(drv, BusResetEvent())
		if got := c.DeviceState(); got != StateDefault {
			t.Errorf("DeviceState() = %v after reset, want %v", got, StateDefault)
		}
		if value, ok := c.Configuration(); value != 0 || ok {
			t.Errorf("Configuration() = %d, %v after reset, want 0, false", value, ok)
		}

		c.DispatchEvent(drv, SetupEvent(0, GetConfigurationSetup()))
		if got := drv.lastWrite(); len(got) != 1 || got[0] != 0 {
			t.Errorf("GetConfiguration wrote %v after reset, want [0]", got)
		}
	})
}

func TestControlState_String(t *testing.T) {
	tests := []struct {
		state ControlState
		want  string
	}{
		{ControlState{Kind: ControlIdle}, "Idle"},
		{ControlState{Kind: ControlSetAddress, Address: 5}, "SetAddress(5)"},
		{ControlState{Kind: ControlStall}, "Stall"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ControlState.String() = %v, want %v", got, tt.want)
		}
	}
}
