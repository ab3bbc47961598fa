package gcp

import (
	"fmt"
	"strings"

	"github.com/ardnew/gcpusb/device/hal"
)

// mockDriver records the peripheral operations the dispatcher performs.
type mockDriver struct {
	calls  []string
	writes [][]byte
}

func (m *mockDriver) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockDriver) Connect(hal.Speed)              {}
func (m *mockDriver) Disconnect()                    {}
func (m *mockDriver) BusReset()                      {}
func (m *mockDriver) EnableEvents()                  {}
func (m *mockDriver) DisableEvents()                 {}
func (m *mockDriver) SetAddress(uint8)               {}
func (m *mockDriver) ReadControl([]byte) int         { return 0 }
func (m *mockDriver) Read(uint8, []byte) int         { return 0 }
func (m *mockDriver) ClearFeatureEndpointHalt(uint8) {}
func (m *mockDriver) MaxPacketSize() int             { return 64 }

func (m *mockDriver) PrimeReceive(ep uint8) { m.record("prime %d", ep) }
func (m *mockDriver) StallIn(ep uint8)      { m.record("stall-in %d", ep) }
func (m *mockDriver) StallOut(ep uint8)     { m.record("stall-out %d", ep) }

func (m *mockDriver) Write(ep uint8, data []byte) {
	m.writes = append(m.writes, append([]byte(nil), data...))
	m.record("write %d %d", ep, len(data))
}

func (m *mockDriver) WriteRequested(ep uint8, requested uint16, data []byte) {
	if len(data) > int(requested) {
		data = data[:requested]
	}
	m.Write(ep, data)
}

func (m *mockDriver) lastWrite() []byte {
	if len(m.writes) == 0 {
		return nil
	}
	return m.writes[len(m.writes)-1]
}

func (m *mockDriver) trace() string {
	return strings.Join(m.calls, ", ")
}

func (m *mockDriver) reset() {
	m.calls = nil
	m.writes = nil
}

// hostData is a DataSource holding a fixed buffer.
type hostData []byte

func (h *hostData) Data() []byte { return *h }

var _ hal.Driver = (*mockDriver)(nil)
