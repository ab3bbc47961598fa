package device

import (
	"fmt"
	"strings"

	"github.com/ardnew/gcpusb/device/hal"
)

// mockDriver records every peripheral operation and serves queued OUT
// packets to Read.
type mockDriver struct {
	calls   []string
	writes  [][]byte
	packets [][]byte
	address uint8
	maxPkt  int
}

func newMockDriver() *mockDriver {
	return &mockDriver{maxPkt: 64}
}

func (m *mockDriver) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockDriver) Connect(speed hal.Speed) { m.record("connect %s", speed) }
func (m *mockDriver) Disconnect()             { m.record("disconnect") }
func (m *mockDriver) BusReset()               { m.record("bus-reset") }
func (m *mockDriver) EnableEvents()           { m.record("enable-events") }
func (m *mockDriver) DisableEvents()          { m.record("disable-events") }

func (m *mockDriver) SetAddress(address uint8) {
	m.address = address
	m.record("set-address %d", address)
}

func (m *mockDriver) ReadControl(buf []byte) int { return 0 }

func (m *mockDriver) Read(ep uint8, buf []byte) int {
	m.record("read %d", ep)
	if len(m.packets) == 0 {
		return 0
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	return copy(buf, pkt)
}

func (m *mockDriver) PrimeReceive(ep uint8) { m.record("prime %d", ep) }

func (m *mockDriver) Write(ep uint8, data []byte) {
	m.writes = append(m.writes, append([]byte{}, data...))
	m.record("write %d %d", ep, len(data))
}

func (m *mockDriver) WriteRequested(ep uint8, requested uint16, data []byte) {
	if len(data) > int(requested) {
		data = data[:requested]
	}
	m.Write(ep, data)
}

func (m *mockDriver) StallIn(ep uint8)  { m.record("stall-in %d", ep) }
func (m *mockDriver) StallOut(ep uint8) { m.record("stall-out %d", ep) }

func (m *mockDriver) ClearFeatureEndpointHalt(address uint8) {
	m.record("clear-halt 0x%02x", address)
}

func (m *mockDriver) MaxPacketSize() int { return m.maxPkt }

// queue adds an OUT packet for the next Read.
func (m *mockDriver) queue(pkt []byte) {
	m.packets = append(m.packets, pkt)
}

// lastWrite returns the most recent IN write.
func (m *mockDriver) lastWrite() []byte {
	if len(m.writes) == 0 {
		return nil
	}
	return m.writes[len(m.writes)-1]
}

// called reports whether an operation starting with prefix was recorded.
func (m *mockDriver) called(prefix string) bool {
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (m *mockDriver) reset() {
	m.calls = nil
	m.writes = nil
}

var _ hal.Driver = (*mockDriver)(nil)
