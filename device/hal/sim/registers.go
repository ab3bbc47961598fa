// Package sim provides an in-memory USB device controller and the host
// side of its bus.
//
// [Registers] implements [hal.Registers] so the control stack can be driven
// through a [hal.Controller] exactly as it would drive silicon. [Host]
// plays the role of a USB host issuing control transfers against those
// registers, raising controller interrupts as each transaction completes.
package sim

import (
	"sync"
	"time"

	"github.com/ardnew/gcpusb/device/hal"
)

// MaxEndpoints is the number of endpoint numbers modeled per direction.
const MaxEndpoints = 16

type inPacket struct {
	ep   uint8
	data []byte
}

// Registers is a simulated USB device controller.
type Registers struct {
	mu sync.Mutex

	// changed is closed and replaced on every device-side state change.
	changed chan struct{}

	connected     bool
	eventsEnabled bool
	speed         hal.Speed
	address       uint8

	setup     []byte
	inFIFO    []byte
	inPackets []inPacket
	outFIFO   []byte
	outPrimed [MaxEndpoints]bool

	inStall  [MaxEndpoints]bool
	outStall [MaxEndpoints]bool
	inPID    [MaxEndpoints]uint8
	outPID   [MaxEndpoints]uint8

	// seq numbers SETUP deliveries and stall assertions on a common clock.
	seq      uint64
	stallSeq uint64

	lastActivity time.Time
	handler      hal.InterruptHandler
}

// NewRegisters returns a disconnected controller.
func NewRegisters() *Registers {
	return &Registers{
		changed:      make(chan struct{}),
		speed:        hal.SpeedUnknown,
		lastActivity: time.Now(),
	}
}

// SetInterruptHandler installs the handler invoked for every interrupt the
// host side raises while events are enabled.
func (r *Registers) SetInterruptHandler(h hal.InterruptHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// notify wakes host-side waiters. Caller holds r.mu.
func (r *Registers) notify() {
	r.lastActivity = time.Now()
	close(r.changed)
	r.changed = make(chan struct{})
}

// raise invokes the interrupt handler if the controller is connected and
// its events are enabled.
func (r *Registers) raise(irq hal.Interrupt) {
	r.mu.Lock()
	h := r.handler
	enabled := r.connected && r.eventsEnabled
	r.mu.Unlock()
	if enabled && h != nil {
		h(irq)
	}
}

// SetConnect implements hal.Registers.
func (r *Registers) SetConnect(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
	r.notify()
}

// SetSpeed implements hal.Registers.
func (r *Registers) SetSpeed(speed hal.Speed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speed = speed
}

// SetAddress implements hal.Registers.
func (r *Registers) SetAddress(address uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.address = address
	r.notify()
}

// SetEventsEnabled implements hal.Registers.
func (r *Registers) SetEventsEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventsEnabled = enabled
}

// SetupReset implements hal.Registers.
func (r *Registers) SetupReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setup = r.setup[:0]
}

// SetupHave implements hal.Registers.
func (r *Registers) SetupHave() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.setup) > 0
}

// SetupPop implements hal.Registers.
func (r *Registers) SetupPop() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.setup) == 0 {
		return 0
	}
	b := r.setup[0]
	r.setup = r.setup[1:]
	return b
}

// InReset implements hal.Registers.
func (r *Registers) InReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFIFO = r.inFIFO[:0]
	r.inPackets = nil
	r.notify()
}

// InPush implements hal.Registers.
func (r *Registers) InPush(b byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFIFO = append(r.inFIFO, b)
}

// InSend implements hal.Registers. The FIFO contents become one packet
// queued for the host.
func (r *Registers) InSend(ep uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkt := inPacket{ep: ep & 0x0F, data: append([]byte(nil), r.inFIFO...)}
	r.inFIFO = r.inFIFO[:0]
	r.inPackets = append(r.inPackets, pkt)
	r.inPID[pkt.ep] ^= 1
	r.notify()
}

// InIdle implements hal.Registers. Sent packets are buffered, so the FIFO
// is always ready for the next one.
func (r *Registers) InIdle() bool {
	return true
}

// InStall implements hal.Registers.
func (r *Registers) InStall(ep uint8, stalled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStall(&r.inStall[ep&0x0F], stalled)
}

// InResetPID implements hal.Registers.
func (r *Registers) InResetPID(ep uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inPID[ep&0x0F] = 0
}

// OutReset implements hal.Registers.
func (r *Registers) OutReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outFIFO = r.outFIFO[:0]
	r.outPrimed = [MaxEndpoints]bool{}
	r.notify()
}

// OutPrime implements hal.Registers. Priming an endpoint also clears its
// stall.
func (r *Registers) OutPrime(ep uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outStall[ep&0x0F] = false
	r.outPrimed[ep&0x0F] = true
	r.notify()
}

// OutStall implements hal.Registers.
func (r *Registers) OutStall(ep uint8, stalled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStall(&r.outStall[ep&0x0F], stalled)
}

// setStall updates a stall flag. Caller holds r.mu.
func (r *Registers) setStall(flag *bool, stalled bool) {
	*flag = stalled
	if stalled {
		r.seq++
		r.stallSeq = r.seq
	}
	r.notify()
}

// OutHave implements hal.Registers.
func (r *Registers) OutHave() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outFIFO) > 0
}

// OutPop implements hal.Registers.
func (r *Registers) OutPop() byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outFIFO) == 0 {
		return 0
	}
	b := r.outFIFO[0]
	r.outFIFO = r.outFIFO[1:]
	return b
}

// OutResetPID implements hal.Registers.
func (r *Registers) OutResetPID(ep uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outPID[ep&0x0F] = 0
}

// Address returns the device address currently applied.
func (r *Registers) Address() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// Connected reports whether the device is attached to the bus.
func (r *Registers) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Speed returns the speed the device connected at.
func (r *Registers) Speed() hal.Speed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.speed
}

// Stalled reports the stall flags of endpoint ep.
func (r *Registers) Stalled(ep uint8) (in, out bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inStall[ep&0x0F], r.outStall[ep&0x0F]
}

var _ hal.Registers = (*Registers)(nil)
