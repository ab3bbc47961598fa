package sim

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/pkg"
)

// Default host timing.
const (
	// DefaultTimeout bounds each stage of a control transfer.
	DefaultTimeout = time.Second

	// DefaultStallGrace is how long a stall asserted before the SETUP
	// must persist, with the device otherwise idle, before the host
	// treats it as the device's answer to the new request.
	DefaultStallGrace = 100 * time.Millisecond
)

// Host issues control transfers on endpoint 0 of a simulated controller.
// Its methods run in the caller's goroutine, which is also where the
// controller's interrupts are raised.
type Host struct {
	regs       *Registers
	timeout    time.Duration
	stallGrace time.Duration
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithTimeout sets the per-stage timeout.
func WithTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithStallGrace sets how long a stale stall must persist to be reported.
func WithStallGrace(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.stallGrace = d
		}
	}
}

// NewHost returns a host attached to regs.
func NewHost(regs *Registers, opts ...HostOption) *Host {
	h := &Host{
		regs:       regs,
		timeout:    DefaultTimeout,
		stallGrace: DefaultStallGrace,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registers returns the controller the host is attached to.
func (h *Host) Registers() *Registers {
	return h.regs
}

// Reset signals a bus reset to the device.
func (h *Host) Reset() error {
	r := h.regs
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return pkg.ErrNotConnected
	}
	r.address = 0
	r.setup = r.setup[:0]
	r.inFIFO = r.inFIFO[:0]
	r.inPackets = nil
	r.outFIFO = r.outFIFO[:0]
	r.outPrimed = [MaxEndpoints]bool{}
	r.mu.Unlock()

	r.raise(hal.Interrupt{Source: hal.SourceBusReset})
	return nil
}

// Control performs a control transfer with the device. For IN requests
// data receives the data stage and its length is the requested length;
// for OUT requests data is sent. It returns the number of bytes
// transferred in the data stage.
func (h *Host) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return h.ControlContext(context.Background(), rType, request, val, idx, data)
}

// ControlContext is Control with a context bounding the whole transfer.
func (h *Host) ControlContext(ctx context.Context, rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if len(data) > 0xFFFF {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "data stage of %d bytes", len(data))
	}

	var setup [8]byte
	setup[0] = rType
	setup[1] = request
	binary.LittleEndian.PutUint16(setup[2:4], val)
	binary.LittleEndian.PutUint16(setup[4:6], idx)
	binary.LittleEndian.PutUint16(setup[6:8], uint16(len(data)))

	seq, err := h.sendSetup(setup[:])
	if err != nil {
		return 0, err
	}
	h.regs.raise(hal.Interrupt{Source: hal.SourceEndpointControl})

	switch {
	case len(data) == 0:
		// status stage only
		if _, err := h.receiveIn(ctx, seq, nil); err != nil {
			return 0, errors.Wrap(err, "status stage")
		}
		return 0, nil

	case rType&0x80 != 0:
		n, err := h.receiveIn(ctx, seq, data)
		if err != nil {
			return n, errors.Wrap(err, "data stage")
		}
		if err := h.sendOut(ctx, seq, nil); err != nil {
			return n, errors.Wrap(err, "status stage")
		}
		return n, nil

	default:
		mps := h.maxPacket()
		for off := 0; off < len(data); off += mps {
			end := min(off+mps, len(data))
			if err := h.sendOut(ctx, seq, data[off:end]); err != nil {
				return off, errors.Wrap(err, "data stage")
			}
		}
		if _, err := h.receiveIn(ctx, seq, nil); err != nil {
			return len(data), errors.Wrap(err, "status stage")
		}
		return len(data), nil
	}
}

func (h *Host) maxPacket() int {
	return h.regs.Speed().MaxPacketSize0()
}

// sendSetup loads a SETUP packet and returns its sequence number.
func (h *Host) sendSetup(setup []byte) (uint64, error) {
	r := h.regs
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return 0, pkg.ErrNotConnected
	}
	r.setup = append(r.setup[:0], setup...)
	r.inFIFO = r.inFIFO[:0]
	r.inPackets = nil
	r.outFIFO = r.outFIFO[:0]
	r.seq++
	r.lastActivity = time.Now()
	return r.seq, nil
}

// stalled reports whether the control pipe answers with STALL for the
// transfer started at seq. Caller holds r.mu.
func (h *Host) stalled(seq uint64) bool {
	r := h.regs
	if !r.inStall[0] && !r.outStall[0] {
		return false
	}
	if r.stallSeq > seq {
		return true
	}
	return time.Since(r.lastActivity) >= h.stallGrace
}

// wait blocks until the device changes state, the stall grace elapses, or
// the stage deadline passes.
func (h *Host) wait(ctx context.Context, changed <-chan struct{}, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return pkg.ErrTimeout
	}
	t := time.NewTimer(min(remaining, h.stallGrace))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(pkg.ErrCancelled, ctx.Err().Error())
	case <-changed:
	case <-t.C:
	}
	return nil
}

// receiveIn collects IN packets into buf until a short packet or len(buf)
// bytes, then signals the device that the IN transfer completed.
func (h *Host) receiveIn(ctx context.Context, seq uint64, buf []byte) (int, error) {
	r := h.regs
	deadline := time.Now().Add(h.timeout)
	mps := h.maxPacket()
	n := 0
	for {
		r.mu.Lock()
		if len(r.inPackets) > 0 {
			pkt := r.inPackets[0]
			r.inPackets = r.inPackets[1:]
			r.mu.Unlock()
			if pkt.ep != 0 {
				continue
			}
			n += copy(buf[n:], pkt.data)
			if len(pkt.data) < mps || n >= len(buf) {
				r.raise(hal.Interrupt{Source: hal.SourceEndpointIn})
				return n, nil
			}
			continue
		}
		if h.stalled(seq) {
			r.mu.Unlock()
			return n, pkg.ErrStall
		}
		changed := r.changed
		r.mu.Unlock()

		if err := h.wait(ctx, changed, deadline); err != nil {
			return n, err
		}
	}
}

// sendOut delivers one OUT packet once the device has primed endpoint 0.
func (h *Host) sendOut(ctx context.Context, seq uint64, packet []byte) error {
	r := h.regs
	deadline := time.Now().Add(h.timeout)
	for {
		r.mu.Lock()
		if r.outPrimed[0] {
			r.outPrimed[0] = false
			r.outFIFO = append(r.outFIFO[:0], packet...)
			r.outPID[0] ^= 1
			r.mu.Unlock()
			r.raise(hal.Interrupt{Source: hal.SourceEndpointOut})
			return nil
		}
		if h.stalled(seq) {
			r.mu.Unlock()
			return pkg.ErrStall
		}
		changed := r.changed
		r.mu.Unlock()

		if err := h.wait(ctx, changed, deadline); err != nil {
			return err
		}
	}
}
