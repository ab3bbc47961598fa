package hal

import (
	"github.com/ardnew/gcpusb/pkg"
	"github.com/ardnew/gcpusb/pkg/trace"
)

// DefaultTimeout bounds every busy-poll on controller status registers.
const DefaultTimeout = 1_000_000

// Controller implements Driver over the register set of one physical
// controller. Create one Controller per controller instance.
type Controller[R Registers] struct {
	name    string
	regs    R
	speed   Speed
	maxPkt  int
	timeout int
	tracer  trace.Analyzer
}

// ControllerOption configures a Controller.
type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	timeout int
	tracer  trace.Analyzer
}

// WithTimeout sets the busy-poll iteration bound.
func WithTimeout(iterations int) ControllerOption {
	return func(c *controllerConfig) {
		if iterations > 0 {
			c.timeout = iterations
		}
	}
}

// WithTracer sets the analyzer driven by controller operations.
func WithTracer(a trace.Analyzer) ControllerOption {
	return func(c *controllerConfig) {
		c.tracer = a
	}
}

// NewController takes ownership of p's registers and returns a driver for
// them. It fails if the registers were already taken.
func NewController[R Registers](p *Peripheral[R], opts ...ControllerOption) (*Controller[R], error) {
	regs, err := p.Take()
	if err != nil {
		return nil, err
	}
	cfg := controllerConfig{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller[R]{
		name:    p.Name(),
		regs:    regs,
		speed:   SpeedUnknown,
		maxPkt:  SpeedHigh.MaxPacketSize0(),
		timeout: cfg.timeout,
		tracer:  trace.OrNop(cfg.tracer),
	}, nil
}

// Name returns the controller name.
func (c *Controller[R]) Name() string {
	return c.name
}

// Speed returns the speed passed to the last Connect.
func (c *Controller[R]) Speed() Speed {
	return c.speed
}

// Registers returns the owned register set.
func (c *Controller[R]) Registers() R {
	return c.regs
}

// Connect implements Driver.
func (c *Controller[R]) Connect(speed Speed) {
	c.regs.SetConnect(false)
	c.speed = speed
	c.maxPkt = speed.MaxPacketSize0()
	c.regs.SetSpeed(speed)
	c.resetFIFOs()
	c.regs.SetConnect(true)
	pkg.LogInfo(pkg.ComponentHAL, "connected", "controller", c.name, "speed", speed)
}

// Disconnect implements Driver.
func (c *Controller[R]) Disconnect() {
	c.regs.SetEventsEnabled(false)
	c.regs.SetConnect(false)
	c.resetFIFOs()
	pkg.LogInfo(pkg.ComponentHAL, "disconnected", "controller", c.name)
}

// BusReset implements Driver.
func (c *Controller[R]) BusReset() {
	c.regs.SetAddress(0)
	c.resetFIFOs()
	pkg.LogDebug(pkg.ComponentHAL, "bus reset", "controller", c.name)
}

func (c *Controller[R]) resetFIFOs() {
	c.regs.SetupReset()
	c.regs.InReset()
	c.regs.OutReset()
}

// EnableEvents implements Driver.
func (c *Controller[R]) EnableEvents() {
	c.regs.SetEventsEnabled(true)
}

// DisableEvents implements Driver.
func (c *Controller[R]) DisableEvents() {
	c.regs.SetEventsEnabled(false)
}

// SetAddress implements Driver.
func (c *Controller[R]) SetAddress(address uint8) {
	c.regs.SetAddress(address & 0x7F)
	pkg.LogDebug(pkg.ComponentHAL, "address set", "controller", c.name, "address", address&0x7F)
}

// ReadControl implements Driver.
func (c *Controller[R]) ReadControl(buf []byte) int {
	defer trace.Span(c.tracer, trace.ChannelA, trace.BitReadControl)()
	n := 0
	for n < len(buf) && c.regs.SetupHave() {
		buf[n] = c.regs.SetupPop()
		n++
	}
	// drain anything the caller had no room for
	for c.regs.SetupHave() {
		_ = c.regs.SetupPop()
	}
	return n
}

// Read implements Driver.
func (c *Controller[R]) Read(ep uint8, buf []byte) int {
	defer trace.Span(c.tracer, trace.ChannelA, trace.BitReadEndpoint)()
	n := 0
	for c.regs.OutHave() {
		b := c.regs.OutPop()
		if n < len(buf) {
			buf[n] = b
			n++
		}
	}
	return n
}

// PrimeReceive implements Driver.
func (c *Controller[R]) PrimeReceive(ep uint8) {
	defer trace.Span(c.tracer, trace.ChannelA, trace.BitPrimeReceive)()
	c.regs.OutPrime(ep)
}

// Write implements Driver.
func (c *Controller[R]) Write(ep uint8, data []byte) {
	defer trace.Span(c.tracer, trace.ChannelA, trace.BitWriteEndpoint)()
	c.regs.InStall(ep, false)
	if len(data) == 0 {
		c.sendPacket(ep, nil)
		return
	}
	for len(data) > 0 {
		n := min(len(data), c.maxPkt)
		c.sendPacket(ep, data[:n])
		data = data[n:]
	}
}

// WriteRequested implements Driver.
func (c *Controller[R]) WriteRequested(ep uint8, requested uint16, data []byte) {
	if len(data) > int(requested) {
		data = data[:requested]
	}
	c.Write(ep, data)
	if len(data) > 0 && len(data) < int(requested) && len(data)%c.maxPkt == 0 {
		c.sendPacket(ep, nil)
	}
}

// sendPacket waits for the IN FIFO to drain, then loads and arms one packet.
func (c *Controller[R]) sendPacket(ep uint8, packet []byte) {
	if !c.waitInIdle() {
		pkg.LogWarn(pkg.ComponentHAL, "timed out waiting for IN idle",
			"controller", c.name, "endpoint", ep)
	}
	func() {
		defer trace.Span(c.tracer, trace.ChannelA, trace.BitPacketPush)()
		for _, b := range packet {
			c.regs.InPush(b)
		}
	}()
	c.regs.InSend(ep)
}

func (c *Controller[R]) waitInIdle() bool {
	for range c.timeout {
		if c.regs.InIdle() {
			return true
		}
	}
	return false
}

// StallIn implements Driver.
func (c *Controller[R]) StallIn(ep uint8) {
	c.regs.InStall(ep, true)
	pkg.LogDebug(pkg.ComponentHAL, "stall IN", "controller", c.name, "endpoint", ep)
}

// StallOut implements Driver.
func (c *Controller[R]) StallOut(ep uint8) {
	c.regs.OutStall(ep, true)
	pkg.LogDebug(pkg.ComponentHAL, "stall OUT", "controller", c.name, "endpoint", ep)
}

// ClearFeatureEndpointHalt implements Driver.
func (c *Controller[R]) ClearFeatureEndpointHalt(address uint8) {
	ep := address & 0x0F
	if address&0x80 != 0 {
		c.regs.InStall(ep, false)
		c.regs.InResetPID(ep)
	} else {
		c.regs.OutStall(ep, false)
		c.regs.OutResetPID(ep)
	}
	pkg.LogDebug(pkg.ComponentHAL, "endpoint halt cleared", "controller", c.name, "address", address)
}

// MaxPacketSize implements Driver.
func (c *Controller[R]) MaxPacketSize() int {
	return c.maxPkt
}

var _ Driver = (*Controller[Registers])(nil)
