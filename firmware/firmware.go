package firmware

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/pkg"
	"github.com/ardnew/gcpusb/pkg/trace"
)

// EventSink receives events from the target port.
type EventSink interface {
	DispatchEvent(ev device.UsbEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev device.UsbEvent)

// DispatchEvent implements EventSink.
func (f EventSinkFunc) DispatchEvent(ev device.UsbEvent) { f(ev) }

// logSink logs target events it has nowhere else to send.
var logSink = EventSinkFunc(func(ev device.UsbEvent) {
	pkg.LogDebug(pkg.ComponentFirmware, "target event", "event", ev)
})

// Firmware ties a controller, its control endpoint and the vendor command
// dispatcher together around an event queue. Interrupt context calls
// HandleInterrupt or DispatchEvent; a single goroutine calls Run.
type Firmware struct {
	drv     hal.Driver
	speed   hal.Speed
	control *device.Control
	vendor  *gcp.Dispatcher

	queue  *Queue[InterruptEvent]
	notify chan struct{}

	targetDrv hal.Driver
	target    EventSink

	tracer  trace.Analyzer
	metrics *Metrics
	onHalt  func()

	halted    atomic.Bool
	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	// main loop only
	maxQueueLength int
}

// Option configures a Firmware.
type Option func(*config)

type config struct {
	speed      hal.Speed
	queueSize  int
	tracer     trace.Analyzer
	metrics    *Metrics
	targetDrv  hal.Driver
	target     EventSink
	onHalt     func()
	vendorOpts []gcp.DispatcherOption
}

// WithSpeed sets the speed advertised on Initialize. The default is the
// speed of the descriptors.
func WithSpeed(speed hal.Speed) Option {
	return func(c *config) {
		c.speed = speed
	}
}

// WithQueueSize sets the event queue capacity. It must be a power of two.
func WithQueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// WithTracer sets the trace analyzer driven from interrupt context.
func WithTracer(a trace.Analyzer) Option {
	return func(c *config) {
		c.tracer = a
	}
}

// WithMetrics sets the metrics the main loop records into.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTarget attaches the target port controller and the sink its events
// are delivered to. A nil sink logs them.
func WithTarget(drv hal.Driver, sink EventSink) Option {
	return func(c *config) {
		c.targetDrv = drv
		c.target = sink
	}
}

// WithHaltHandler sets the function called in interrupt context after an
// event queue overflow. The default blocks until Close.
func WithHaltHandler(fn func()) Option {
	return func(c *config) {
		c.onHalt = fn
	}
}

// WithVendorOptions passes options to the vendor command dispatcher.
func WithVendorOptions(opts ...gcp.DispatcherOption) Option {
	return func(c *config) {
		c.vendorOpts = append(c.vendorOpts, opts...)
	}
}

// New returns firmware serving descriptors and the commands of registry on
// control endpoint 0 of drv.
func New(drv hal.Driver, descriptors device.Descriptors, registry gcp.Registry, opts ...Option) (*Firmware, error) {
	cfg := config{
		speed:     descriptors.Speed,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := descriptors.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate descriptors")
	}
	queue, err := NewQueue[InterruptEvent](cfg.queueSize)
	if err != nil {
		return nil, errors.Wrap(err, "create event queue")
	}

	f := &Firmware{
		drv:       drv,
		speed:     cfg.speed,
		queue:     queue,
		notify:    make(chan struct{}, 1),
		targetDrv: cfg.targetDrv,
		target:    cfg.target,
		tracer:    trace.OrNop(cfg.tracer),
		metrics:   cfg.metrics,
		onHalt:    cfg.onHalt,
		done:      make(chan struct{}),
	}
	if f.target == nil {
		f.target = logSink
	}
	if f.onHalt == nil {
		f.onHalt = func() { <-f.done }
	}
	f.control = device.NewControl(0, descriptors, device.WithReceiveBufferSize(gcp.MaxCommandSize))
	f.vendor = gcp.NewDispatcher(drv, 0, f.control, registry, cfg.vendorOpts...)
	return f, nil
}

// Control returns the control endpoint state machine.
func (f *Firmware) Control() *device.Control {
	return f.control
}

// Vendor returns the vendor command dispatcher.
func (f *Firmware) Vendor() *gcp.Dispatcher {
	return f.vendor
}

// Halted reports whether an event queue overflow stopped the firmware.
func (f *Firmware) Halted() bool {
	return f.halted.Load()
}

// QueueLength returns the number of events waiting for the main loop.
func (f *Firmware) QueueLength() int {
	return f.queue.Len()
}

// Initialize connects the controller at the configured speed and enables
// its interrupt events.
func (f *Firmware) Initialize() error {
	if f.speed == hal.SpeedUnknown {
		return errors.Wrap(pkg.ErrInvalidParameter, "device speed not set")
	}
	f.drv.Connect(f.speed)
	f.drv.EnableEvents()
	if f.targetDrv != nil {
		f.targetDrv.EnableEvents()
	}
	pkg.LogInfo(pkg.ComponentFirmware, "controller connected", "speed", f.speed)
	return nil
}

// DispatchEvent queues ev for the main loop. It never blocks unless the
// queue overflows, in which case every queued event is logged, the
// firmware halts and the halt handler runs.
func (f *Firmware) DispatchEvent(ev InterruptEvent) {
	if f.halted.Load() {
		return
	}
	if err := f.queue.Enqueue(ev); err != nil {
		f.overflow(ev)
		return
	}
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Firmware) overflow(ev InterruptEvent) {
	if !f.halted.CompareAndSwap(false, true) {
		return
	}
	pkg.LogError(pkg.ComponentQueue, "event queue overflow", "event", ev, "capacity", f.queue.Cap())
	for {
		queued, ok := f.queue.Dequeue()
		if !ok {
			break
		}
		pkg.LogError(pkg.ComponentQueue, "dropped event", "event", queued)
	}
	f.metrics.observeOverflow()
	f.drv.DisableEvents()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	f.onHalt()
}

// Close stops Run and releases a blocked halt handler.
func (f *Firmware) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}

// Run is the main loop. It drains the event queue, then waits for more
// events. It returns pkg.ErrHalted after an overflow, ctx.Err() when ctx
// is done, and nil after Close.
func (f *Firmware) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer f.running.Store(false)

	pkg.LogInfo(pkg.ComponentFirmware, "entering main loop")
	for {
		if f.halted.Load() {
			return pkg.ErrHalted
		}
		n := f.drain()
		if n > f.maxQueueLength {
			f.maxQueueLength = n
			f.metrics.observeQueueLength(n)
			pkg.LogDebug(pkg.ComponentFirmware, "max queue length", "length", n)
		}
		if f.halted.Load() {
			return pkg.ErrHalted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-f.notify:
		}
	}
}

// drain handles queued events until the queue is empty and returns how
// many it handled.
func (f *Firmware) drain() int {
	n := 0
	for !f.halted.Load() {
		ev, ok := f.queue.Dequeue()
		if !ok {
			break
		}
		n++
		f.handle(ev)
	}
	return n
}

func (f *Firmware) handle(ev InterruptEvent) {
	f.metrics.observeEvent(ev)

	if ev.Kind == InterruptErrorMessage {
		pkg.LogError(pkg.ComponentFirmware, "interrupt error", "message", ev.Message)
		return
	}

	switch {
	case ev.Interface == InterfaceControl &&
		(ev.Event.Kind == device.EventBusReset || ev.Event.Endpoint == f.control.Endpoint()):
		pkg.LogDebug(pkg.ComponentFirmware, "control event", "event", ev.Event)
		if setup, ok := f.control.DispatchEvent(f.drv, ev.Event); ok {
			f.metrics.observeVendorResult(f.vendor.HandleRequest(setup))
		}

	case ev.Interface == InterfaceTarget:
		f.target.DispatchEvent(ev.Event)

	default:
		pkg.LogError(pkg.ComponentFirmware, "unhandled event", "event", ev)
	}
}

// DeviceRelease encodes a board revision as a bcdDevice value.
func DeviceRelease(major, minor uint8) uint16 {
	return uint16(major)<<8 | uint16(minor)
}
