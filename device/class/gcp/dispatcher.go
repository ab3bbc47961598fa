package gcp

import (
	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/hal"
	"github.com/ardnew/gcpusb/pkg"
)

// DataSource provides the host data received with the last request.
// [*device.Control] satisfies it.
type DataSource interface {
	Data() []byte
}

// Result classifies how the dispatcher answered a request.
type Result uint8

// Request outcomes.
const (
	ResultRejected     Result = iota // unrecognized; endpoint stalled
	ResultLegacy                     // legacy scan request; IN stalled
	ResultClaimed                    // control port released
	ResultSubmitted                  // command executed, response pending
	ResultSubmitFailed               // command failed, error pending, IN stalled
	ResultFetched                    // response written
	ResultFetchError                 // fetch while an error is pending
	ResultFetchEmpty                 // fetch with nothing pending; IN stalled
	ResultAborted                    // error code written, slots cleared
)

// String returns the result name, as used in metric labels.
func (r Result) String() string {
	switch r {
	case ResultRejected:
		return "rejected"
	case ResultLegacy:
		return "legacy"
	case ResultClaimed:
		return "claimed"
	case ResultSubmitted:
		return "submitted"
	case ResultSubmitFailed:
		return "submit_failed"
	case ResultFetched:
		return "fetched"
	case ResultFetchError:
		return "fetch_error"
	case ResultFetchEmpty:
		return "fetch_empty"
	case ResultAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Dispatcher carries the command protocol between vendor control
// requests and a Registry. A command is submitted with an Execute OUT
// request carrying the command, its response fetched with an Execute IN
// request, and a failure collected with a Cancel IN request.
//
// A Dispatcher is owned by the main loop and is not safe for concurrent use.
type Dispatcher struct {
	drv      hal.Driver
	endpoint uint8
	data     DataSource
	registry Registry

	response    [MaxCommandSize]byte
	responseLen int
	hasResponse bool

	lastError Error
	hasError  bool

	legacy  [256]bool
	onClaim func()
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClaimHandler sets the function invoked after a claim-interface
// request is acknowledged.
func WithClaimHandler(fn func()) DispatcherOption {
	return func(d *Dispatcher) {
		d.onClaim = fn
	}
}

// WithLegacyRequests replaces the vendor request codes answered with an IN
// stall only. The default is DefaultLegacyRequests.
func WithLegacyRequests(codes ...uint8) DispatcherOption {
	return func(d *Dispatcher) {
		d.legacy = [256]bool{}
		for _, c := range codes {
			d.legacy[c] = true
		}
	}
}

// NewDispatcher returns a dispatcher answering requests on control
// endpoint ep of drv, reading submitted commands from data.
func NewDispatcher(drv hal.Driver, ep uint8, data DataSource, registry Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		drv:      drv,
		endpoint: ep,
		data:     data,
		registry: registry,
	}
	for _, c := range DefaultLegacyRequests {
		d.legacy[c] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Pending reports whether a response or an error is waiting for the host.
func (d *Dispatcher) Pending() (response, err bool) {
	return d.hasResponse, d.hasError
}

// HandleRequest answers a setup packet the control endpoint did not handle.
func (d *Dispatcher) HandleRequest(setup device.SetupPacket) Result {
	dir := setup.Direction()
	request := VendorRequest(setup.Request)
	value := VendorValue(setup.Value)

	pkg.LogDebug(pkg.ComponentVendor, "vendor request",
		"type", setup.Type(), "recipient", setup.Recipient(), "direction", dir,
		"request", request, "value", value)

	if setup.Type() != device.RequestTypeVendor {
		pkg.LogError(pkg.ComponentVendor, "stall: unknown request", "setup", setup)
		d.stall(dir)
		return ResultRejected
	}

	switch {
	case request == RequestClaimInterface && setup.Recipient() == device.RecipientInterface:
		d.drv.Write(d.endpoint, nil)
		pkg.LogInfo(pkg.ComponentVendor, "releasing control port")
		if d.onClaim != nil {
			d.onClaim()
		}
		return ResultClaimed

	case request == RequestCommand:
		switch {
		case value == ValueExecute && dir == device.DirectionHostToDevice:
			return d.submit()
		case value == ValueExecute && dir == device.DirectionDeviceToHost:
			return d.fetch(setup)
		case value == ValueCancel && dir == device.DirectionDeviceToHost:
			return d.abort(setup)
		}
		pkg.LogError(pkg.ComponentVendor, "stall: unknown vendor value and direction",
			"direction", dir, "request", request, "value", value)
		d.stall(dir)
		return ResultRejected

	case request == RequestClaimInterface || d.legacy[setup.Request]:
		// board scans from older host tools expect an IN stall
		d.drv.StallIn(d.endpoint)
		pkg.LogWarn(pkg.ComponentVendor, "legacy vendor request", "request", request)
		return ResultLegacy
	}

	pkg.LogError(pkg.ComponentVendor, "stall: unknown vendor request", "request", request)
	d.stall(dir)
	return ResultRejected
}

func (d *Dispatcher) stall(dir device.Direction) {
	if dir == device.DirectionHostToDevice {
		d.drv.StallOut(d.endpoint)
	} else {
		d.drv.StallIn(d.endpoint)
	}
}

// submit executes the command in the received host data.
func (d *Dispatcher) submit() Result {
	d.hasResponse, d.hasError = false, false

	var cmd Command
	if err := ParseCommand(d.data.Data(), &cmd); err != nil {
		pkg.LogError(pkg.ComponentVendor, "failed to parse command",
			"length", len(d.data.Data()), "err", err)
		d.fail(ErrBadMessage)
		return ResultSubmitFailed
	}

	n, err := d.registry.Dispatch(cmd.Class, cmd.Verb, cmd.Args, d.response[:])
	if err != nil {
		pkg.LogError(pkg.ComponentVendor, "failed to dispatch command",
			"class", cmd.Class, "verb", cmd.Verb, "err", err)
		d.fail(AsError(err))
		return ResultSubmitFailed
	}

	d.responseLen = min(n, len(d.response))
	d.hasResponse = true
	pkg.LogDebug(pkg.ComponentVendor, "command executed",
		"class", cmd.Class, "verb", cmd.Verb, "response", d.responseLen)
	return ResultSubmitted
}

// fail records code and stalls IN so the host collects it with an abort.
func (d *Dispatcher) fail(code Error) {
	d.lastError, d.hasError = code, true
	d.hasResponse = false
	d.drv.StallIn(d.endpoint)
}

// fetch writes the pending response.
func (d *Dispatcher) fetch(setup device.SetupPacket) Result {
	switch {
	case d.hasResponse:
		d.drv.PrimeReceive(d.endpoint)
		d.drv.WriteRequested(d.endpoint, setup.Length, d.response[:d.responseLen])
		d.hasResponse, d.responseLen = false, 0
		return ResultFetched

	case d.hasError:
		pkg.LogWarn(pkg.ComponentVendor, "response requested with error pending", "err", d.lastError)
		return ResultFetchError

	default:
		pkg.LogError(pkg.ComponentVendor, "stall: response requested but none pending")
		d.drv.StallIn(d.endpoint)
		return ResultFetchEmpty
	}
}

// abort writes the pending error code and clears both slots.
func (d *Dispatcher) abort(setup device.SetupPacket) Result {
	code := ErrStateNotRecoverable
	if d.hasError {
		code = d.lastError
		pkg.LogWarn(pkg.ComponentVendor, "command aborted", "err", code)
	} else {
		pkg.LogWarn(pkg.ComponentVendor, "abort requested but no error pending")
	}

	var buf [ErrorSize]byte
	code.MarshalTo(buf[:])
	d.drv.PrimeReceive(d.endpoint)
	d.drv.WriteRequested(d.endpoint, setup.Length, buf[:])

	d.hasResponse, d.responseLen = false, 0
	d.hasError, d.lastError = false, 0
	return ResultAborted
}
