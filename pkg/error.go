package pkg

import "github.com/efficientgo/core/errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates the host sent more data than the receive buffer holds.
	ErrOverrun = errors.New("data overrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Firmware lifecycle errors.
var (
	// ErrQueueFull indicates the event queue has no free slot.
	ErrQueueFull = errors.New("event queue full")

	// ErrHalted indicates the firmware stopped after a fatal condition.
	ErrHalted = errors.New("firmware halted")

	// ErrAlreadyTaken indicates a peripheral was already claimed.
	ErrAlreadyTaken = errors.New("peripheral already taken")

	// ErrAlreadyRunning indicates the main loop is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotConnected indicates the controller is not attached to a host.
	ErrNotConnected = errors.New("not connected")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	default:
		return ErrProtocol
	}
}

// Linux errno values carried in URB completions.
const (
	errnoEPROTO     = 71
	errnoEOVERFLOW  = 75
	errnoECONNRESET = 104
	errnoEPIPE      = 32
	errnoETIMEDOUT  = 110
)

// Errno returns the negative Linux errno reported for the status in URB
// completions: 0, -EPIPE for a stall, -ETIMEDOUT, -ECONNRESET for an
// unlinked transfer, -EOVERFLOW, and -EPROTO otherwise.
func (s TransferStatus) Errno() int32 {
	switch s {
	case TransferStatusSuccess:
		return 0
	case TransferStatusStall:
		return -errnoEPIPE
	case TransferStatusTimeout:
		return -errnoETIMEDOUT
	case TransferStatusCancelled:
		return -errnoECONNRESET
	case TransferStatusOverrun:
		return -errnoEOVERFLOW
	default:
		return -errnoEPROTO
	}
}

// StatusOf classifies an error into a TransferStatus.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	default:
		return TransferStatusError
	}
}
