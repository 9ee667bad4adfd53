package pkg

import "errors"

// Error kinds shared by the transport, port and RNDIS layers.
var (
	// ErrInvalidArgument indicates a nil or malformed argument.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidSize indicates a length that does not fit the target buffer.
	ErrInvalidSize = errors.New("invalid size")

	// ErrNotFound indicates no matching device, interface or endpoint.
	ErrNotFound = errors.New("not found")

	// ErrNoMemory indicates a buffer or transfer could not be allocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrTimeout indicates a transfer or wait exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidState indicates an operation on a closed handle or an
	// already-installed driver.
	ErrInvalidState = errors.New("invalid state")

	// ErrBufferFull indicates a ring buffer had no room for the data.
	ErrBufferFull = errors.New("buffer full")

	// ErrFail indicates an operation produced no result in time.
	ErrFail = errors.New("operation failed")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoDevice indicates the device is gone.
	ErrNoDevice = errors.New("device not present")

	// ErrProtocol indicates a malformed or unexpected protocol message.
	ErrProtocol = errors.New("protocol error")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates the device sent more data than requested.
	ErrOverrun = errors.New("data overrun")

	// ErrBusy indicates the resource is already in use.
	ErrBusy = errors.New("resource busy")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrHalted indicates a submission to a halted endpoint.
	ErrHalted = errors.New("endpoint halted")

	// ErrAlreadyRunning indicates the host is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the host is not running.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled by halt/flush
	TransferStatusOverrun                         // Data overrun
	TransferStatusNoDevice                        // Device was removed
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
	case TransferStatusNoDevice:
		return "no device"
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
	case TransferStatusNoDevice:
		return ErrNoDevice
	default:
		return ErrProtocol
	}
}

// Terminal reports whether a polling loop should stop after this status
// instead of resubmitting.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCancelled || s == TransferStatusNoDevice
}

// StatusFromError maps an error returned by a host controller call onto a
// transfer status.
func StatusFromError(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrNoDevice):
		return TransferStatusNoDevice
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	default:
		return TransferStatusError
	}
}
