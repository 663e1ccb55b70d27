package pkg

import "errors"

// USB protocol and engine errors.
var (
	// ErrSetupTooShort indicates the control FIFO held fewer than the
	// eight bytes of a SETUP packet. The transfer is dropped and the
	// control pipe returns to idle.
	ErrSetupTooShort = errors.New("setup packet too short")

	// ErrFlushTimeout indicates the IN FIFO failed to drain within the
	// retry budget during a multi-packet write.
	ErrFlushTimeout = errors.New("IN FIFO flush timeout")

	// ErrQueueOverflow indicates the interrupt event queue was full.
	// This is a fatal condition; the dispatcher panics rather than
	// drop events.
	ErrQueueOverflow = errors.New("event queue overflow")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	// The engine resolves it by stalling endpoint zero.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrNotConnected indicates the port has not been connected.
	ErrNotConnected = errors.New("port not connected")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not
	// match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrAlreadyRunning indicates the engine is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrCancelled indicates a cancelled operation.
	ErrCancelled = errors.New("cancelled")
)

// Severity classifies an engine error per the firmware failure policy.
type Severity int

// Severity classes.
const (
	SeverityRecoverable Severity = iota // counted and logged, device keeps running
	SeverityProtocol                    // rejected on the wire with an endpoint stall
	SeverityFatal                       // firmware aborts
)

// String returns a string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityRecoverable:
		return "recoverable"
	case SeverityProtocol:
		return "protocol"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify reports the severity of an engine error.
func Classify(err error) Severity {
	switch {
	case errors.Is(err, ErrQueueOverflow):
		return SeverityFatal
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrStall),
		errors.Is(err, ErrNotSupported):
		return SeverityProtocol
	default:
		return SeverityRecoverable
	}
}
