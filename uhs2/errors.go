package uhs2

import "errors"

// Protocol and transport errors.
var (
	// ErrTimeout indicates a bounded poll or response wait exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrProtocol indicates a response failed a structural check (wrong echoed
	// opcode, rejection bit set, malformed length).
	ErrProtocol = errors.New("protocol violation")

	// ErrTransport indicates a DMA/descriptor failure or an unclassified link
	// error signaled by the controller.
	ErrTransport = errors.New("transport error")

	// ErrRetryBudget indicates a retry ceiling was reached.
	ErrRetryBudget = errors.New("retry budget exhausted")

	// ErrBusy indicates the controller reported a command-inhibit condition.
	ErrBusy = errors.New("controller busy")

	// ErrNoDevice indicates no device is present on the link.
	ErrNoDevice = errors.New("device not present")

	// ErrNotSupported indicates the controller or device lacks a required capability.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidState indicates an operation was attempted in the wrong link state.
	ErrInvalidState = errors.New("invalid link state")

	// ErrPacketTooLong indicates a packet exceeds the hardware packet window.
	ErrPacketTooLong = errors.New("packet exceeds window size")
)
