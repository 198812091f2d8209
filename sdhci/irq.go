package sdhci

import (
	"fmt"

	"github.com/cursorhu/go-uhs2/uhs2"
)

// maxIrqLoops bounds the status re-read loop so a stuck status line cannot
// wedge the handler.
const maxIrqLoops = 16

// HandleIRQ services the controller interrupt: it acknowledges and
// dispatches every pending cause, re-reading the status register until it
// is quiet. It returns whether any interrupt was handled.
//
// On hardware this is the threaded IRQ handler; the simulator calls it
// after raising status bits.
func (h *Host) HandleIRQ() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	handled := false
	for i := 0; i < maxIrqLoops; i++ {
		intmask := h.io.Read32(RegIntStatus) & h.ier
		if intmask == 0 || intmask == 0xFFFFFFFF {
			break
		}
		handled = true
		h.io.Write32(RegIntStatus, intmask)

		if intmask&IntError != 0 {
			h.errorIRQ()
		}
		if intmask&IntResponse != 0 {
			h.finishCommand()
		}
		if intmask&IntDataEnd != 0 {
			h.finishData(nil)
		}
		if intmask&(IntCardInsert|IntCardRemove) != 0 {
			select {
			case h.cardEvent <- struct{}{}:
			default:
			}
		}
	}
	return handled
}

// errorIRQ classifies the UHS-II error interrupt causes into command and
// data errors and tears down whatever they hit. Called with the lock held.
func (h *Host) errorIRQ() {
	errmask := h.io.Read32(RegUHS2ErrIntStatus)
	h.io.Write32(RegUHS2ErrIntStatus, errmask)

	h.logger.Debug("error interrupt", "mask", fmt.Sprintf("%#x", errmask))

	if cmdErr := errmask & ErrIntCmdMask; cmdErr != 0 {
		h.commandError(cmdErr)
	}
	if dataErr := errmask & ErrIntDataMask; dataErr != 0 {
		h.dataError(dataErr)
	}
}

// commandError fails the in-flight command. A response timeout is a timeout;
// every other command-path cause is a protocol error.
func (h *Host) commandError(cmdErr uint32) {
	cmd := h.cmd
	if cmd == nil {
		h.logger.Warn("command error with no command in flight",
			"mask", fmt.Sprintf("%#x", cmdErr))
		h.dumpLocked()
		return
	}

	if cmdErr&ErrIntResTimeout != 0 {
		cmd.Error = fmt.Errorf("response timeout: %w", uhs2.ErrTimeout)
	} else {
		cmd.Error = fmt.Errorf("command error %#x: %w", cmdErr, uhs2.ErrProtocol)
	}

	h.cmd = nil
	if h.dataCmd == cmd {
		h.dataCmd = nil
		h.data = nil
	}
	h.finishRequest(cmd.Req)
}

// dataError fails the in-flight data operation. Causes are ranked: a
// deadlock timeout outranks an ADMA fault, which outranks the remaining
// protocol-level causes. The teardown runs through finishData so the busy
// and slot bookkeeping stays in one place.
func (h *Host) dataError(dataErr uint32) {
	if h.data == nil && h.dataCmd == nil {
		h.logger.Warn("data error with no transfer in flight",
			"mask", fmt.Sprintf("%#x", dataErr))
		h.dumpLocked()
		return
	}

	var derr error
	switch {
	case dataErr&ErrIntDeadlockTimeout != 0:
		derr = fmt.Errorf("deadlock timeout: %w", uhs2.ErrTimeout)
	case dataErr&ErrIntADMA != 0:
		derr = fmt.Errorf("ADMA error %#x: %w",
			h.io.Read32(RegADMAError), uhs2.ErrTransport)
	case dataErr&ErrIntRetryExpired != 0:
		derr = fmt.Errorf("retry budget exhausted: %w", uhs2.ErrRetryBudget)
	default:
		derr = fmt.Errorf("data error %#x: %w", dataErr, uhs2.ErrProtocol)
	}

	// A failed data phase also retires its command; the response that
	// would have cleared the slot may never arrive.
	if cmd := h.dataCmd; cmd != nil && h.cmd == cmd {
		h.cmd = nil
	}
	h.finishData(derr)
}
