package sdhci

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cursorhu/go-uhs2/uhs2"
)

// submitDeadline bounds the wait for hardware completion. The deadlock
// watchdog fires long before this; it only guards against a wedged
// controller that raises no interrupt at all.
const submitDeadline = 10 * time.Second

// Submit sends a request and blocks until its completion callback has run.
// The returned error is the request's classified error.
func (h *Host) Submit(req *uhs2.Request) error {
	done := make(chan struct{})
	userDone := req.Done
	req.Done = func(r *uhs2.Request) {
		if userDone != nil {
			userDone(r)
		}
		close(done)
	}

	if err := h.SubmitAtomic(req); err != nil {
		return err
	}

	dl := submitDeadline
	if req.Cmd != nil && req.Cmd.BusyTimeout > dl {
		dl = req.Cmd.BusyTimeout
	}
	select {
	case <-done:
		return req.Err()
	case <-time.After(dl):
		h.logger.Error("request never completed", "deadline", dl)
		h.mu.Lock()
		h.dumpLocked()
		h.mu.Unlock()
		return fmt.Errorf("request completion: %w", uhs2.ErrTimeout)
	}
}

// SubmitAtomic starts a request without waiting for completion. The
// request's Done callback fires from the completion worker. If the command
// inhibit bits never clear within the retry budget the request is rejected
// with ErrBusy and Done does not fire.
func (h *Host) SubmitAtomic(req *uhs2.Request) error {
	if !h.Present() {
		return fmt.Errorf("submit: %w", uhs2.ErrNoDevice)
	}
	cmd := req.Cmd
	cmd.Req = req
	if cmd.Data != nil {
		req.Data = cmd.Data
	}

	h.mu.Lock()
	for attempt := 0; !h.sendCommand(cmd); attempt++ {
		if attempt >= inhibitRetryBudget {
			h.mu.Unlock()
			h.logger.Error("command inhibit never cleared",
				"present", fmt.Sprintf("%#x", h.io.Read32(RegPresentState)))
			return fmt.Errorf("submit: %w", uhs2.ErrBusy)
		}
		h.mu.Unlock()
		time.Sleep(inhibitRetryDelay)
		if !h.Present() {
			return fmt.Errorf("submit: %w", uhs2.ErrNoDevice)
		}
		h.mu.Lock()
	}
	h.mu.Unlock()
	return nil
}

// sendCommand claims the command slot and transmits the packet. It returns
// false when the inhibit bits show the hardware still owns a slot the
// command needs.
func (h *Host) sendCommand(cmd *uhs2.Command) bool {
	mask := uint32(PresentCmdInhibit)
	if cmd.Data != nil || cmd.RespBusy {
		mask |= PresentDataInhibit
	}
	if h.io.Read32(RegPresentState)&mask != 0 {
		return false
	}

	h.cmd = cmd
	if cmd.Data != nil || cmd.RespBusy {
		h.dataCmd = cmd
		h.setTimeout()
	}
	if cmd.Data != nil {
		h.prepareData(cmd.Data)
	}
	h.setTransferMode(cmd)
	h.transmit(cmd)
	return true
}

// prepareData programs the block geometry for the data operation. DMA
// descriptor setup belongs to the external DMA collaborator; the engine
// only tracks that mappings exist so they are released on completion.
func (h *Host) prepareData(data *uhs2.Data) {
	h.data = data
	h.io.Write32(RegUHS2BlockSize, uint32(data.BlkSize))
	h.io.Write32(RegUHS2BlockCount, uint32(data.Blocks))
}

// setTransferMode derives the transfer-mode register from the command. The
// byte-mode and half-duplex decisions were already framed into the DCMD
// argument; the register mirrors them for the hardware datapath.
func (h *Host) setTransferMode(cmd *uhs2.Command) {
	if cmd.Data == nil {
		var mode uint16
		if cmd.RespBusy {
			mode = TransWaitEBSY
		}
		h.io.Write16(RegUHS2TransMode, mode)
		return
	}

	mode := uint16(TransBlkCntEn)
	if h.cfg.UseDMA {
		mode |= TransDMA
	}
	if cmd.Data.Write {
		mode |= TransDataWrite | TransWaitEBSY
	}
	if cmd.Packet.Arg&uhs2.DCmdTLUMByteMode != 0 {
		mode |= TransBlkByteMode
	}
	if cmd.Packet.Arg&uhs2.DCmd2LHDMode != 0 {
		mode |= Trans2LHD
	}
	h.io.Write16(RegUHS2TransMode, mode)
}

// transmit writes the packet window and triggers the command register.
// Writing the command register is what starts transmission, so it goes last.
func (h *Host) transmit(cmd *uhs2.Command) {
	w, err := cmd.Packet.MarshalWindow()
	if err != nil {
		cmd.Error = err
		h.cmd = nil
		if h.dataCmd == cmd {
			h.dataCmd = nil
			h.data = nil
		}
		h.finishRequest(cmd.Req)
		return
	}
	if h.cfg.RawLog != nil {
		h.cfg.RawLog.Log(false, w[:cmd.Packet.PacketLen()])
	}
	for i := 0; i < uhs2.MaxPacketLen; i += 4 {
		h.io.Write32(RegUHS2CmdPacket+uint32(i), binary.LittleEndian.Uint32(w[i:]))
	}

	creg := uint16(cmd.Packet.PacketLen()) << CmdPackLenShift
	if cmd.Data != nil {
		creg |= CmdData
	}
	if cmd.Packet.IsNative() {
		switch cmd.Packet.IOADR() {
		case uhs2.CmdTransAbort:
			creg |= CmdTransAbort
		case uhs2.CmdGoDormantState:
			creg |= CmdDormant
		}
	} else if cmd.Opcode == uhs2.SDStopTransmission {
		creg |= CmdCMD12
	}

	h.logger.Debug("send packet",
		"header", fmt.Sprintf("%#x", cmd.Packet.Header),
		"arg", fmt.Sprintf("%#x", cmd.Packet.Arg),
		"plen", cmd.Packet.PacketLen())
	h.io.Write16(RegUHS2Command, creg)
}

// finishCommand captures the response for the in-flight command and retires
// the command slot. Called with the lock held from the interrupt path.
func (h *Host) finishCommand() {
	cmd := h.cmd
	if cmd == nil {
		h.logger.Warn("response interrupt with no command in flight")
		h.dumpLocked()
		return
	}

	if nackByte := h.io.Read8(RegUHS2Response + 2); nackByte&uhs2.ResNACKMask != 0 {
		// A NACK is advisory at this layer. The protocol layer decides
		// whether the step tolerates it.
		h.logger.Warn("response NACK",
			"ecode", nackByte>>uhs2.ResECodePos&uhs2.ResECodeMask)
	}

	if cmd.Packet != nil && cmd.Packet.RespLen > 0 {
		for i := range cmd.Packet.Resp {
			cmd.Packet.Resp[i] = h.io.Read8(RegUHS2Response + uint32(i))
		}
		if h.cfg.RawLog != nil {
			h.cfg.RawLog.Log(true, cmd.Packet.Resp)
		}
	} else {
		// SD-TRAN responses carry the R-type payload after the RES
		// header, big-endian on the wire.
		for i := 0; i < 4; i++ {
			cmd.Resp[i] = beRead32(h.io, RegUHS2Response+4+uint32(4*i))
		}
	}

	h.cmd = nil

	if cmd.RespBusy && cmd.Data == nil {
		// Completion is ambiguous until end-of-busy; the data line
		// interrupt retires the request.
		return
	}
	if cmd.Data == nil || h.dataCmd != cmd {
		// No data phase, or the data phase already finished first.
		h.finishRequest(cmd.Req)
	}
}

// finishData retires the data operation, or the end-of-busy wait when no
// data was attached. Called with the lock held.
func (h *Host) finishData(derr error) {
	if h.data == nil {
		if cmd := h.dataCmd; cmd != nil && cmd.RespBusy {
			h.dataCmd = nil
			if derr != nil {
				cmd.Error = derr
			}
			if h.cmd != cmd {
				h.finishRequest(cmd.Req)
			}
			return
		}
		h.logger.Warn("data interrupt with no transfer in flight")
		h.dumpLocked()
		return
	}

	data := h.data
	cmd := h.dataCmd
	h.data = nil
	h.dataCmd = nil
	if derr != nil {
		data.Error = derr
	}

	// The request retires once both slots are free. An errored data phase
	// may still have its command awaiting a response; the response path
	// or the error path will get here after clearing it.
	if cmd != nil && h.cmd != cmd {
		h.finishRequest(cmd.Req)
	}
}

// finishRequest queues the request for the completion worker. Called with
// the lock held.
func (h *Host) finishRequest(req *uhs2.Request) {
	if req == nil {
		return
	}
	h.donePending = append(h.donePending, req)
	select {
	case h.doneKick <- struct{}{}:
	default:
	}
}

// completeWorker drains completed requests and card events. It is the only
// goroutine that invokes Done callbacks, so callbacks never race each other.
func (h *Host) completeWorker() {
	for {
		select {
		case <-h.closed:
			return
		case <-h.doneKick:
			for h.retireOne() {
			}
		case <-h.cardEvent:
			if h.cfg.OnCardEvent != nil {
				h.cfg.OnCardEvent()
			}
		}
	}
}

// retireOne processes the head of the completion queue. An errored request
// is deferred while another operation still owns the hardware; the reset
// must not disturb it.
func (h *Host) retireOne() bool {
	h.mu.Lock()
	if len(h.donePending) == 0 {
		h.mu.Unlock()
		return false
	}
	req := h.donePending[0]

	failed := req.Err() != nil
	if failed && (h.cmd != nil || h.dataCmd != nil) {
		h.mu.Unlock()
		return false
	}

	// DMA mappings are released before any reset touches the datapath.
	if req.Data != nil && h.cfg.OnDMARelease != nil {
		h.cfg.OnDMARelease(req.Data)
	}

	if failed {
		h.logger.Debug("request failed, resetting command and data submodules",
			"err", req.Err())
		h.Reset(ResetSD)
		h.clearSetErrIrqs(IntAllMask, ErrIntMask)
		h.io.Write32(RegIntEnable, h.ier)
		h.io.Write32(RegSignalEnable, h.ier)
	}

	h.donePending = h.donePending[1:]
	h.mu.Unlock()

	if req.Done != nil {
		req.Done(req)
	}
	return true
}

// beRead32 reads a 32-bit big-endian value from four byte-wide registers.
func beRead32(io RegisterIO, off uint32) uint32 {
	return uint32(io.Read8(off))<<24 |
		uint32(io.Read8(off+1))<<16 |
		uint32(io.Read8(off+2))<<8 |
		uint32(io.Read8(off+3))
}
