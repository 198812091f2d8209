package card

import (
	"fmt"

	"github.com/cursorhu/go-uhs2/uhs2"
)

// SD card status bits carried in R1 responses.
const (
	statusAppCmd       = 1 << 5
	statusReadyForData = 1 << 8
	statusCurrentState = 0xF << 9
)

// OCR bits.
const (
	ocrBusy = 1 << 31 // clear while the card is still powering up
	ocrCCS  = 1 << 30 // card capacity status (high capacity)
	ocrXPC  = 1 << 28 // maximum performance request
)

// sdCmd sends one legacy SD command over the SD-TRAN transport.
func (c *Card) sdCmd(opcode uint8, arg uint32, data *uhs2.Data, app bool) (*uhs2.Command, error) {
	cmd := &uhs2.Command{Opcode: opcode, SDArg: arg, Data: data}
	switch opcode {
	case uhs2.SDSelectCard, uhs2.SDStopTransmission, uhs2.SDEraseCmd:
		cmd.RespBusy = true
	}

	c.mu.Lock()
	opts := uhs2.SDTranOptions{
		NodeID:     c.nodeID,
		HalfDuplex: c.cfg.HalfDuplex,
		AppCmd:     app,
	}
	c.mu.Unlock()
	uhs2.PrepareSDCommand(cmd, opts)

	req := &uhs2.Request{Cmd: cmd}
	if err := c.host.Submit(req); err != nil {
		return cmd, fmt.Errorf("CMD%d: %w", opcode, err)
	}
	return cmd, nil
}

// appCmd sends an application-specific command, prefixed by CMD55.
func (c *Card) appCmd(opcode uint8, arg uint32, data *uhs2.Data) (*uhs2.Command, error) {
	pre, err := c.sdCmd(uhs2.SDAppCmd, uint32(c.RCA)<<16, nil, false)
	if err != nil {
		return pre, err
	}
	if pre.Resp[0]&statusAppCmd == 0 {
		return pre, fmt.Errorf("CMD55 not honored: %w", uhs2.ErrProtocol)
	}
	return c.sdCmd(opcode, arg, data, true)
}

// Status reads the card status register (CMD13).
func (c *Card) Status() (uint32, error) {
	cmd, err := c.sdCmd(uhs2.SDSendStatus, uint32(c.RCA)<<16, nil, false)
	if err != nil {
		return 0, err
	}
	return cmd.Resp[0], nil
}

// ReadBlock reads one data block at the given block address.
func (c *Card) ReadBlock(addr uint32, buf []byte) error {
	if c.State() != Active {
		return fmt.Errorf("read block: %w", uhs2.ErrInvalidState)
	}
	data := &uhs2.Data{Blocks: 1, BlkSize: len(buf), Buf: buf}
	_, err := c.sdCmd(uhs2.SDReadSingleBlock, addr, data, false)
	return err
}

// WriteBlock writes one data block at the given block address.
func (c *Card) WriteBlock(addr uint32, buf []byte) error {
	if c.State() != Active {
		return fmt.Errorf("write block: %w", uhs2.ErrInvalidState)
	}
	if c.ReadOnly() {
		return fmt.Errorf("write block: card is write protected: %w",
			uhs2.ErrNotSupported)
	}
	data := &uhs2.Data{Blocks: 1, BlkSize: len(buf), Write: true, Buf: buf}
	_, err := c.sdCmd(uhs2.SDWriteBlock, addr, data, false)
	return err
}

// sdSwitch issues CMD6. Mode 0 queries, mode 1 commits; group counts from 1
// and value replaces that group's nibble in the otherwise no-change argument.
func (c *Card) sdSwitch(mode, group, value uint32, status []byte) error {
	arg := mode<<31 | 0x00FFFFFF
	arg &^= 0xF << (4 * group)
	arg |= value << (4 * group)

	data := &uhs2.Data{Blocks: 1, BlkSize: len(status), Buf: status}
	_, err := c.sdCmd(uhs2.SDSwitchFunc, arg, data, false)
	return err
}
