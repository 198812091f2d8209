package card

import (
	"fmt"
	"time"

	"github.com/cursorhu/go-uhs2/uhs2"
)

const (
	// ccSwitch marks CMD6 support in the CSD command class field.
	ccSwitch = 1 << 10

	// powerLimit180W is the CMD6 power limit group value for 1.80W.
	powerLimitGroup = 3
	powerLimit180W  = 4

	// ACMD41 polling for the card to finish its power-up.
	opCondAttempts = 100
	opCondDelay    = 10 * time.Millisecond
)

// legacyInit bootstraps the SD card state over the active UHS-II transport.
// The card still expects the legacy identification flow; the power limit for
// VDD1/VDD2 is set through CMD6 and survives a later dormant soft reset.
func (c *Card) legacyInit() error {
	if _, err := c.sdCmd(uhs2.SDGoIdleState, 0, nil, false); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)

	if err := c.sendIfCond(); err != nil {
		c.log.Warn("interface condition check failed", "err", err)
		return err
	}

	// Probe the card's working voltage with an inquiry ACMD41.
	ocr, err := c.sendAppOpCond(0)
	if err != nil {
		return err
	}
	c.OCR = ocr

	// Out-of-spec VDD claims, bit 7 included, are treated as invalid.
	ocr &^= 0x7FFF
	rocr, err := c.selectVoltage(ocr)
	if err != nil {
		return err
	}
	if rocr == 0 {
		// Some cards report a zero OCR in UHS-II mode; fall back to the
		// host's window.
		rocr = c.opts.OCRAvail
	}
	rocr |= ocrCCS | ocrXPC

	if err := c.waitPowerUp(rocr); err != nil {
		return err
	}

	cmd, err := c.sdCmd(uhs2.SDAllSendCID, 0, nil, false)
	if err != nil {
		return err
	}
	c.RawCID = cmd.Resp

	cmd, err = c.sdCmd(uhs2.SDSendRelativeAddr, 0, nil, false)
	if err != nil {
		return err
	}
	c.RCA = uint16(cmd.Resp[0] >> 16)

	cmd, err = c.sdCmd(uhs2.SDSendCSD, uint32(c.RCA)<<16, nil, false)
	if err != nil {
		return err
	}
	c.RawCSD = cmd.Resp
	c.decodeCSD()

	if _, err := c.sdCmd(uhs2.SDSelectCard, uint32(c.RCA)<<16, nil, false); err != nil {
		return err
	}

	if err := c.readSCR(); err != nil {
		return err
	}

	// Switch to the high power consumption mode. The card still works at
	// the lower limit, only slower, so a failed switch is not fatal.
	if c.cmdClass&ccSwitch == 0 {
		c.log.Warn("card lacks the mandatory switch function, performance might suffer")
	} else {
		status := make([]byte, 64)
		err := c.sdSwitch(0, powerLimitGroup, powerLimit180W, status)
		if err == nil {
			err = c.sdSwitch(1, powerLimitGroup, powerLimit180W, status)
		}
		if err != nil {
			c.log.Warn("power limit switch failed", "err", err)
		}
	}

	c.probeReadOnly()
	return nil
}

// sendIfCond issues CMD8 with the standard check pattern and verifies the
// echo.
func (c *Card) sendIfCond() error {
	const checkPattern = 0xAA
	var vhs uint32
	if c.opts.OCRAvail&0x00FF8000 != 0 {
		vhs = 1 << 8 // 2.7-3.6V
	}

	cmd, err := c.sdCmd(uhs2.SDSendIfCond, vhs|checkPattern, nil, false)
	if err != nil {
		return err
	}
	if cmd.Resp[0]&0xFF != checkPattern {
		return fmt.Errorf("CMD8: bad check pattern echo %#x: %w",
			cmd.Resp[0]&0xFF, uhs2.ErrProtocol)
	}
	return nil
}

// sendAppOpCond issues a single ACMD41 and returns the OCR.
func (c *Card) sendAppOpCond(arg uint32) (uint32, error) {
	cmd, err := c.appCmd(uhs2.SDAppOpCond, arg, nil)
	if err != nil {
		return 0, err
	}
	return cmd.Resp[0], nil
}

// waitPowerUp polls ACMD41 until the card clears its internal busy state.
func (c *Card) waitPowerUp(ocr uint32) error {
	for i := 0; i < opCondAttempts; i++ {
		got, err := c.sendAppOpCond(ocr)
		if err != nil {
			return err
		}
		if got&ocrBusy != 0 {
			c.OCR = got
			return nil
		}
		time.Sleep(opCondDelay)
	}
	c.log.Error("card stuck in power-up", "ocr", fmt.Sprintf("%#x", ocr))
	return fmt.Errorf("ACMD41: %w", uhs2.ErrTimeout)
}

// readSCR fetches and records the SD configuration register.
func (c *Card) readSCR() error {
	buf := make([]byte, 8)
	data := &uhs2.Data{Blocks: 1, BlkSize: 8, Buf: buf}
	if _, err := c.appCmd(uhs2.SDAppSendSCR, 0, data); err != nil {
		return err
	}
	copy(c.RawSCR[:], buf)
	return nil
}

// decodeCSD extracts the fields the driver needs from a version 2.0 CSD:
// the command classes and the capacity.
func (c *Card) decodeCSD() {
	c.cmdClass = uint16(c.RawCSD[1] >> 20 & 0xFFF)

	if c.RawCSD[0]>>30 == 1 {
		// CSD 2.0: capacity = (C_SIZE + 1) * 512 KiB.
		csize := uint64(c.RawCSD[1]&0x3F)<<16 | uint64(c.RawCSD[2]>>16)
		c.Capacity = (csize + 1) * 512 * 1024
	} else {
		c.log.Warn("standard capacity CSD on a UHS-II card")
	}
}

// probeReadOnly checks the write-protect switch. Slots without one report
// the card as writable.
func (c *Card) probeReadOnly() {
	if c.opts.NoWriteProtect {
		c.readOnly = false
		return
	}
	// No write-protect pin is modeled by the controller interface; assume
	// write-enabled, as micro-SD form factors do.
	c.log.Debug("no write-protect probe available, assuming write-enable")
	c.readOnly = false
}
