package card

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/cursorhu/go-uhs2/uhs2"
)

const (
	// devInitAttempts bounds the DEVICE_INIT broadcast. Past it the device
	// is treated as absent.
	devInitAttempts = 30

	// devInitBusyTimeout is the device's allowance to start its response
	// after receiving DEVICE_INIT.
	devInitBusyTimeout = 1000 * time.Millisecond

	// Config-completion polling after a dormant soft reset.
	cfgCompletePeriod  = 1 * time.Millisecond
	cfgCompleteTimeout = 100 * time.Millisecond

	// dormantClockDelay lets the clock settle between gating it off and
	// back on during a dormant exit.
	dormantClockDelay = 5 * time.Millisecond
)

// submitCCMD sends a native control command and returns its completion state.
func (c *Card) submitCCMD(p *uhs2.Packet, busy time.Duration) (*uhs2.Command, error) {
	cmd := &uhs2.Command{Packet: p, BusyTimeout: busy}
	req := &uhs2.Request{Cmd: cmd}
	if err := c.host.Submit(req); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// powerUp applies power, the initial clock and UHS-II timing. Idempotent
// while already powered.
func (c *Card) powerUp() error {
	if c.ios.PowerMode == uhs2.PowerOn {
		return nil
	}
	c.ios.VDD = 31 - bits.LeadingZeros32(c.opts.OCRAvail)
	c.ios.Clock = c.fInit
	c.ios.Timing = uhs2.TimingUHS2
	c.ios.PowerMode = uhs2.PowerOn

	if err := c.host.SetIOS(&c.ios); err != nil {
		return err
	}
	time.Sleep(c.opts.PowerDelay)
	return nil
}

// powerOff drops bus power and reverts to legacy timing.
func (c *Card) powerOff() error {
	if c.ios.PowerMode == uhs2.PowerOff {
		return nil
	}
	c.ios.VDD = 0
	c.ios.Clock = 0
	c.ios.Timing = uhs2.TimingLegacy
	c.ios.PowerMode = uhs2.PowerOff
	return c.host.SetIOS(&c.ios)
}

// phyInit runs the controller's electrical bring-up: interface detection and
// lane synchronization.
func (c *Card) phyInit() error {
	c.setState(PhyTraining)
	if err := c.host.Control(uhs2.OpPhyInit); err != nil {
		c.log.Error("PHY initialization failed", "err", err)
		return err
	}
	return nil
}

// devInit broadcasts DEVICE_INIT until the device reports completion. The
// group descriptor advances whenever the device echoes back the offered
// group allocated power; the accepted descriptor is kept for enumeration.
func (c *Card) devInit() error {
	c.setState(DeviceInitPending)

	hcaps := c.host.HostCaps()
	dap := hcaps.DAP
	gap := hcaps.GAP
	gd := uint32(0)

	for cnt := 0; cnt < devInitAttempts; cnt++ {
		payload := dap&0xF<<uhs2.DevInitDAPPos |
			uhs2.DevInitCompleteFlag |
			gd&0xF<<uhs2.DevInitGDPos |
			gap&0xF

		p := uhs2.NewCCMD(0, uhs2.CmdDeviceInit, true, uhs2.Plen4B,
			[]uint32{payload}, uhs2.DevInitRespLen)
		cmd, err := c.submitCCMD(p, devInitBusyTimeout)
		if err != nil {
			return fmt.Errorf("device init: %w", err)
		}

		resp := cmd.Packet.Resp
		if resp[3] != uint8(uhs2.CmdDeviceInit&0xFF) {
			return fmt.Errorf("device init: bad opcode echo %#x: %w",
				resp[3], uhs2.ErrProtocol)
		}

		if resp[5]&0x8 != 0 {
			c.mu.Lock()
			c.groupDesc = uint8(gd)
			c.mu.Unlock()
			c.log.Debug("device init complete", "attempts", cnt+1, "gd", gd)
			return nil
		}
		if uint32(resp[4]&0xF) == gap {
			gd++
		}
	}

	c.log.Error("device never completed initialization",
		"attempts", devInitAttempts)
	return fmt.Errorf("device init: %w", uhs2.ErrNoDevice)
}

// enumerate assigns the device its node id. Only point-to-point topologies
// are supported, so a single id comes back.
func (c *Card) enumerate() error {
	p := uhs2.NewCCMD(0, uhs2.CmdEnumerate, true, uhs2.Plen4B,
		[]uint32{0xF << 4}, uhs2.DevEnumRespLen)
	cmd, err := c.submitCCMD(p, 0)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}

	resp := cmd.Packet.Resp
	if resp[3] != uint8(uhs2.CmdEnumerate&0xFF) {
		return fmt.Errorf("enumerate: bad opcode echo %#x: %w",
			resp[3], uhs2.ErrProtocol)
	}

	c.mu.Lock()
	c.nodeID = resp[4] >> 4 & 0xF
	c.mu.Unlock()
	c.setState(Enumerated)
	c.log.Debug("enumerated", "node_id", resp[4]>>4&0xF)
	return nil
}

// configRead reads the three device capability registers and decodes them,
// applying the zero sentinels for N_FCU and the LSS timings.
func (c *Card) configRead() error {
	var caps uhs2.DeviceCaps

	p := uhs2.NewCCMD(c.nodeID, uhs2.ConfigGenCaps, false, uhs2.Plen4B, nil, 0)
	cmd, err := c.submitCCMD(p, 0)
	if err != nil {
		return fmt.Errorf("config read generic: %w", err)
	}
	caps.DecodeGenCaps(cmd.Resp[0])

	p = uhs2.NewCCMD(c.nodeID, uhs2.ConfigPhyCaps, false, uhs2.Plen8B, nil, 0)
	cmd, err = c.submitCCMD(p, 0)
	if err != nil {
		return fmt.Errorf("config read phy: %w", err)
	}
	caps.DecodePhyCaps(cmd.Resp[0], cmd.Resp[1])

	p = uhs2.NewCCMD(c.nodeID, uhs2.ConfigLinkTranCaps, false, uhs2.Plen8B, nil, 0)
	cmd, err = c.submitCCMD(p, 0)
	if err != nil {
		return fmt.Errorf("config read link/tran: %w", err)
	}
	caps.DecodeLinkTranCaps(cmd.Resp[0], cmd.Resp[1])

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	return nil
}

// configWrite negotiates the session configuration and writes it to the
// device setting registers, ending with the config-completion flag that
// moves the device into the active state. A rejected PHY setting aborts the
// attach. The controller's own setting registers mirror the result.
func (c *Card) configWrite() error {
	hcaps := c.host.HostCaps()
	cfg := uhs2.Negotiate(&hcaps, &c.caps)

	gen := cfg.GenSetPayload()
	p := uhs2.NewCCMD(c.nodeID, uhs2.ConfigGenSet, true, uhs2.Plen8B, gen[:], 0)
	if _, err := c.submitCCMD(p, 0); err != nil {
		return fmt.Errorf("config write generic: %w", err)
	}

	phy := cfg.PhySetPayload()
	p = uhs2.NewCCMD(c.nodeID, uhs2.ConfigPhySet, true, uhs2.Plen8B, phy[:],
		uhs2.CfgWritePhyRespLen)
	cmd, err := c.submitCCMD(p, 0)
	if err != nil {
		return fmt.Errorf("config write phy: %w", err)
	}
	if cmd.Packet.Resp[2]&uhs2.ResNACKMask != 0 {
		c.log.Error("PHY setting rejected",
			"resp", fmt.Sprintf("%#x", cmd.Packet.Resp[2]))
		return fmt.Errorf("config write phy: %w", uhs2.ErrProtocol)
	}

	tran := cfg.LinkTranSetPayload()
	p = uhs2.NewCCMD(c.nodeID, uhs2.ConfigLinkTranSet, true, uhs2.Plen8B, tran[:], 0)
	if _, err := c.submitCCMD(p, 0); err != nil {
		return fmt.Errorf("config write link/tran: %w", err)
	}

	// Config completion moves the device DLSM into Active immediately.
	complete := [2]uint32{0, uhs2.GenSetCfgComplete}
	p = uhs2.NewCCMD(c.nodeID, uhs2.ConfigGenSet, true, uhs2.Plen8B, complete[:],
		uhs2.CfgWriteGenRespLen)
	if _, err := c.submitCCMD(p, 0); err != nil {
		return fmt.Errorf("config complete: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.speedB = cfg.SpeedRangeSet == uhs2.SpeedRangeB
	c.mu.Unlock()

	c.host.SetNegotiated(cfg)
	if err := c.host.Control(uhs2.OpSetConfig); err != nil {
		return fmt.Errorf("host config write: %w", err)
	}

	c.setState(ConfigExchanged)
	return nil
}

// goDormant soft-resets the link through the dormant state: interrupts off,
// GO_DORMANT_STATE on the wire, dormant entry confirmed, clock cycled with
// a settle delay, interrupts back on and the PHY retrained.
func (c *Card) goDormant() error {
	if err := c.host.Control(uhs2.OpDisableInt); err != nil {
		return fmt.Errorf("dormant: disable int: %w", err)
	}

	c.setState(Dormant)
	p := uhs2.NewCCMD(c.nodeID, uhs2.CmdGoDormantState, true, uhs2.Plen4B,
		[]uint32{0}, 0) // HBR clear: no hibernate
	if _, err := c.submitCCMD(p, 0); err != nil {
		return fmt.Errorf("dormant: %w", err)
	}

	if err := c.host.Control(uhs2.OpCheckDormant); err != nil {
		return fmt.Errorf("dormant: %w", err)
	}
	if err := c.host.Control(uhs2.OpDisableClk); err != nil {
		return fmt.Errorf("dormant: disable clock: %w", err)
	}
	time.Sleep(dormantClockDelay)
	if err := c.host.Control(uhs2.OpEnableClk); err != nil {
		return fmt.Errorf("dormant: enable clock: %w", err)
	}
	if err := c.host.Control(uhs2.OpEnableInt); err != nil {
		return fmt.Errorf("dormant: enable int: %w", err)
	}
	return c.phyInit()
}

// changeSpeed moves the link to Speed Range B: the controller setting flips
// first, then the link soft-resets through dormant, and finally the device
// is polled until it reports config completion in its generic setting
// register, which signals the active state at the new rate.
func (c *Card) changeSpeed() error {
	c.setState(SpeedSwitch)

	if err := c.host.Control(uhs2.OpSetSpeedB); err != nil {
		return fmt.Errorf("speed change: %w", err)
	}
	if err := c.goDormant(); err != nil {
		return fmt.Errorf("speed change: %w", err)
	}

	deadline := time.Now().Add(cfgCompleteTimeout)
	for {
		p := uhs2.NewCCMD(c.nodeID, uhs2.ConfigGenSet, false, uhs2.Plen8B, nil, 0)
		cmd, err := c.submitCCMD(p, 0)
		if err != nil {
			return fmt.Errorf("speed change poll: %w", err)
		}
		if cmd.Resp[1]&uhs2.GenSetCfgComplete != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			c.log.Error("device did not reach active state after speed change")
			return fmt.Errorf("speed change: %w", uhs2.ErrTimeout)
		}
		time.Sleep(cfgCompletePeriod)
	}
}
