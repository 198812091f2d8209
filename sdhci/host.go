package sdhci

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cursorhu/go-uhs2/internal/log"
	"github.com/cursorhu/go-uhs2/uhs2"
)

// Poll intervals and deadlines for the controller's bounded waits.
const (
	resetPollInterval = 10 * time.Microsecond
	resetDeadline     = 100 * time.Millisecond

	detectSettle       = 200 * time.Microsecond
	detectPollInterval = 100 * time.Microsecond
	detectDeadline     = 100 * time.Millisecond
	laneSyncDeadline   = 150 * time.Millisecond

	clockPollInterval = 10 * time.Microsecond
	clockDeadline     = 20 * time.Millisecond

	dormantPollInterval = 100 * time.Microsecond
	dormantDeadline     = 100 * time.Millisecond

	inhibitRetryBudget = 10
	inhibitRetryDelay  = time.Millisecond

	powerSettleDelay = 5 * time.Millisecond
)

// Timeout budgets encoded into the timer control register.
const (
	cmdResTimeoutUS   = 5 * 1000
	deadlockTimeoutUS = 1000 * 1000
)

// Config parametrizes a Host.
type Config struct {
	Logger *slog.Logger

	// RawLog, when set, receives every packet window sent to the card and
	// every response window read back.
	RawLog log.RawLogger

	// TimeoutClkKHz is the controller timeout clock used to derive the
	// 4-bit timer counts. Defaults to 1000 (1 MHz).
	TimeoutClkKHz uint32

	// UseDMA selects DMA data transfers; PIO otherwise.
	UseDMA bool

	// OnCardEvent, when set, is invoked from the completion worker after a
	// card insert/remove interrupt.
	OnCardEvent func()

	// OnDMARelease, when set, is invoked to release DMA mappings before a
	// request is completed. It always runs before any error-path reset.
	OnDMARelease func(*uhs2.Data)
}

// Host drives a single UHS-II capable SDHCI controller. All register access
// and per-link mutable state (current command, current data operation) is
// guarded by one link-wide lock.
type Host struct {
	io     RegisterIO
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *uhs2.Command // command awaiting response
	dataCmd *uhs2.Command // command owning the data line
	data    *uhs2.Data    // data operation in flight
	ier     uint32        // normal interrupt enable shadow

	caps     uhs2.HostCaps
	capsOK   bool
	cfgSet   uhs2.NegotiatedConfig
	speedB   bool
	halfDup  bool
	powerReg uint8

	donePending []*uhs2.Request
	doneKick    chan struct{}
	cardEvent   chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

// New creates a Host on top of the given register interface and starts its
// completion worker.
func New(io RegisterIO, cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TimeoutClkKHz == 0 {
		cfg.TimeoutClkKHz = 1000
	}
	h := &Host{
		io:        io,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "sdhci"),
		ier:       IntResponse | IntDataEnd | IntCardInsert | IntCardRemove | IntError,
		doneKick:  make(chan struct{}, 1),
		cardEvent: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	go h.completeWorker()
	return h
}

// Close stops the completion worker. In-flight requests are not cancelled;
// the error/reset path is the only teardown for a submitted request.
func (h *Host) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// Present reports whether a card is present on the link.
func (h *Host) Present() bool {
	return h.io.Read32(RegPresentState)&PresentCardPresent != 0
}

// poll repeatedly reads a 32-bit register until pred is satisfied or the
// deadline passes. Callers treat a timeout as terminal for that step.
func (h *Host) poll(off uint32, interval, deadline time.Duration, pred func(uint32) bool) error {
	dl := time.Now().Add(deadline)
	for {
		if pred(h.io.Read32(off)) {
			return nil
		}
		if time.Now().After(dl) {
			return uhs2.ErrTimeout
		}
		time.Sleep(interval)
	}
}

// Reset invokes a UHS-II software reset and waits for the controller to
// clear the bit. A full reset also drops bus power state.
func (h *Host) Reset(mask uint16) {
	h.io.Write16(RegUHS2SWReset, mask)
	err := h.poll(RegUHS2SWReset, resetPollInterval, resetDeadline, func(v uint32) bool {
		return v&uint32(mask) == 0
	})
	if err != nil {
		h.logger.Error("reset never completed, clearing reset bit", "mask", fmt.Sprintf("%#x", mask))
		h.io.Write8(RegUHS2SWReset, 0)
	}
}

// clearSetErrIrqs updates the error interrupt status-enable and
// signal-enable masks as one read-modify-write under the caller's lock.
func (h *Host) clearSetErrIrqs(clear, set uint32) {
	ier := h.io.Read32(RegUHS2ErrIntEnable)
	ier &^= clear
	ier |= set
	h.io.Write32(RegUHS2ErrIntEnable, ier)
	h.io.Write32(RegUHS2ErrIntSignal, ier)
}

// clearSetIrqs updates the normal interrupt enable masks and the shadow
// copy restored after resets.
func (h *Host) clearSetIrqs(clear, set uint32) {
	h.ier &^= clear
	h.ier |= set
	h.io.Write32(RegIntEnable, h.ier)
	h.io.Write32(RegSignalEnable, h.ier)
}

// calcTimeoutCount derives a 4-bit timer count covering at least budgetUS
// microseconds at the controller timeout clock.
func (h *Host) calcTimeoutCount(budgetUS uint32) uint8 {
	count := uint8(0)
	current := (uint32(1) << 13) * 1000 / h.cfg.TimeoutClkKHz
	for current < budgetUS {
		count++
		current <<= 1
		if count >= 0xF {
			break
		}
	}
	if count >= 0xF {
		h.logger.Debug("timeout budget too large, clamping", "budget_us", budgetUS)
		count = 0xE
	}
	return count
}

// setTimeout programs the command/response and deadlock watchdog counts.
func (h *Host) setTimeout() {
	cmdRes := h.calcTimeoutCount(cmdResTimeoutUS)
	deadlock := h.calcTimeoutCount(deadlockTimeoutUS)
	h.io.Write8(RegUHS2TimerCtrl, cmdRes|deadlock<<TimerDeadlockShift)
}

// SetIOS applies the requested power mode, clock and timing. The timeout
// watchdogs are reprogrammed with their interrupts masked around the write.
func (h *Host) SetIOS(ios *uhs2.IOS) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clearSetErrIrqs(ErrIntResTimeout|ErrIntDeadlockTimeout, 0)
	h.setTimeout()
	h.clearSetErrIrqs(0, ErrIntResTimeout|ErrIntDeadlockTimeout)

	ctrl2 := h.io.Read16(RegHostControl2)
	if ios.Timing == uhs2.TimingUHS2 {
		ctrl2 |= Ctrl2UHS2 | Ctrl2UHS2IfaceEn
	} else {
		ctrl2 &^= Ctrl2UHS2 | Ctrl2UHS2IfaceEn
	}
	h.io.Write16(RegHostControl2, ctrl2)

	h.setPower(ios.PowerMode)

	if ios.Clock == 0 {
		return nil
	}
	return h.enableClock()
}

// setPower drives the power control register. UHS-II signaling runs from
// VDD2 at 1.8V; the voltage rail is set before power-on per the SDHCI spec.
func (h *Host) setPower(mode uhs2.PowerMode) {
	var pwr uint8
	if mode != uhs2.PowerOff {
		pwr = PowerVDD2180
	}
	if h.powerReg == pwr && pwr != 0 {
		return
	}
	h.powerReg = pwr

	if pwr == 0 {
		h.io.Write8(RegPowerControl, 0)
		return
	}

	h.io.Write8(RegPowerControl, 0)
	pwr |= PowerOn
	h.io.Write8(RegPowerControl, pwr)
	time.Sleep(powerSettleDelay)
	pwr |= PowerVDD2On
	h.io.Write8(RegPowerControl, pwr)
	time.Sleep(powerSettleDelay)
}

// enableClock gates the card clock on and waits for it to stabilize.
func (h *Host) enableClock() error {
	clk := h.io.Read16(RegClockControl)
	clk |= ClockIntEnable | ClockCardEn
	h.io.Write16(RegClockControl, clk)

	err := h.poll(RegClockControl, clockPollInterval, clockDeadline, func(v uint32) bool {
		return v&ClockIntStable != 0
	})
	if err != nil {
		h.logger.Error("internal clock never stabilised")
		h.dumpLocked()
		return fmt.Errorf("clock enable: %w", err)
	}
	return nil
}

// disableClock gates the card clock off.
func (h *Host) disableClock() {
	clk := h.io.Read16(RegClockControl)
	clk &^= ClockCardEn
	h.io.Write16(RegClockControl, clk)
}

// interfaceDetect runs the PHY bring-up: wait for interface presence within
// the detect window, unmask the UHS-II error interrupts, then wait for lane
// synchronization. Failure after either deadline is a hard initialization
// failure and is not retried here.
func (h *Host) interfaceDetect() error {
	time.Sleep(detectSettle)

	err := h.poll(RegPresentState, detectPollInterval, detectDeadline, func(v uint32) bool {
		return v&PresentIfDetect != 0
	})
	if err != nil {
		h.logger.Warn("UHS-II interface not detected")
		h.dumpLocked()
		return fmt.Errorf("interface detect: %w", err)
	}

	h.clearSetErrIrqs(IntAllMask, ErrIntMask)

	err = h.poll(RegPresentState, detectPollInterval, laneSyncDeadline, func(v uint32) bool {
		return v&PresentLaneSync != 0
	})
	if err != nil {
		h.logger.Warn("UHS-II lane sync failed")
		h.dumpLocked()
		return fmt.Errorf("lane sync: %w", err)
	}

	h.logger.Debug("lane synchronized, PHY initialized")
	return nil
}

// readHostCaps reads and decodes the controller capability block.
func (h *Host) readHostCaps() error {
	ptr := uint32(h.io.Read16(RegUHS2HostCapsPtr))
	if ptr < HostCapsPtrMin || ptr > HostCapsPtrMax {
		return fmt.Errorf("host caps pointer %#x out of range: %w", ptr, uhs2.ErrNoDevice)
	}
	h.caps = uhs2.DecodeHostCaps(
		h.io.Read32(ptr+HostCapsGenOffset),
		h.io.Read32(ptr+HostCapsPhyOffset),
		h.io.Read32(ptr+HostCapsTranOffset),
		h.io.Read32(ptr+HostCapsTran1Offset),
	)
	h.capsOK = true
	return nil
}

// HostCaps returns the decoded controller capability image. phyInit must
// have succeeded first.
func (h *Host) HostCaps() uhs2.HostCaps {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// SetNegotiated records the negotiated configuration for subsequent
// transfer-mode decisions and host setting writes.
func (h *Host) SetNegotiated(cfg uhs2.NegotiatedConfig) {
	h.mu.Lock()
	h.cfgSet = cfg
	h.halfDup = cfg.HalfDuplex
	h.speedB = cfg.SpeedRangeSet == uhs2.SpeedRangeB
	h.mu.Unlock()
}

// writeConfig programs the controller's own setting registers with the
// negotiated values, mirroring what ConfigWrite sent to the device.
func (h *Host) writeConfig() {
	ptr := uint32(h.io.Read16(RegUHS2SettingsPtr))

	h.io.Write32(ptr+SetGenOffset, h.cfgSet.NLanesSet<<SetGenNLanesPos)

	phy := h.cfgSet.NLssDirSet<<SetPhyNLssDirPos | h.cfgSet.NLssSyncSet<<SetPhyNLssSyncPos
	if h.speedB {
		phy |= 1 << SetPhySpeedPos
	}
	h.io.Write32(ptr+SetPhyOffset, phy)

	h.io.Write32(ptr+SetTranOffset,
		h.cfgSet.MaxRetrySet<<SetTranRetryPos|h.cfgSet.NFCUSet<<SetTranNFCUPos)
	h.io.Write32(ptr+SetTran1Offset, h.cfgSet.NDataGapSet)
}

// setSpeedB switches the controller PHY setting register to Speed Range B.
func (h *Host) setSpeedB() {
	ptr := uint32(h.io.Read16(RegUHS2SettingsPtr))
	h.io.Write32(ptr+SetPhyOffset, 1<<SetPhySpeedPos)
}

// checkDormant polls until the link reports the dormant state.
func (h *Host) checkDormant() error {
	err := h.poll(RegPresentState, dormantPollInterval, dormantDeadline, func(v uint32) bool {
		return v&PresentInDormant != 0
	})
	if err != nil {
		h.logger.Warn("link did not enter dormant state")
		h.dumpLocked()
		return fmt.Errorf("dormant check: %w", err)
	}
	return nil
}

// phyInit performs interface detection and capability discovery, then a
// targeted soft reset with the interrupt masks restored afterwards. It backs
// both first attach and the PHY re-init after a dormant exit.
func (h *Host) phyInit() error {
	if err := h.interfaceDetect(); err != nil {
		return err
	}
	if err := h.readHostCaps(); err != nil {
		return err
	}

	// The targeted reset clears the normal interrupt enables; restore the
	// shadow copy after unmasking the UHS-II error interrupts.
	h.Reset(ResetSD)
	h.clearSetErrIrqs(IntAllMask, ErrIntMask)
	h.io.Write32(RegIntEnable, h.ier)
	h.io.Write32(RegSignalEnable, h.ier)
	return nil
}

// Control dispatches a controller-side operation with the link lock held.
func (h *Host) Control(op uhs2.ControlOp) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Debug("control", "op", op.String())

	switch op {
	case uhs2.OpPhyInit:
		return h.phyInit()
	case uhs2.OpSetConfig:
		h.writeConfig()
		return nil
	case uhs2.OpEnableInt:
		h.clearSetIrqs(0, IntCardInt)
		return nil
	case uhs2.OpDisableInt:
		h.clearSetIrqs(IntCardInt, 0)
		return nil
	case uhs2.OpSetSpeedB:
		h.setSpeedB()
		return nil
	case uhs2.OpCheckDormant:
		return h.checkDormant()
	case uhs2.OpDisableClk:
		h.disableClock()
		return nil
	case uhs2.OpEnableClk:
		return h.enableClock()
	case uhs2.OpPostAttach:
		// Nothing controller-specific to do after attach on this core.
		return nil
	default:
		return fmt.Errorf("unknown control op %d: %w", op, uhs2.ErrNotSupported)
	}
}
