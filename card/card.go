// Package card implements the UHS-II device negotiation state machine and
// the card lifecycle orchestrator: bring-up from powered-off through device
// initialization, enumeration, capability exchange and configuration
// write-back into the active state, plus the legacy SD bootstrap that runs
// over the established transport.
package card

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"time"

	"github.com/cursorhu/go-uhs2/uhs2"
)

// ProtocolState tracks where a card is in its lifecycle. Transitions are
// driven only by the orchestrator; observers read a snapshot.
type ProtocolState int

const (
	PoweredOff ProtocolState = iota
	PhyTraining
	DeviceInitPending
	Enumerated
	ConfigExchanged
	SpeedSwitch
	Active
	Dormant
	Suspended
	Removed
)

func (s ProtocolState) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case PhyTraining:
		return "phy-training"
	case DeviceInitPending:
		return "device-init"
	case Enumerated:
		return "enumerated"
	case ConfigExchanged:
		return "config-exchanged"
	case SpeedSwitch:
		return "speed-switch"
	case Active:
		return "active"
	case Dormant:
		return "dormant"
	case Suspended:
		return "suspended"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// HostController is the transport the state machine drives. *sdhci.Host
// implements it; tests substitute fakes.
type HostController interface {
	Submit(req *uhs2.Request) error
	Control(op uhs2.ControlOp) error
	SetIOS(ios *uhs2.IOS) error
	Present() bool
	HostCaps() uhs2.HostCaps
	SetNegotiated(cfg uhs2.NegotiatedConfig)
}

// Options configures the lifecycle orchestrator.
type Options struct {
	Logger *slog.Logger

	// OCRAvail is the host's supported voltage window. Defaults to the
	// standard 2.7-3.6V range.
	OCRAvail uint32

	// PowerDelay is the settle time after powering the bus up.
	PowerDelay time.Duration

	// FullPowerCycle selects the lowest mutual voltage through a power
	// cycle instead of staying on the highest mutual bit.
	FullPowerCycle bool

	// NoWriteProtect marks slots without a write-protect switch; the card
	// is then always treated as writable.
	NoWriteProtect bool

	// AggressivePM enables runtime power management suspends.
	AggressivePM bool
}

// defaultOCRAvail covers 2.7-3.6V.
const defaultOCRAvail = 0x00FF8000

// Card is one attached UHS-II device: its negotiated link state plus the
// identity read through the legacy bootstrap.
type Card struct {
	host HostController
	opts Options
	log  *slog.Logger

	// mu is the host claim. Suspend, resume, detect and user requests
	// take it before touching the link.
	mu        sync.Mutex
	state     ProtocolState
	suspended bool

	nodeID    uint8
	groupDesc uint8
	caps      uhs2.DeviceCaps
	cfg       uhs2.NegotiatedConfig
	speedB    bool

	// voltageCycled latches once the operating voltage has been narrowed
	// through a power cycle, so the bring-up re-runs at most once for it.
	voltageCycled bool

	ios   uhs2.IOS
	fInit uint32

	// Legacy SD identity.
	OCR      uint32
	RCA      uint16
	RawCID   [4]uint32
	RawCSD   [4]uint32
	RawSCR   [8]byte
	Capacity uint64 // bytes, decoded from the CSD
	cmdClass uint16
	readOnly bool
}

// State returns the current lifecycle state.
func (c *Card) State() ProtocolState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NodeID returns the node id assigned during enumeration.
func (c *Card) NodeID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// Config returns the negotiated link configuration.
func (c *Card) Config() uhs2.NegotiatedConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Caps returns the decoded device capability image.
func (c *Card) Caps() uhs2.DeviceCaps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// ReadOnly reports whether the card is write protected.
func (c *Card) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

func (c *Card) setState(s ProtocolState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

// errVoltageCycle asks the attach ladder to power the card off and run the
// bring-up once more at the narrowed voltage window.
var errVoltageCycle = errors.New("voltage window narrowed, power cycle needed")

// selectVoltage masks off unsupported voltages and picks the operating
// window. Out-of-range low bits are dropped with a warning. Hosts capable of
// a full power cycle run at the lowest mutual voltage: the first pass
// returns errVoltageCycle and the caller re-runs the bring-up, which then
// keeps the narrowed window. Other hosts stay on the highest mutual bit.
func (c *Card) selectVoltage(ocr uint32) (uint32, error) {
	if ocr&0x7F != 0 {
		c.log.Warn("card claims voltages below the defined range")
		ocr &^= 0x7F
	}

	ocr &= c.opts.OCRAvail
	if ocr == 0 {
		c.log.Warn("no voltage overlap with card")
		return 0, nil
	}

	if c.opts.FullPowerCycle {
		bit := bits.TrailingZeros32(ocr)
		ocr &= 3 << bit
		if !c.voltageCycled {
			c.voltageCycled = true
			c.log.Info("power cycling to the card's lowest voltage",
				"ocr", fmt.Sprintf("%#x", ocr))
			return 0, errVoltageCycle
		}
	} else {
		bit := 31 - bits.LeadingZeros32(ocr)
		ocr &= 3 << bit
		if bit != c.ios.VDD {
			c.log.Warn("running above the card's preferred voltage")
		}
	}
	return ocr, nil
}
