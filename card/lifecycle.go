package card

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cursorhu/go-uhs2/uhs2"
)

// attachFreqs are the initial clock rates to try, highest first. The UHS-II
// addendum requires a retry at the lower rate before giving up.
var attachFreqs = []uint32{52_000_000, 26_000_000}

// BusOps is the lifecycle surface bound to an attached card. The UHS-II
// implementation is selected at attach; other bus types would bind their
// own.
type BusOps interface {
	Remove()
	Alive() error
	Detect() bool
	Suspend() error
	Resume() error
	RuntimeSuspend() error
	RuntimeResume() error
	Shutdown() error
	HwReset() error
}

// Attach powers the link up and runs the full initialization sequence,
// retrying at the fallback clock rate once. On success the returned card is
// in the Active state with its BusOps bound.
func Attach(host HostController, opts Options) (*Card, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OCRAvail == 0 {
		opts.OCRAvail = defaultOCRAvail
	}
	if opts.PowerDelay == 0 {
		opts.PowerDelay = 10 * time.Millisecond
	}

	c := &Card{
		host:  host,
		opts:  opts,
		log:   opts.Logger.With("component", "card"),
		state: PoweredOff,
	}

	var err error
	for _, freq := range attachFreqs {
		c.fInit = freq
		c.log.Info("trying to initialize UHS-II card", "freq_hz", freq)
		err = c.attach()
		if errors.Is(err, errVoltageCycle) {
			// The failure unwind powered the card off; one more pass keeps
			// the narrowed voltage window without cycling again.
			err = c.attach()
		}
		if err == nil {
			return c, nil
		}
		c.log.Warn("initialization attempt failed", "freq_hz", freq, "err", err)
	}
	c.setState(Removed)
	return nil, err
}

// attach is one bring-up attempt at the current initial clock. Any failure
// unwinds to powered-off.
func (c *Card) attach() error {
	err := c.powerUp()
	if err == nil {
		err = c.phyInit()
	}
	if err == nil {
		err = c.initCard()
	}
	if err != nil {
		c.powerOff()
		c.setState(PoweredOff)
		return err
	}

	if err := c.host.Control(uhs2.OpPostAttach); err != nil {
		c.log.Warn("post-attach hook failed", "err", err)
	}
	return nil
}

// initCard runs the negotiation sequence and the legacy bootstrap. The
// speed range switch happens between the configuration exchange and the
// legacy init, while no SD state is established yet.
func (c *Card) initCard() error {
	if err := c.devInit(); err != nil {
		return err
	}
	if err := c.enumerate(); err != nil {
		return err
	}
	if err := c.configRead(); err != nil {
		return err
	}
	if err := c.configWrite(); err != nil {
		return err
	}

	if c.speedB {
		if err := c.changeSpeed(); err != nil {
			return err
		}
	}

	if err := c.legacyInit(); err != nil {
		return err
	}
	c.setState(Active)
	return nil
}

// reinit re-runs the bring-up after a power cycle, keeping the card's
// identity.
func (c *Card) reinit() error {
	if err := c.powerUp(); err != nil {
		return err
	}
	if err := c.phyInit(); err != nil {
		return err
	}
	return c.initCard()
}

// Ops returns the lifecycle operations bound to this card.
func (c *Card) Ops() BusOps { return &uhs2Ops{c} }

// uhs2Ops binds the UHS-II lifecycle behavior to a card.
type uhs2Ops struct {
	c *Card
}

func (o *uhs2Ops) Remove() { o.c.remove() }

func (c *Card) remove() {
	c.setState(Removed)
}

// Alive probes the card with a status read.
func (o *uhs2Ops) Alive() error {
	_, err := o.c.Status()
	return err
}

// Detect re-checks card presence and tears the card down when it is gone.
// It reports whether the card is still attached.
func (o *uhs2Ops) Detect() bool {
	c := o.c
	c.mu.Lock()
	present := c.host.Present()
	c.mu.Unlock()

	alive := false
	if present {
		alive = o.Alive() == nil
	}
	if alive {
		return true
	}

	c.log.Info("card removed")
	c.remove()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powerOff()
	return false
}

// suspend powers the card down if it is not already suspended.
func (c *Card) suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return nil
	}
	if err := c.powerOff(); err != nil {
		return err
	}
	c.suspended = true
	c.state = Suspended
	return nil
}

// resume re-initializes a suspended card from scratch; the dormant soft
// reset does not preserve enough state to shortcut it.
func (c *Card) resume() error {
	c.mu.Lock()
	suspended := c.suspended
	c.mu.Unlock()

	if !suspended {
		return nil
	}
	if err := c.reinit(); err != nil {
		return err
	}
	c.setState(Active)
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
	return nil
}

func (o *uhs2Ops) Suspend() error { return o.c.suspend() }
func (o *uhs2Ops) Resume() error  { return o.c.resume() }

// RuntimeSuspend suspends only when aggressive power management is enabled.
func (o *uhs2Ops) RuntimeSuspend() error {
	if !o.c.opts.AggressivePM {
		return nil
	}
	if err := o.c.suspend(); err != nil {
		o.c.log.Error("aggressive suspend failed", "err", err)
		return err
	}
	return nil
}

func (o *uhs2Ops) RuntimeResume() error {
	if err := o.c.resume(); err != nil {
		o.c.log.Error("runtime resume failed", "err", err)
		return err
	}
	return nil
}

// Shutdown is a plain suspend.
func (o *uhs2Ops) Shutdown() error { return o.c.suspend() }

// HwReset power-cycles the card and re-runs the full initialization.
func (o *uhs2Ops) HwReset() error {
	c := o.c
	c.mu.Lock()
	err := c.powerOff()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	// The SD spec requires at least 1 ms off.
	time.Sleep(time.Millisecond)
	return c.reinit()
}

// Describe returns a one-line human summary used by the CLI.
func (c *Card) Describe() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := "2L-FD"
	if c.cfg.HalfDuplex {
		mode = "2L-HD"
	}
	speed := "A"
	if c.speedB {
		speed = "B"
	}
	return fmt.Sprintf("node %d, %s, range %s, blklen %d, n_fcu %d, capacity %d MiB",
		c.nodeID, mode, speed, c.cfg.MaxBlkLenSet, c.cfg.NFCUSet,
		c.Capacity/(1024*1024))
}
