package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cursorhu/go-uhs2/card"
	"github.com/cursorhu/go-uhs2/internal/log"
	"github.com/cursorhu/go-uhs2/uhs2"
)

// Attach brings a card to the active state and prints its identity.
type Attach struct {
	HostConfig `embed:""`

	Verify bool `help:"Read block 0 after attach as a data path smoke test"`
}

// Run is called by Kong when the attach command is executed.
func (a *Attach) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	oh, err := a.open(logger, rawLogger)
	if err != nil {
		return err
	}
	defer oh.Close()

	c, err := card.Attach(oh.host, a.cardOptions(logger))
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer c.Ops().Remove()

	fmt.Fprintln(os.Stdout, c.Describe())

	if a.Verify {
		buf := make([]byte, uhs2.DefaultBlockSize)
		if err := c.ReadBlock(0, buf); err != nil {
			return fmt.Errorf("verify read: %w", err)
		}
		logger.Info("verify read completed", "block", 0, "bytes", len(buf))
	}

	return nil
}
