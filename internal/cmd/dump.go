package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/cursorhu/go-uhs2/card"
	"github.com/cursorhu/go-uhs2/internal/log"
)

// Dump prints the controller register file, optionally after bringing a card
// up first so the negotiated link state is visible.
type Dump struct {
	HostConfig `embed:""`

	NoAttach bool   `help:"Dump the quiescent register file without attaching a card"`
	Format   string `help:"Output format" enum:"text,json" default:"text"`
}

// Run is called by Kong when the dump command is executed.
func (d *Dump) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	oh, err := d.open(logger, rawLogger)
	if err != nil {
		return err
	}
	defer oh.Close()

	if !d.NoAttach {
		c, err := card.Attach(oh.host, d.cardOptions(logger))
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		defer c.Ops().Remove()
	}

	snap := oh.host.Snapshot()

	if d.Format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stdout, "%-24s 0x%08x\n", name, snap[name])
	}
	return nil
}
