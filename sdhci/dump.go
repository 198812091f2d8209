package sdhci

import "fmt"

// dumpLocked logs the diagnostic register snapshot. Called with the lock
// held from paths that already decided something went wrong.
func (h *Host) dumpLocked() {
	for _, r := range []struct {
		name  string
		value uint32
	}{
		{"present", h.io.Read32(RegPresentState)},
		{"clock", uint32(h.io.Read16(RegClockControl))},
		{"power", uint32(h.io.Read8(RegPowerControl))},
		{"ctrl2", uint32(h.io.Read16(RegHostControl2))},
		{"int-status", h.io.Read32(RegIntStatus)},
		{"int-enable", h.io.Read32(RegIntEnable)},
		{"err-status", h.io.Read32(RegUHS2ErrIntStatus)},
		{"err-enable", h.io.Read32(RegUHS2ErrIntEnable)},
		{"blk-size", h.io.Read32(RegUHS2BlockSize)},
		{"blk-count", h.io.Read32(RegUHS2BlockCount)},
		{"trans-mode", uint32(h.io.Read16(RegUHS2TransMode))},
		{"command", uint32(h.io.Read16(RegUHS2Command))},
		{"timer", uint32(h.io.Read8(RegUHS2TimerCtrl))},
	} {
		h.logger.Debug("regdump", "reg", r.name, "value", fmt.Sprintf("%#08x", r.value))
	}
}

// Snapshot returns the register values a diagnostic client renders. Unlike
// dumpLocked it takes the lock itself.
func (h *Host) Snapshot() map[string]uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]uint32{
		"present":    h.io.Read32(RegPresentState),
		"clock":      uint32(h.io.Read16(RegClockControl)),
		"power":      uint32(h.io.Read8(RegPowerControl)),
		"ctrl2":      uint32(h.io.Read16(RegHostControl2)),
		"int-status": h.io.Read32(RegIntStatus),
		"int-enable": h.io.Read32(RegIntEnable),
		"err-status": h.io.Read32(RegUHS2ErrIntStatus),
		"err-enable": h.io.Read32(RegUHS2ErrIntEnable),
		"blk-size":   h.io.Read32(RegUHS2BlockSize),
		"blk-count":  h.io.Read32(RegUHS2BlockCount),
		"trans-mode": uint32(h.io.Read16(RegUHS2TransMode)),
		"command":    uint32(h.io.Read16(RegUHS2Command)),
		"timer":      uint32(h.io.Read8(RegUHS2TimerCtrl)),
	}
}
