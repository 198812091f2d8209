package card_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cursorhu/go-uhs2/card"
	"github.com/cursorhu/go-uhs2/sdhci"
	"github.com/cursorhu/go-uhs2/uhs2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRig builds a simulated controller with a bound host.
func newRig(t *testing.T, cfg sdhci.SimConfig) (*sdhci.Sim, *sdhci.Host) {
	t.Helper()
	cfg.Logger = quietLogger()
	sim := sdhci.NewSim(cfg)
	h := sdhci.New(sim.IO, sdhci.Config{Logger: quietLogger()})
	t.Cleanup(h.Close)
	sim.Bind(h)
	return sim, h
}

func attachOpts() card.Options {
	return card.Options{Logger: quietLogger(), PowerDelay: 1}
}

func TestAttachActive(t *testing.T) {
	sim, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	assert.Equal(t, card.Active, c.State())
	assert.Equal(t, uint8(1), c.NodeID())

	cfg := c.Config()
	assert.True(t, cfg.HalfDuplex)
	assert.Equal(t, uint32(uhs2.SpeedRangeA), cfg.SpeedRangeSet)
	assert.Equal(t, uint32(512), cfg.MaxBlkLenSet)
	assert.Equal(t, uint32(8), cfg.NFCUSet)

	// Identity read through the legacy bootstrap: a 2 GiB CSD v2 card.
	assert.Equal(t, uint64(2)<<30, c.Capacity)
	assert.Equal(t, uint16(0x0001), c.RCA)
	assert.False(t, c.ReadOnly())
	assert.Contains(t, c.Describe(), "2L-HD")

	// The device received the negotiated setting words.
	_, phy, tran := sim.NegotiatedWords()
	assert.Zero(t, phy[0]&(1<<uhs2.PhySetSpeedPos))
	assert.Equal(t, uint32(512)<<uhs2.LTSetMaxBlkLenPos|
		uint32(uhs2.MaxRetrySet)<<uhs2.LTSetMaxRetryPos|
		uint32(8)<<uhs2.LTSetNFCUPos, tran[0])
}

func TestAttachDeviceInitRetries(t *testing.T) {
	// The card echoes three DEVICE_INIT attempts before accepting.
	cfg := sdhci.DefaultSimConfig()
	cfg.InitEchoes = 3
	sim, h := newRig(t, cfg)

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	assert.Equal(t, 4, sim.InitAttempts())
	assert.Equal(t, card.Active, c.State())
}

func TestAttachDeviceInitExhausted(t *testing.T) {
	// Never accepting DEVICE_INIT exhausts the attempt budget at both
	// initial clock rates.
	cfg := sdhci.DefaultSimConfig()
	cfg.InitEchoes = 100
	sim, h := newRig(t, cfg)

	c, err := card.Attach(h, attachOpts())
	require.Error(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 60, sim.InitAttempts())
}

func TestAttachSpeedRangeB(t *testing.T) {
	sim, h := newRig(t, sdhci.SimSpeedB())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	assert.Equal(t, card.Active, c.State())
	assert.Equal(t, uint32(uhs2.SpeedRangeB), c.Config().SpeedRangeSet)
	assert.Contains(t, c.Describe(), "range B")

	// The device's PHY setting carries the range selection.
	_, phy, _ := sim.NegotiatedWords()
	assert.NotZero(t, phy[0]&(uint32(uhs2.SpeedRangeB)<<uhs2.PhySetSpeedPos))
}

func TestAttachFullPowerCycle(t *testing.T) {
	sim, h := newRig(t, sdhci.DefaultSimConfig())

	opts := attachOpts()
	opts.FullPowerCycle = true
	c, err := card.Attach(h, opts)
	require.NoError(t, err)
	defer c.Ops().Remove()

	assert.Equal(t, card.Active, c.State())
	// One bring-up narrows the voltage window through a power cycle,
	// exactly one more runs at the narrowed window.
	assert.Equal(t, 2, sim.InitAttempts())

	// Later re-inits keep the narrowed window without cycling again.
	require.NoError(t, c.Ops().HwReset())
	assert.Equal(t, card.Active, c.State())
	assert.Equal(t, 3, sim.InitAttempts())
}

func TestAttachLaneSyncFailure(t *testing.T) {
	cfg := sdhci.DefaultSimConfig()
	cfg.FailLaneSync = true
	_, h := newRig(t, cfg)

	c, err := card.Attach(h, attachOpts())
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, uhs2.ErrTimeout)
}

func TestAttachPhySettingRejected(t *testing.T) {
	cfg := sdhci.DefaultSimConfig()
	cfg.NACKPhySet = true
	_, h := newRig(t, cfg)

	c, err := card.Attach(h, attachOpts())
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, uhs2.ErrProtocol)
}

func TestReadWriteBlock(t *testing.T) {
	_, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	block := make([]byte, uhs2.DefaultBlockSize)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, c.WriteBlock(7, block))

	got := make([]byte, uhs2.DefaultBlockSize)
	require.NoError(t, c.ReadBlock(7, got))
	assert.Equal(t, block, got)

	// Unwritten blocks read back zeroed.
	require.NoError(t, c.ReadBlock(8, got))
	assert.Equal(t, make([]byte, uhs2.DefaultBlockSize), got)
}

func TestDataFaultTeardown(t *testing.T) {
	sim, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	buf := make([]byte, uhs2.DefaultBlockSize)

	sim.InjectDataFault(true, false)
	err = c.ReadBlock(0, buf)
	assert.ErrorIs(t, err, uhs2.ErrTransport)

	sim.InjectDataFault(false, true)
	err = c.ReadBlock(0, buf)
	assert.ErrorIs(t, err, uhs2.ErrTimeout)

	// The engine reset the datapath; clean transfers work again.
	sim.InjectDataFault(false, false)
	assert.NoError(t, c.ReadBlock(0, buf))
}

func TestStatusPoll(t *testing.T) {
	_, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x900), status)
}

func TestSuspendResume(t *testing.T) {
	_, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	ops := c.Ops()
	require.NoError(t, ops.Suspend())
	assert.Equal(t, card.Suspended, c.State())

	// Suspend is idempotent.
	require.NoError(t, ops.Suspend())

	require.NoError(t, ops.Resume())
	assert.Equal(t, card.Active, c.State())

	buf := make([]byte, uhs2.DefaultBlockSize)
	assert.NoError(t, c.ReadBlock(0, buf))
}

func TestDetectRemoval(t *testing.T) {
	sim, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)

	ops := c.Ops()
	assert.True(t, ops.Detect())

	sim.Remove()
	assert.False(t, ops.Detect())
	assert.Equal(t, card.Removed, c.State())
}

func TestHwReset(t *testing.T) {
	_, h := newRig(t, sdhci.DefaultSimConfig())

	c, err := card.Attach(h, attachOpts())
	require.NoError(t, err)
	defer c.Ops().Remove()

	require.NoError(t, c.Ops().HwReset())
	assert.Equal(t, card.Active, c.State())
}

func TestWriteBlockReadOnly(t *testing.T) {
	_, h := newRig(t, sdhci.DefaultSimConfig())

	opts := attachOpts()
	c, err := card.Attach(h, opts)
	require.NoError(t, err)
	defer c.Ops().Remove()

	// The simulated card reports writable; the guard is exercised through
	// the state check instead.
	require.NoError(t, c.Ops().Suspend())
	err = c.WriteBlock(0, make([]byte, uhs2.DefaultBlockSize))
	assert.ErrorIs(t, err, uhs2.ErrInvalidState)
	require.NoError(t, c.Ops().Resume())
}
