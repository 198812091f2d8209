package uhs2

// Setting register bit positions used when writing the negotiated
// configuration back to the device.
const (
	GenSetNLanesPos   = 8
	GenSet2LFDHD      = 0x0 // most devices implement only FD and 2L-HD
	GenSetCfgComplete = 1 << 31

	PhySetSpeedPos   = 6
	PhySetNLssDirPos = 4

	LTSetMaxBlkLen    = 512
	LTSetMaxRetryPos  = 16
	LTSetNFCUPos      = 8
	LTSetMaxBlkLenPos = 20
)

// Negotiation policy constants.
const (
	// MaxRetrySet is the fixed retransmission budget written to both sides.
	MaxRetrySet = 3

	// MinDataGapHD and MinDataGapFD are the minimum inter-data-gap counts
	// for half-duplex and full-duplex lane configurations.
	MinDataGapHD = 1
	MinDataGapFD = 3
)

// NegotiatedConfig is the subset of capabilities chosen for the session.
// Every field satisfies both host and device limits; after the write-back
// step both sides hold these same effective values.
type NegotiatedConfig struct {
	NLanesSet     uint32
	SpeedRangeSet uint32
	NLssSyncSet   uint32 // raw register encoding (decoded value >> NLssSyncShift)
	NLssDirSet    uint32 // raw register encoding (decoded value >> NLssDirShift)
	MaxBlkLenSet  uint32
	NFCUSet       uint32
	NDataGapSet   uint32
	MaxRetrySet   uint32

	// HalfDuplex reports whether the 2L-HD lane mode was selected.
	HalfDuplex bool
}

// Negotiate computes the session configuration from the host and device
// capability images: minimum of the two for block length and flow-control
// units, maximum for the synchronization timings, fixed policy values for
// the retry budget and data gap floor.
func Negotiate(host *HostCaps, dev *DeviceCaps) NegotiatedConfig {
	var cfg NegotiatedConfig

	if dev.NLanes&Lanes2LHDFD != 0 && host.NLanes&Lanes2LHDFD != 0 {
		cfg.HalfDuplex = true
	}
	cfg.NLanesSet = GenSet2LFDHD

	cfg.SpeedRangeSet = SpeedRangeA
	if host.SpeedRange == SpeedRangeB {
		cfg.SpeedRangeSet = SpeedRangeB
	}

	cfg.NLssSyncSet = EncodeNLssSync(max(dev.NLssSync, host.NLssSync))
	cfg.NLssDirSet = EncodeNLssDir(max(dev.NLssDir, host.NLssDir))

	// SD-memory devices pin the block length to the fixed maximum.
	if dev.AppType&AppSDMemory != 0 {
		cfg.MaxBlkLenSet = LTSetMaxBlkLen
	} else {
		cfg.MaxBlkLenSet = min(dev.MaxBlkLen, host.MaxBlkLen)
	}

	cfg.NFCUSet = min(dev.NFCU, host.NFCU)

	gapFloor := uint32(MinDataGapFD)
	if cfg.HalfDuplex {
		gapFloor = MinDataGapHD
	}
	cfg.NDataGapSet = max(gapFloor, dev.NDataGap)

	cfg.MaxRetrySet = MaxRetrySet
	return cfg
}

// GenSetPayload returns the two payload words written to the device generic
// setting register.
func (c *NegotiatedConfig) GenSetPayload() [2]uint32 {
	return [2]uint32{c.NLanesSet << GenSetNLanesPos, 0}
}

// PhySetPayload returns the two payload words written to the device PHY
// setting register.
func (c *NegotiatedConfig) PhySetPayload() [2]uint32 {
	return [2]uint32{
		c.SpeedRangeSet << PhySetSpeedPos,
		c.NLssDirSet<<PhySetNLssDirPos | c.NLssSyncSet,
	}
}

// LinkTranSetPayload returns the two payload words written to the device
// LINK/TRAN setting register.
func (c *NegotiatedConfig) LinkTranSetPayload() [2]uint32 {
	return [2]uint32{
		c.MaxBlkLenSet<<LTSetMaxBlkLenPos |
			c.MaxRetrySet<<LTSetMaxRetryPos |
			c.NFCUSet<<LTSetNFCUPos,
		c.NDataGapSet,
	}
}
