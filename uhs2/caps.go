package uhs2

// field describes one bit-field inside a 32-bit capability word.
type field struct {
	pos  uint
	mask uint32
}

func (f field) get(w uint32) uint32 { return (w >> f.pos) & f.mask }
func (f field) put(v uint32) uint32 { return (v & f.mask) << f.pos }
func (f field) set(w, v uint32) uint32 {
	return w&^(f.mask<<f.pos) | f.put(v)
}

// Device capability register bit layouts (CFG_BASE 000h/002h/004h).
var (
	devNLanes  = field{8, 0x3F}
	devDAdrLen = field{14, 0x1}
	devAppType = field{16, 0xFF}

	devPhyMinor = field{0, 0xF}
	devPhyMajor = field{4, 0x3}
	devCanHiber = field{15, 0x1}
	devNLssSync = field{0, 0xF}
	devNLssDir  = field{4, 0xF}

	devLinkMinor = field{0, 0xF}
	devLinkMajor = field{4, 0x3}
	devNFCU      = field{8, 0xFF}
	devDevType   = field{16, 0x7}
	devMaxBlkLen = field{20, 0xFFF}
	devNDataGap  = field{0, 0xFF}
)

// Lane configuration bits reported in the generic capability register.
const (
	Lanes2LHDFD = 0x1 // 2L-HD capable (also full duplex)
	Lanes2D1UFD = 0x2
	Lanes1D2UFD = 0x4
	Lanes2D2UFD = 0x8
)

// Application type bits.
const (
	AppSDMemory = 0x1
	AppSDIO     = 0x2
	AppEmbedded = 0x4
)

// Speed ranges.
const (
	SpeedRangeA = 0x0
	SpeedRangeB = 0x1
)

// Sentinel fix-ups: several raw fields use 0 to mean "maximum". The decoded
// semantic values below are what a raw zero expands to.
const (
	// NFCUMax is the decoded N_FCU when the raw field is zero.
	NFCUMax = 256

	// NLssSyncShift/NLssDirShift scale the raw 4-bit timing fields; a raw
	// zero decodes to 16 shifted by the same amount.
	NLssSyncShift = 2
	NLssDirShift  = 3
	NLssSyncMax   = 16 << NLssSyncShift
	NLssDirMax    = 16 << NLssDirShift
)

// DecodeNLssSync expands the raw N_LSS_SYN field to its semantic value.
func DecodeNLssSync(raw uint32) uint32 {
	if raw == 0 {
		return NLssSyncMax
	}
	return raw << NLssSyncShift
}

// DecodeNLssDir expands the raw N_LSS_DIR field to its semantic value.
func DecodeNLssDir(raw uint32) uint32 {
	if raw == 0 {
		return NLssDirMax
	}
	return raw << NLssDirShift
}

// DecodeNFCU expands the raw N_FCU field to its semantic value.
func DecodeNFCU(raw uint32) uint32 {
	if raw == 0 {
		return NFCUMax
	}
	return raw
}

// EncodeNLssSync re-derives the raw register encoding of a decoded
// N_LSS_SYN value. The maximum maps back to the explicit zero sentinel.
func EncodeNLssSync(v uint32) uint32 {
	return (v >> NLssSyncShift) & devNLssSync.mask
}

// EncodeNLssDir re-derives the raw register encoding of a decoded
// N_LSS_DIR value.
func EncodeNLssDir(v uint32) uint32 {
	return (v >> NLssDirShift) & devNLssDir.mask
}

// DeviceCaps is the decoded image of the device capability registers, read
// during ConfigRead. Timing and flow-control fields hold decoded semantic
// values, not raw register encodings.
type DeviceCaps struct {
	NLanes   uint32
	DAdrLen  uint32
	AppType  uint32
	PhyMinor uint32
	PhyMajor uint32
	CanHiber bool
	NLssSync uint32
	NLssDir  uint32

	LinkMinor uint32
	LinkMajor uint32
	NFCU      uint32
	DevType   uint32
	MaxBlkLen uint32
	NDataGap  uint32
}

// DecodeGenCaps parses the generic capability register word.
func (c *DeviceCaps) DecodeGenCaps(w uint32) {
	c.NLanes = devNLanes.get(w)
	c.DAdrLen = devDAdrLen.get(w)
	c.AppType = devAppType.get(w)
}

// DecodePhyCaps parses the two PHY capability register words.
func (c *DeviceCaps) DecodePhyCaps(w0, w1 uint32) {
	c.PhyMinor = devPhyMinor.get(w0)
	c.PhyMajor = devPhyMajor.get(w0)
	c.CanHiber = devCanHiber.get(w0) != 0
	c.NLssSync = DecodeNLssSync(devNLssSync.get(w1))
	c.NLssDir = DecodeNLssDir(devNLssDir.get(w1))
}

// DecodeLinkTranCaps parses the two LINK/TRAN capability register words.
func (c *DeviceCaps) DecodeLinkTranCaps(w0, w1 uint32) {
	c.LinkMinor = devLinkMinor.get(w0)
	c.LinkMajor = devLinkMajor.get(w0)
	c.NFCU = DecodeNFCU(devNFCU.get(w0))
	c.DevType = devDevType.get(w0)
	c.MaxBlkLen = devMaxBlkLen.get(w0)
	c.NDataGap = devNDataGap.get(w1)
}

// HostCaps is the decoded image of the controller capability register block.
type HostCaps struct {
	DAP      uint32 // device allocated power advertised by the host
	GAP      uint32 // group allocated power
	NLanes   uint32
	Addr64   bool
	CardType uint32

	PhyRev     uint32
	SpeedRange uint32
	NLssSync   uint32
	NLssDir    uint32

	LinkRev   uint32
	NFCU      uint32
	HostType  uint32
	MaxBlkLen uint32
	NDataGap  uint32

	// GroupDesc is the group descriptor accepted by the device during
	// DEVICE_INIT.
	GroupDesc uint8
}

// Host capability register bit layouts.
var (
	hostDAP      = field{0, 0xF}
	hostGAP      = field{4, 0xF}
	hostNLanes   = field{8, 0x3F}
	hostAddr64   = field{14, 0x1}
	hostCardType = field{16, 0x3}

	hostPhyRev     = field{0, 0x3F}
	hostSpeedRange = field{6, 0x3}
	hostNLssSync   = field{16, 0xF}
	hostNLssDir    = field{20, 0xF}

	hostLinkRev   = field{0, 0x3F}
	hostNFCU      = field{8, 0xFF}
	hostHostType  = field{16, 0x7}
	hostMaxBlkLen = field{20, 0xFFF}
	hostNDataGap  = field{0, 0xFF}
)

// DecodeHostCaps parses the four capability words of the controller's
// UHS-II capability block (generic, PHY, LINK/TRAN, LINK/TRAN-1), applying
// the same zero sentinels as the device side.
func DecodeHostCaps(gen, phy, tran, tran1 uint32) HostCaps {
	return HostCaps{
		DAP:      hostDAP.get(gen),
		GAP:      hostGAP.get(gen),
		NLanes:   hostNLanes.get(gen),
		Addr64:   hostAddr64.get(gen) != 0,
		CardType: hostCardType.get(gen),

		PhyRev:     hostPhyRev.get(phy),
		SpeedRange: hostSpeedRange.get(phy),
		NLssSync:   DecodeNLssSync(hostNLssSync.get(phy)),
		NLssDir:    DecodeNLssDir(hostNLssDir.get(phy)),

		LinkRev:   hostLinkRev.get(tran),
		NFCU:      DecodeNFCU(hostNFCU.get(tran)),
		HostType:  hostHostType.get(tran),
		MaxBlkLen: hostMaxBlkLen.get(tran),
		NDataGap:  hostNDataGap.get(tran1),
	}
}
