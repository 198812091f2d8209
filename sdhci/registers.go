// Package sdhci implements the host-side UHS-II transport engine for an
// SDHCI 4.0 style controller: packet window transmit, command/response
// completion under interrupt control, error interrupt classification, and
// the controller bring-up operations consumed by the negotiation sequence.
package sdhci

// Standard SDHCI register offsets used by the UHS-II path.
const (
	RegPresentState = 0x24
	RegPowerControl = 0x29
	RegClockControl = 0x2C
	RegIntStatus    = 0x30
	RegIntEnable    = 0x34
	RegSignalEnable = 0x38
	RegHostControl2 = 0x3E
	RegADMAError    = 0x54
)

// UHS-II register block.
const (
	RegUHS2BlockSize    = 0x80
	RegUHS2BlockCount   = 0x84
	RegUHS2CmdPacket    = 0x88 // 20-byte packet window
	RegUHS2TransMode    = 0x9C
	RegUHS2Command      = 0x9E
	RegUHS2Response     = 0xA0 // 20-byte response window
	RegUHS2DevIntStatus = 0xBC
	RegUHS2DevSelect    = 0xBE
	RegUHS2DevIntCode   = 0xBF
	RegUHS2SWReset      = 0xC0
	RegUHS2TimerCtrl    = 0xC2
	RegUHS2ErrIntStatus = 0xC4
	RegUHS2ErrIntEnable = 0xC8
	RegUHS2ErrIntSignal = 0xCC
	RegUHS2HostCapsPtr  = 0xE0
	RegUHS2SettingsPtr  = 0xE2
)

// Present state bits.
const (
	PresentCmdInhibit  = 1 << 0
	PresentDataInhibit = 1 << 1
	PresentCardPresent = 1 << 16
	PresentIfDetect    = 1 << 21
	PresentLaneSync    = 1 << 22
	PresentInDormant   = 1 << 23
)

// Clock control bits.
const (
	ClockIntEnable = 1 << 0
	ClockIntStable = 1 << 1
	ClockCardEn    = 1 << 2
)

// Power control bits. UHS-II supplies the signaling rail from VDD2 at 1.8V.
const (
	PowerOn      = 1 << 0
	PowerVDD2On  = 1 << 4
	PowerVDD2180 = 1 << 5
)

// Host control 2 bits.
const (
	Ctrl2UHS2        = 1 << 8
	Ctrl2UHS2IfaceEn = 1 << 9
)

// Normal interrupt status bits.
const (
	IntResponse   = 1 << 0
	IntDataEnd    = 1 << 1
	IntDMA        = 1 << 3
	IntCardInsert = 1 << 6
	IntCardRemove = 1 << 7
	IntCardInt    = 1 << 8
	IntError      = 1 << 15

	IntAllMask = 0xFFFFFFFF
)

// UHS-II software reset bits.
const (
	ResetFull = 1 << 0 // whole UHS-II block; turns off bus power
	ResetSD   = 1 << 1 // command and data submodules only
)

// Timer control: low nibble times command/response, high nibble the
// deadlock watchdog.
const TimerDeadlockShift = 4

// UHS-II transfer mode bits.
const (
	TransDMA         = 1 << 0
	TransBlkCntEn    = 1 << 1
	TransDataWrite   = 1 << 4
	TransBlkByteMode = 1 << 5
	TransWaitEBSY    = 1 << 14
	Trans2LHD        = 1 << 15
)

// UHS-II command register bits.
const (
	CmdPackLenShift = 9
	CmdData         = 1 << 5
	CmdTransAbort   = 1 << 6
	CmdCMD12        = 1 << 7
	CmdDormant      = 1 << 8
)

// UHS-II error interrupt status bits, split into a command-class and a
// data-class mask.
const (
	ErrIntHeader          = 1 << 0
	ErrIntRes             = 1 << 1
	ErrIntRetryExpired    = 1 << 2
	ErrIntCRC             = 1 << 3
	ErrIntFraming         = 1 << 4
	ErrIntTID             = 1 << 5
	ErrIntUnrecoverable   = 1 << 7
	ErrIntEBSY            = 1 << 8
	ErrIntADMA            = 1 << 15
	ErrIntResTimeout      = 1 << 16
	ErrIntDeadlockTimeout = 1 << 17

	ErrIntCmdMask = ErrIntHeader | ErrIntRes | ErrIntResTimeout
	ErrIntDataMask = ErrIntRetryExpired | ErrIntCRC | ErrIntFraming |
		ErrIntTID | ErrIntUnrecoverable | ErrIntEBSY | ErrIntADMA |
		ErrIntDeadlockTimeout
	ErrIntMask = ErrIntCmdMask | ErrIntDataMask
)

// Host capability block layout, relative to the pointer read from
// RegUHS2HostCapsPtr. The pointer must land in the 0x100..0x1FF window.
const (
	HostCapsGenOffset   = 0
	HostCapsPhyOffset   = 4
	HostCapsTranOffset  = 8
	HostCapsTran1Offset = 12

	HostCapsPtrMin = 0x100
	HostCapsPtrMax = 0x1FF
)

// Host setting block layout, relative to the pointer read from
// RegUHS2SettingsPtr.
const (
	SetGenOffset   = 0
	SetPhyOffset   = 4
	SetTranOffset  = 8
	SetTran1Offset = 12
)

// Setting register bit positions on the host side.
const (
	SetGenNLanesPos   = 8
	SetPhyNLssSyncPos = 0
	SetPhyNLssDirPos  = 4
	SetPhySpeedPos    = 8
	SetTranNFCUPos    = 8
	SetTranRetryPos   = 16
)
