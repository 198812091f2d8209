package uhs2

// SD command indexes carried over the SD-TRAN transport after negotiation.
const (
	SDGoIdleState       = 0
	SDAllSendCID        = 2
	SDSendRelativeAddr  = 3
	SDSwitchFunc        = 6
	SDSelectCard        = 7
	SDSendIfCond        = 8
	SDSendCSD           = 9
	SDStopTransmission  = 12
	SDSendStatus        = 13
	SDReadSingleBlock   = 17
	SDWriteBlock        = 24
	SDEraseCmd          = 38
	SDAppCmd            = 55
	SDAppOpCond         = 41 // ACMD41
	SDAppSendSCR        = 51 // ACMD51
)

// SD-TRAN argument bits.
const (
	SDCmdIndexPos = 8
	SDCmdAppPos   = 14
	SDCmdApp      = 1 << SDCmdAppPos

	DCmd2LHDMode     = 1 << 6
	DCmdLMTLenExist  = 1 << 5
	DCmdTLUMByteMode = 1 << 4
)

// DefaultBlockSize is the canonical SD data block length.
const DefaultBlockSize = 512

// SDTranOptions carries per-link state that parametrizes SD-TRAN framing.
type SDTranOptions struct {
	NodeID     uint8
	HalfDuplex bool // negotiated 2L-HD lane mode
	AppCmd     bool // next command is application-specific (preceded by CMD55)
}

// PrepareSDCommand fills cmd.Packet with an SD-TRAN packet for the command.
// Data-bearing commands become DCMDs carrying a transfer-length word; all
// others become CCMDs with the SD argument as their single payload word.
//
// Byte mode applies when transferring exactly one block of a non-default
// size on opcodes other than the canonical single-block read/write.
func PrepareSDCommand(cmd *Command, opts SDTranOptions) {
	header := uint16(opts.NodeID) & DestIDMask
	if cmd.Data != nil {
		header |= PacketTypeDCMD
	} else {
		header |= PacketTypeCCMD
	}

	arg := uint16(cmd.Opcode) << SDCmdIndexPos
	if opts.AppCmd {
		arg |= SDCmdApp
	}

	payload := make([]uint32, 1, 2)
	if cmd.Data != nil {
		if opts.HalfDuplex {
			arg |= DCmd2LHDMode
		}
		arg |= DCmdLMTLenExist

		if cmd.Data.Blocks == 1 &&
			cmd.Data.BlkSize != DefaultBlockSize &&
			cmd.Opcode != SDReadSingleBlock &&
			cmd.Opcode != SDWriteBlock {
			arg |= DCmdTLUMByteMode
			payload = append(payload, uint32(cmd.Data.BlkSize))
		} else {
			payload = append(payload, uint32(cmd.Data.Blocks))
		}
	}
	payload[0] = cmd.SDArg

	cmd.Packet = &Packet{
		Header:  header,
		Arg:     arg,
		Payload: payload,
	}
}
