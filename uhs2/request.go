package uhs2

import "time"

// ControlOp selects a controller-side control operation that has no packet
// on the wire (PHY bring-up, interrupt gating, clock gating, and so on).
type ControlOp int

const (
	OpPhyInit ControlOp = iota
	OpSetConfig
	OpEnableInt
	OpDisableInt
	OpSetSpeedB
	OpCheckDormant
	OpDisableClk
	OpEnableClk
	OpPostAttach
)

func (op ControlOp) String() string {
	switch op {
	case OpPhyInit:
		return "phy-init"
	case OpSetConfig:
		return "set-config"
	case OpEnableInt:
		return "enable-int"
	case OpDisableInt:
		return "disable-int"
	case OpSetSpeedB:
		return "set-speed-b"
	case OpCheckDormant:
		return "check-dormant"
	case OpDisableClk:
		return "disable-clk"
	case OpEnableClk:
		return "enable-clk"
	case OpPostAttach:
		return "post-attach"
	default:
		return "unknown"
	}
}

// PowerMode is the electrical power state of the link.
type PowerMode int

const (
	PowerUndefined PowerMode = iota
	PowerOff
	PowerOn
)

// Timing selects the signaling mode applied by the controller.
type Timing int

const (
	TimingLegacy Timing = iota
	TimingUHS2
)

// IOS carries the requested bus state applied through the controller.
type IOS struct {
	Clock     uint32 // Hz; 0 gates the clock
	VDD       int    // bit index into the OCR bitmap; 0 when powered off
	PowerMode PowerMode
	Timing    Timing
}

// Data describes the data-transfer half of a request. At most one data
// operation may be in flight on a link at any time.
type Data struct {
	Blocks  int
	BlkSize int
	Write   bool
	Buf     []byte

	// Error is the classified data-path error, set by the transport engine.
	Error error
}

// Command describes a single command packet and its completion state.
type Command struct {
	Packet *Packet

	// Opcode is the SD command index for SD-TRAN commands; native packets
	// leave it zero and set Packet's native flag instead.
	Opcode uint8

	// SDArg is the 32-bit SD command argument carried as the first SD-TRAN
	// payload word.
	SDArg uint32

	// RespBusy marks opcodes with ambiguous completion (stop-transmission,
	// erase) which must wait for end-of-busy.
	RespBusy bool

	// BusyTimeout bounds the device's busy signaling after the command.
	BusyTimeout time.Duration

	// Resp receives the SD-style response word plus up to four big-endian
	// payload words for read-type control commands.
	Resp [4]uint32

	// Error is the classified command error, set by the transport engine.
	Error error

	Data *Data

	// Req points back at the owning request; set by the transport engine
	// on submission.
	Req *Request
}

// Request bundles a command and optional data operation. Its identity
// persists from submission until the completion callback fires exactly once.
type Request struct {
	Cmd  *Command
	Data *Data

	// Done is invoked exactly once from the completion worker when neither
	// a command nor a data operation remains attached to the request.
	Done func(*Request)
}

// Err returns the first classified error attached to the request.
func (r *Request) Err() error {
	if r.Cmd != nil && r.Cmd.Error != nil {
		return r.Cmd.Error
	}
	if r.Data != nil && r.Data.Error != nil {
		return r.Data.Error
	}
	return nil
}

// NACK reports whether the captured native response carries the
// non-acknowledgement bit, and its embedded error code. The NACK bit is
// advisory: the transport logs it but does not fail the command.
func (c *Command) NACK() (bool, uint8) {
	p := c.Packet
	if p == nil || len(p.Resp) < 3 {
		return false, 0
	}
	if p.Resp[2]&ResNACKMask == 0 {
		return false, 0
	}
	return true, p.Resp[2] >> ResECodePos & ResECodeMask
}
