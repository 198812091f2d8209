// Package uhs2 defines the wire-level UHS-II packet model: native control
// command (CCMD) and data command (DCMD) framing, device and host capability
// register images, and the merge rules that produce a negotiated link
// configuration.
//
// Packet layout follows the UHS-II Addendum: each command packet carries a
// 16-bit header (native flag, packet type, destination node id), a 16-bit
// argument (target register address, read/write flag, payload length code)
// and zero or more 32-bit payload words. Payload words travel big-endian on
// the wire regardless of host byte order.
package uhs2

import "encoding/binary"

// Header bits.
const (
	NativePacket = 1 << 7 // native (non-SD-TRAN) packet

	PacketTypePos  = 4
	PacketTypeCCMD = 0 << PacketTypePos
	PacketTypeDCMD = 1 << PacketTypePos
	PacketTypeRES  = 2 << PacketTypePos
	PacketTypeDATA = 3 << PacketTypePos
	PacketTypeMSG  = 7 << PacketTypePos

	DestIDMask = 0xF
)

// Argument bits for native CCMDs. The IOADR is split across the argument:
// its low byte sits in bits 15:8 and its high nibble in bits 3:0.
const (
	CmdWrite = 1 << 7
	CmdRead  = 0 << 7

	PlenPos = 4
	Plen4B  = 1 << PlenPos
	Plen8B  = 2 << PlenPos
	Plen16B = 3 << PlenPos
)

// Native command IOADRs (CMD_BASE = 0x200).
const (
	CmdBase           = 0x200
	CmdFullReset      = CmdBase + 0x000
	CmdGoDormantState = CmdBase + 0x001
	CmdDeviceInit     = CmdBase + 0x002
	CmdEnumerate      = CmdBase + 0x003
	CmdTransAbort     = CmdBase + 0x004
)

// Configuration register IOADRs (CFG_BASE = 0x000).
const (
	ConfigGenCaps      = 0x000
	ConfigPhyCaps      = 0x002
	ConfigLinkTranCaps = 0x004
	ConfigGenSet       = 0x008
	ConfigPhySet       = 0x00A
	ConfigLinkTranSet  = 0x00C
)

// DEVICE_INIT payload fields.
const (
	DevInitCompleteFlag = 1 << 11
	DevInitDAPPos       = 12
	DevInitGDPos        = 4
)

// Fixed packet geometry.
const (
	// MaxPacketLen is the hardware command packet window size in bytes.
	MaxPacketLen = 20

	DevInitPayloadLen   = 1
	DevInitRespLen      = 6
	DevEnumPayloadLen   = 1
	DevEnumRespLen      = 8
	CfgWritePayloadLen  = 2
	CfgWritePhyRespLen  = 5
	CfgWriteGenRespLen  = 5
	GoDormantPayloadLen = 1
)

// Response fields. A NACK is flagged by the high bit of response byte 2 with
// a 3-bit error code alongside.
const (
	ResNACKMask  = 1 << 7
	ResECodePos  = 4
	ResECodeMask = 0x7
)

// Packet is a single UHS-II command unit. It is created per protocol step,
// consumed exactly once by the transport engine, and discarded after its
// response is captured.
type Packet struct {
	Header  uint16
	Arg     uint16
	Payload []uint32 // native byte order; encoded big-endian on the wire

	// Resp receives the whole native response packet when RespLen > 0.
	// SD-TRAN responses are captured in Command.Resp instead.
	Resp    []byte
	RespLen int
}

// PayloadLen returns the outbound payload size in bytes.
func (p *Packet) PayloadLen() int { return 4 * len(p.Payload) }

// PacketLen returns the declared packet length: header/arg plus payload.
func (p *Packet) PacketLen() int { return 4 + p.PayloadLen() }

// IOADR reassembles the target register address encoded in the argument.
func (p *Packet) IOADR() uint16 {
	return (p.Arg&0xF)<<8 | (p.Arg >> 8 & 0xFF)
}

// IsNative reports whether the packet is a native (non-SD-TRAN) packet.
func (p *Packet) IsNative() bool { return p.Header&NativePacket != 0 }

// MarshalWindow encodes the packet into the fixed-size hardware command
// window. The header/arg pair occupies the first word (low 16 bits header,
// high 16 bits argument), payload words follow big-endian, and unused
// trailing bytes are zero.
func (p *Packet) MarshalWindow() ([MaxPacketLen]byte, error) {
	var w [MaxPacketLen]byte
	if p.PacketLen() > MaxPacketLen {
		return w, ErrPacketTooLong
	}
	binary.LittleEndian.PutUint32(w[0:4], uint32(p.Arg)<<16|uint32(p.Header))
	for i, word := range p.Payload {
		binary.BigEndian.PutUint32(w[4+4*i:8+4*i], word)
	}
	return w, nil
}

// ControlArg assembles a native CCMD argument for the given register address,
// direction and payload length code. For control reads the payload length
// code describes the response payload, since read commands carry no outbound
// payload but elicit one.
func ControlArg(ioadr uint16, write bool, plen uint16) uint16 {
	rw := uint16(CmdRead)
	if write {
		rw = CmdWrite
	}
	return (ioadr&0xFF)<<8 | rw | plen | ioadr>>8
}

// NewCCMD builds a native control command addressed to nodeID.
func NewCCMD(nodeID uint8, ioadr uint16, write bool, plen uint16, payload []uint32, respLen int) *Packet {
	p := &Packet{
		Header:  NativePacket | PacketTypeCCMD | uint16(nodeID)&DestIDMask,
		Arg:     ControlArg(ioadr, write, plen),
		Payload: payload,
		RespLen: respLen,
	}
	if respLen > 0 {
		p.Resp = make([]byte, respLen)
	}
	return p
}
