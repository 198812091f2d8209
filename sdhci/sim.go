package sdhci

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/cursorhu/go-uhs2/uhs2"
)

// Simulated register block layout.
const (
	simCapsPtr     = 0x100
	simSettingsPtr = 0x110
)

// SimConfig parametrizes the simulated controller and its attached card.
// Zero values are filled in from DefaultSimConfig.
type SimConfig struct {
	Logger *slog.Logger

	// Device capability words returned by the configuration reads.
	GenCaps  uint32
	PhyCaps  [2]uint32
	TranCaps [2]uint32

	// Controller capability words published through the capability pointer.
	HostGen   uint32
	HostPhy   uint32
	HostTran  uint32
	HostTran1 uint32

	// InitEchoes is how many DEVICE_INIT attempts the card answers without
	// the completion flag before accepting.
	InitEchoes int

	// CfgCompleteBusy is how many configuration-completion polls after a
	// dormant exit the card answers as still busy.
	CfgCompleteBusy int

	// Fault injection.
	FailLaneSync   bool // lane sync never asserts; PHY bring-up times out
	NACKPhySet     bool // reject the PHY setting write
	ADMAErrOnData  bool // raise an ADMA fault instead of completing data
	DeadlockOnData bool // raise a deadlock timeout instead of completing data
}

// DefaultSimConfig describes a plain 2-lane half-duplex capable SD-memory
// card on a Range-A controller.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		GenCaps: uhs2.Lanes2LHDFD<<8 | uhs2.AppSDMemory<<16,
		PhyCaps: [2]uint32{
			0x11,         // PHY major 1, minor 1
			0x2<<4 | 0x2, // N_LSS_DIR raw 2, N_LSS_SYN raw 2
		},
		TranCaps: [2]uint32{
			512<<20 | 0x2<<16 | 8<<8 | 0x10, // MAX_BLKLEN 512, device type, N_FCU 8
			0x2,                             // N_DATA_GAP 2
		},
		HostGen:   1<<16 | uhs2.Lanes2LHDFD<<8 | 0x1<<4 | 0x1, // card type, lanes, GAP, DAP
		HostPhy:   0x4<<20 | 0x4<<16 | 0x1,                    // N_LSS_DIR/SYN raw 4, PHY rev
		HostTran:  512<<20 | 0x1<<16 | 16<<8 | 0x1,            // MAX_BLKLEN, host type, N_FCU 16
		HostTran1: 0x1,
	}
}

// SimSpeedB returns DefaultSimConfig with the controller advertising Speed
// Range B, which makes attach run the dormant speed-change sequence.
func SimSpeedB() SimConfig {
	cfg := DefaultSimConfig()
	cfg.HostPhy |= uhs2.SpeedRangeB << 6
	cfg.CfgCompleteBusy = 2
	return cfg
}

// Sim is a simulated UHS-II controller with one attached card. It reacts to
// register writes the way the hardware state machines would: reset bits
// self-clear, the clock reports stable, power-on asserts interface presence,
// and command submissions produce response packets and interrupts.
type Sim struct {
	IO  *MemIO
	cfg SimConfig
	log *slog.Logger

	host *Host

	mu        sync.Mutex
	initSeen  int
	cfgPolls  int
	cfgDone   bool
	nodeID    uint8
	ocrPolled bool
	rca       uint16
	selected  bool

	genSet  [2]uint32
	phySet  [2]uint32
	tranSet [2]uint32

	blocks map[uint32][]byte
}

// NewSim builds the simulated controller. Bind must be called before any
// command is submitted.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	def := DefaultSimConfig()
	if cfg.GenCaps == 0 {
		cfg.GenCaps = def.GenCaps
	}
	if cfg.PhyCaps == [2]uint32{} {
		cfg.PhyCaps = def.PhyCaps
	}
	if cfg.TranCaps == [2]uint32{} {
		cfg.TranCaps = def.TranCaps
	}
	if cfg.HostGen == 0 {
		cfg.HostGen = def.HostGen
	}
	if cfg.HostPhy == 0 {
		cfg.HostPhy = def.HostPhy
	}
	if cfg.HostTran == 0 {
		cfg.HostTran = def.HostTran
	}
	if cfg.HostTran1 == 0 {
		cfg.HostTran1 = def.HostTran1
	}

	s := &Sim{
		IO:     NewMemIO(),
		cfg:    cfg,
		log:    cfg.Logger.With("component", "sim"),
		nodeID: 1,
		rca:    0x0001,
		blocks: make(map[uint32][]byte),
	}

	s.IO.MarkRW1C(RegIntStatus)
	s.IO.MarkRW1C(RegUHS2ErrIntStatus)

	s.IO.Poke(RegUHS2HostCapsPtr, simCapsPtr|simSettingsPtr<<16)
	s.IO.Poke(simCapsPtr+HostCapsGenOffset, cfg.HostGen)
	s.IO.Poke(simCapsPtr+HostCapsPhyOffset, cfg.HostPhy)
	s.IO.Poke(simCapsPtr+HostCapsTranOffset, cfg.HostTran)
	s.IO.Poke(simCapsPtr+HostCapsTran1Offset, cfg.HostTran1)

	s.IO.SetBits(RegPresentState, PresentCardPresent)
	s.IO.SetWriteHook(s.regWrite)
	return s
}

// Bind attaches the host whose interrupt handler the sim invokes.
func (s *Sim) Bind(h *Host) { s.host = h }

// Remove pulls the card: presence and link state drop and a removal
// interrupt fires.
func (s *Sim) Remove() {
	s.IO.ClearBits(RegPresentState,
		PresentCardPresent|PresentIfDetect|PresentLaneSync|PresentInDormant)
	s.IO.SetBits(RegIntStatus, IntCardRemove)
	if s.host != nil {
		s.host.HandleIRQ()
	}
}

// NegotiatedWords reports the setting words the card received, for
// assertions against the negotiation outcome.
func (s *Sim) NegotiatedWords() (gen, phy, tran [2]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genSet, s.phySet, s.tranSet
}

// InitAttempts reports how many DEVICE_INIT commands the card has seen.
func (s *Sim) InitAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initSeen
}

// InjectDataFault arms or clears the data-path fault injections, so a test
// can attach cleanly and then fail a transfer.
func (s *Sim) InjectDataFault(adma, deadlock bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ADMAErrOnData = adma
	s.cfg.DeadlockOnData = deadlock
}

// regWrite is the register write hook: it implements the hardware side
// effects of control register writes.
func (s *Sim) regWrite(off uint32, width int) {
	switch off {
	case RegPowerControl:
		v := uint8(s.IO.Peek(RegPowerControl))
		if v&PowerOn != 0 {
			s.IO.SetBits(RegPresentState, PresentIfDetect)
			if !s.cfg.FailLaneSync {
				s.IO.SetBits(RegPresentState, PresentLaneSync)
			}
		} else {
			s.IO.ClearBits(RegPresentState,
				PresentIfDetect|PresentLaneSync|PresentInDormant)
		}

	case RegClockControl:
		v := s.IO.Peek(RegClockControl)
		if v&ClockIntEnable != 0 {
			s.IO.SetBits(RegClockControl, ClockIntStable)
		}
		if v&ClockCardEn != 0 {
			s.IO.ClearBits(RegPresentState, PresentInDormant)
		}

	case RegUHS2SWReset:
		if s.IO.Peek(RegUHS2SWReset)&0xFFFF != 0 {
			// Reset completes immediately; the bit self-clears.
			s.IO.ClearBits(RegUHS2SWReset, 0xFFFF)
		}

	case RegUHS2Command:
		// Writing the command register starts transmission. Complete it
		// off the caller's goroutine, as hardware would.
		go s.execute()
	}
}

// execute parses the submitted packet window, produces the card's response
// and raises the completion interrupts.
func (s *Sim) execute() {
	var w [uhs2.MaxPacketLen]byte
	for i := 0; i < len(w); i += 4 {
		binary.LittleEndian.PutUint32(w[i:], s.IO.Peek(RegUHS2CmdPacket+uint32(i)))
	}
	word0 := binary.LittleEndian.Uint32(w[0:4])
	header := uint16(word0)
	arg := uint16(word0 >> 16)
	var payload [4]uint32
	for i := range payload {
		payload[i] = binary.BigEndian.Uint32(w[4+4*i : 8+4*i])
	}

	// Clear the response window before composing into it.
	s.IO.PokeBytes(RegUHS2Response, make([]byte, uhs2.MaxPacketLen))

	var intbits, errbits uint32
	if header&uhs2.NativePacket != 0 {
		ioadr := (arg&0xF)<<8 | arg>>8&0xFF
		write := arg&uhs2.CmdWrite != 0
		intbits = s.native(ioadr, write, payload)
	} else {
		intbits, errbits = s.sdtran(header, arg, payload)
	}

	if errbits != 0 {
		s.IO.SetBits(RegUHS2ErrIntStatus, errbits)
		intbits |= IntError
	}
	s.IO.SetBits(RegIntStatus, intbits)
	if s.host != nil {
		s.host.HandleIRQ()
	}
}

// respBytes writes a native response packet into the response window.
func (s *Sim) respBytes(b []byte) {
	s.IO.PokeBytes(RegUHS2Response, b)
}

// respWords writes big-endian response payload words after the RES header.
func (s *Sim) respWords(words ...uint32) {
	var b [16]byte
	for i, wd := range words {
		binary.BigEndian.PutUint32(b[4*i:], wd)
	}
	s.IO.PokeBytes(RegUHS2Response+4, b[:4*len(words)])
}

// native models the card's CM-TRAN state machine.
func (s *Sim) native(ioadr uint16, write bool, payload [4]uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ioadr == uhs2.CmdDeviceInit:
		s.initSeen++
		resp := make([]byte, uhs2.DevInitRespLen)
		resp[3] = uint8(uhs2.CmdDeviceInit & 0xFF)
		resp[4] = uint8(payload[0] & 0xF) // echo the allocated power
		if s.initSeen > s.cfg.InitEchoes {
			resp[5] = 0x8
		}
		s.respBytes(resp)

	case ioadr == uhs2.CmdEnumerate:
		resp := make([]byte, uhs2.DevEnumRespLen)
		resp[3] = uint8(uhs2.CmdEnumerate & 0xFF)
		resp[4] = s.nodeID<<4 | s.nodeID
		s.respBytes(resp)

	case ioadr == uhs2.CmdGoDormantState:
		s.IO.SetBits(RegPresentState, PresentInDormant)
		s.cfgPolls = s.cfg.CfgCompleteBusy

	case ioadr == uhs2.ConfigGenCaps && !write:
		s.respWords(s.cfg.GenCaps, 0)

	case ioadr == uhs2.ConfigPhyCaps && !write:
		s.respWords(s.cfg.PhyCaps[0], s.cfg.PhyCaps[1])

	case ioadr == uhs2.ConfigLinkTranCaps && !write:
		s.respWords(s.cfg.TranCaps[0], s.cfg.TranCaps[1])

	case ioadr == uhs2.ConfigGenSet && !write:
		// Config-completion poll after a dormant soft reset.
		var w1 uint32
		if s.cfgPolls > 0 {
			s.cfgPolls--
		} else {
			w1 = uhs2.GenSetCfgComplete
		}
		s.respWords(0, w1)

	case ioadr == uhs2.ConfigGenSet:
		s.genSet = [2]uint32{payload[0], payload[1]}
		if payload[1]&uhs2.GenSetCfgComplete != 0 {
			s.cfgDone = true
			s.respBytes(make([]byte, uhs2.CfgWriteGenRespLen))
		}

	case ioadr == uhs2.ConfigPhySet:
		s.phySet = [2]uint32{payload[0], payload[1]}
		resp := make([]byte, uhs2.CfgWritePhyRespLen)
		if s.cfg.NACKPhySet {
			resp[2] = uhs2.ResNACKMask | 0x2<<uhs2.ResECodePos
		}
		s.respBytes(resp)

	case ioadr == uhs2.ConfigLinkTranSet:
		s.tranSet = [2]uint32{payload[0], payload[1]}

	default:
		s.log.Warn("unhandled native command", "ioadr", ioadr, "write", write)
	}
	return IntResponse
}

// hostData fetches the in-flight data operation from the bound host.
func (s *Sim) hostData() *uhs2.Data {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	return s.host.data
}

// sdtran models the card's legacy SD engine behind the SD-TRAN transport.
func (s *Sim) sdtran(header, arg uint16, payload [4]uint32) (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opcode := uint8(arg >> uhs2.SDCmdIndexPos & 0x3F)
	sdarg := payload[0]
	intbits := uint32(IntResponse)

	var data *uhs2.Data
	if header&uhs2.PacketTypeDCMD != 0 {
		data = s.hostData()
		if s.cfg.ADMAErrOnData {
			s.IO.Poke(RegADMAError, 0x3)
			return 0, ErrIntADMA
		}
		if s.cfg.DeadlockOnData {
			return 0, ErrIntDeadlockTimeout
		}
	}

	const statusReady = 0x00000900 // current state "tran", ready for data

	switch opcode {
	case uhs2.SDGoIdleState:
		s.selected = false

	case uhs2.SDSendIfCond:
		s.respWords(sdarg & 0xFFF)

	case uhs2.SDAppCmd:
		s.respWords(statusReady | 1<<5)

	case uhs2.SDAppOpCond:
		ocr := uint32(0x00FF8000)
		if sdarg != 0 && s.ocrPolled {
			ocr |= 1<<31 | 1<<30 // power-up done, high capacity
		}
		if sdarg != 0 {
			s.ocrPolled = true
		}
		s.respWords(ocr)

	case uhs2.SDAllSendCID:
		s.respWords(0x744A6055, 0x48532D32, 0x47001234, 0x5678A5D9)

	case uhs2.SDSendRelativeAddr:
		s.respWords(uint32(s.rca)<<16 | 0x0500)

	case uhs2.SDSendCSD:
		// CSD version 2.0, C_SIZE 0x0FFF: a 2 GiB card.
		s.respWords(0x400E0032, 0x5B590000, 0x0FFF7F80, 0x0A400040)

	case uhs2.SDSelectCard:
		s.selected = true
		s.respWords(statusReady)
		intbits |= IntDataEnd // end-of-busy

	case uhs2.SDSendStatus:
		s.respWords(statusReady)

	case uhs2.SDAppSendSCR:
		if data != nil {
			copy(data.Buf, []byte{0x02, 0x45, 0x84, 0x83, 0, 0, 0, 0})
			intbits |= IntDataEnd
		}
		s.respWords(statusReady)

	case uhs2.SDSwitchFunc:
		if data != nil {
			status := make([]byte, 64)
			status[0] = 0x06 // 1.80W max current
			for g := 0; g < 6; g++ {
				status[2+2*g] = 0x80 // every function supported
				status[2+2*g+1] = 0x03
			}
			copy(data.Buf, status)
			intbits |= IntDataEnd
		}
		s.respWords(statusReady)

	case uhs2.SDReadSingleBlock:
		if data != nil {
			blk, ok := s.blocks[sdarg]
			if !ok {
				blk = make([]byte, data.BlkSize)
			}
			copy(data.Buf, blk)
			intbits |= IntDataEnd
		}
		s.respWords(statusReady)

	case uhs2.SDWriteBlock:
		if data != nil {
			blk := make([]byte, len(data.Buf))
			copy(blk, data.Buf)
			s.blocks[sdarg] = blk
			intbits |= IntDataEnd
		}
		s.respWords(statusReady)

	case uhs2.SDStopTransmission, uhs2.SDEraseCmd:
		s.respWords(statusReady)
		intbits |= IntDataEnd // end-of-busy

	default:
		s.log.Warn("unhandled SD command", "opcode", opcode)
		s.respWords(statusReady)
	}

	return intbits, 0
}
