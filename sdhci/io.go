package sdhci

import (
	"encoding/binary"
	"sync"
)

// RegisterIO is the raw register access interface to the controller. All
// offsets are byte offsets into the controller's register window.
type RegisterIO interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

// MemIO is an in-memory register bank. It backs tests and the simulated
// controller; hardware uses the mmap-backed implementation instead.
//
// An optional hook observes every write after it lands, letting a device
// model react to command submissions. A read hook observes every read after
// the value is sampled, so tests can change a register mid-poll.
type MemIO struct {
	mu     sync.Mutex
	regs   [512]byte
	rw1c   map[uint32]bool
	hook   func(off uint32, width int)
	rdHook func(off uint32, width int)
}

// NewMemIO returns a zeroed in-memory register bank.
func NewMemIO() *MemIO { return &MemIO{rw1c: make(map[uint32]bool)} }

// MarkRW1C gives a 32-bit register write-1-to-clear semantics, as interrupt
// status registers have: writing a bit clears it instead of storing it.
func (m *MemIO) MarkRW1C(off uint32) {
	m.mu.Lock()
	m.rw1c[off] = true
	m.mu.Unlock()
}

// SetWriteHook installs fn to run after every register write.
func (m *MemIO) SetWriteHook(fn func(off uint32, width int)) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

// SetReadHook installs fn to run after every register read.
func (m *MemIO) SetReadHook(fn func(off uint32, width int)) {
	m.mu.Lock()
	m.rdHook = fn
	m.mu.Unlock()
}

func (m *MemIO) Read8(off uint32) uint8 {
	m.mu.Lock()
	v := m.regs[off]
	hook := m.rdHook
	m.mu.Unlock()
	if hook != nil {
		hook(off, 1)
	}
	return v
}

func (m *MemIO) Read16(off uint32) uint16 {
	m.mu.Lock()
	v := binary.LittleEndian.Uint16(m.regs[off:])
	hook := m.rdHook
	m.mu.Unlock()
	if hook != nil {
		hook(off, 2)
	}
	return v
}

func (m *MemIO) Read32(off uint32) uint32 {
	m.mu.Lock()
	v := binary.LittleEndian.Uint32(m.regs[off:])
	hook := m.rdHook
	m.mu.Unlock()
	if hook != nil {
		hook(off, 4)
	}
	return v
}

func (m *MemIO) Write8(off uint32, v uint8) {
	m.mu.Lock()
	m.regs[off] = v
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(off, 1)
	}
}

func (m *MemIO) Write16(off uint32, v uint16) {
	m.mu.Lock()
	binary.LittleEndian.PutUint16(m.regs[off:], v)
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(off, 2)
	}
}

func (m *MemIO) Write32(off uint32, v uint32) {
	m.mu.Lock()
	if m.rw1c[off] {
		v = binary.LittleEndian.Uint32(m.regs[off:]) &^ v
	}
	binary.LittleEndian.PutUint32(m.regs[off:], v)
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(off, 4)
	}
}

// Poke writes a register directly without running the write hook. Device
// models use it to publish status the host will poll.
func (m *MemIO) Poke(off uint32, v uint32) {
	m.mu.Lock()
	binary.LittleEndian.PutUint32(m.regs[off:], v)
	m.mu.Unlock()
}

// PokeBytes writes raw bytes directly without running the write hook.
func (m *MemIO) PokeBytes(off uint32, b []byte) {
	m.mu.Lock()
	copy(m.regs[off:], b)
	m.mu.Unlock()
}

// Peek reads a register without taking the hook path.
func (m *MemIO) Peek(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.regs[off:])
}

// SetBits sets bits in a 32-bit register without running the write hook.
func (m *MemIO) SetBits(off uint32, bits uint32) {
	m.mu.Lock()
	v := binary.LittleEndian.Uint32(m.regs[off:])
	binary.LittleEndian.PutUint32(m.regs[off:], v|bits)
	m.mu.Unlock()
}

// ClearBits clears bits in a 32-bit register without running the write hook.
func (m *MemIO) ClearBits(off uint32, bits uint32) {
	m.mu.Lock()
	v := binary.LittleEndian.Uint32(m.regs[off:])
	binary.LittleEndian.PutUint32(m.regs[off:], v&^bits)
	m.mu.Unlock()
}
