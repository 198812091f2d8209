//go:build linux

package sdhci

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MMIO maps a physical controller register window through /dev/mem (or a
// sysfs resource file) and satisfies RegisterIO with direct loads/stores.
type MMIO struct {
	f    *os.File
	mem  []byte
	base uint32
}

// OpenMMIO maps size bytes of the register window at physical address base
// from the given device path.
func OpenMMIO(path string, base uint64, size int) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	pageSize := unix.Getpagesize()
	pageBase := base &^ uint64(pageSize-1)
	pageOff := int(base - pageBase)

	mem, err := unix.Mmap(int(f.Fd()), int64(pageBase), pageOff+size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s at %#x: %w", path, base, err)
	}

	return &MMIO{f: f, mem: mem, base: uint32(pageOff)}, nil
}

// Close unmaps the register window.
func (m *MMIO) Close() error {
	err := unix.Munmap(m.mem)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *MMIO) Read8(off uint32) uint8 { return m.mem[m.base+off] }

func (m *MMIO) Read16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(m.mem[m.base+off:])
}

func (m *MMIO) Read32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(m.mem[m.base+off:])
}

func (m *MMIO) Write8(off uint32, v uint8) { m.mem[m.base+off] = v }

func (m *MMIO) Write16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(m.mem[m.base+off:], v)
}

func (m *MMIO) Write32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.mem[m.base+off:], v)
}
