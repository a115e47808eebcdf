package bootimage

import (
	"encoding/binary"

	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/memmap"
)

const gdtEntrySize = 8

// gdtEntry is a single 64-bit segment descriptor, laid out the way the
// processor expects it in guest memory.
type gdtEntry struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	limitHigh uint8 // limit bits 16:19 in the low nibble, flags (G, D/B, L, AVL) in the high nibble
	baseHigh  uint8
}

// newGDTEntry builds a descriptor for a segment with the given 32-bit
// linear base, 20-bit limit, access byte, and flag nibble (G, D/B, L,
// AVL in bits 7:4).
func newGDTEntry(base, limit uint32, access, flags uint8) gdtEntry {
	return gdtEntry{
		limitLow:  uint16(limit & 0xFFFF),
		baseLow:   uint16(base & 0xFFFF),
		baseMid:   uint8((base >> 16) & 0xFF),
		access:    access,
		limitHigh: uint8((limit>>16)&0x0F) | (flags & 0xF0),
		baseHigh:  uint8((base >> 24) & 0xFF),
	}
}

// FlatGDT32 is the three-descriptor GDT (null, 32-bit code, 32-bit
// data) a raw protected-mode boot image needs before its first
// instruction runs: a null selector plus flat 4GB code and data
// segments at privilege level 0.
func FlatGDT32() []gdtEntry {
	return []gdtEntry{
		newGDTEntry(0, 0, 0, 0),
		newGDTEntry(0, 0xFFFFF, 0x9A, 0xCF),
		newGDTEntry(0, 0xFFFFF, 0x92, 0xCF),
	}
}

// WriteGDT packs entries and writes them to gpa, returning the byte
// length written so the caller can size a GDTR limit.
func WriteGDT(mem *memmap.Map, gpa uint64, entries []gdtEntry) (uint64, error) {
	buf := make([]byte, len(entries)*gdtEntrySize)
	for i, e := range entries {
		off := i * gdtEntrySize
		binary.LittleEndian.PutUint16(buf[off:], e.limitLow)
		binary.LittleEndian.PutUint16(buf[off+2:], e.baseLow)
		buf[off+4] = e.baseMid
		buf[off+5] = e.access
		buf[off+6] = e.limitHigh
		buf[off+7] = e.baseHigh
	}
	if err := mem.Write(gpa, buf); err != nil {
		return 0, hypervisor.Wrap(hypervisor.KindInvalidArgument, err, "write GDT")
	}
	return uint64(len(buf)), nil
}

// 32-bit page directory entry flags. Only the bits this loader's
// single identity-mapped 4MB page actually sets are named; the rest
// of the 8086-era flag space (write-through, global, ...) has no
// caller here.
const (
	ptePresent   uint32 = 1 << 0
	pteReadWrite uint32 = 1 << 1
	pteUserSuper uint32 = 1 << 2
	pdePageSize  uint32 = 1 << 7 // 0 = points at a page table, 1 = maps a 4MB page directly
)

// newPDE4MB builds a page directory entry that maps a 4MB page
// directly at physAddr, which must be 4MB-aligned.
func newPDE4MB(physAddr uint32, flags uint32) uint32 {
	return (physAddr & 0xFFC00000) | (flags & 0x000001FF) | pdePageSize
}

// IdentityPageDirectory builds a 1024-entry page directory identity
// mapping the first 4MB of guest physical memory through a single 4MB
// page, the minimal table a raw boot image needs to enable paging.
func IdentityPageDirectory() []uint32 {
	pd := make([]uint32, 1024)
	pd[0] = newPDE4MB(0x0, ptePresent|pteReadWrite|pteUserSuper)
	return pd
}

// WritePageDirectory packs a page directory and writes it to gpa,
// which must be 4KB-aligned.
func WritePageDirectory(mem *memmap.Map, gpa uint64, pd []uint32) error {
	buf := make([]byte, len(pd)*4)
	for i, entry := range pd {
		binary.LittleEndian.PutUint32(buf[i*4:], entry)
	}
	if err := mem.Write(gpa, buf); err != nil {
		return hypervisor.Wrap(hypervisor.KindInvalidArgument, err, "write page directory")
	}
	return nil
}
