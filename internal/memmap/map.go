package memmap

import (
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/coreward/vmm/internal/hypervisor"
)

var log = logrus.WithField("subsystem", "memmap")

// Map is the VM's guest physical memory map: at most maxSlots
// non-overlapping regions, each backed by a host buffer installed
// with the backend via Slot.
type Map struct {
	backend hypervisor.Backend
	vm      hypervisor.VMHandle
	slots   []Slot
}

// New constructs an empty map bound to vm. The backend must already
// have created vm.
func New(backend hypervisor.Backend, vm hypervisor.VMHandle) *Map {
	return &Map{backend: backend, vm: vm}
}

// AddRegion page-aligns base down, allocates a zeroed host buffer of
// size bytes, picks the lowest free slot index, installs it with the
// backend, and records it. Overlap detection against existing slots is
// the caller's responsibility at the layout level; AddRegion still
// refuses an overlap it can detect cheaply.
func (m *Map) AddRegion(gpaBase, size uint64) (Slot, error) {
	if len(m.slots) >= maxSlots {
		return Slot{}, hypervisor.New(hypervisor.KindOutOfResources, "memory map full")
	}
	base := alignDown(gpaBase)

	for _, existing := range m.slots {
		if overlaps(base, size, existing.GPABase, existing.size()) {
			return Slot{}, hypervisor.New(hypervisor.KindInvalidArgument, "region overlaps an existing slot")
		}
	}

	index := m.lowestFreeIndex()
	buf := make([]byte, size)
	slot := Slot{
		Index:      index,
		GPABase:    base,
		HostBuffer: buf,
		Readable:   true,
		Writable:   true,
		Executable: true,
	}

	if err := m.backend.MapMemory(m.vm, hypervisor.Slot{
		Index:      index,
		GPABase:    base,
		HostBase:   bufferHostBase(buf),
		Size:       size,
		Readable:   slot.Readable,
		Writable:   slot.Writable,
		Executable: slot.Executable,
	}); err != nil {
		return Slot{}, hypervisor.Wrap(hypervisor.KindBackendFailure, err, "install memory slot")
	}

	m.slots = append(m.slots, slot)
	log.WithFields(logrus.Fields{"slot": index, "gpa": base, "size": size}).Debug("region added")
	return slot, nil
}

func overlaps(baseA, sizeA, baseB, sizeB uint64) bool {
	endA, endB := baseA+sizeA, baseB+sizeB
	return baseA < endB && baseB < endA
}

func (m *Map) lowestFreeIndex() uint32 {
	used := make(map[uint32]bool, len(m.slots))
	for _, s := range m.slots {
		used[s.Index] = true
	}
	var i uint32
	for used[i] {
		i++
	}
	return i
}

// bufferHostBase extracts the address of a Go byte slice's backing
// array. The slice must not be reallocated afterward; AddRegion never
// appends to a host buffer once it hands its address to the backend.
func bufferHostBase(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// Translate returns the slot and in-slot offset for an access of size
// bytes at gpa, provided the whole access lies within one slot.
func (m *Map) Translate(gpa, size uint64) (*Slot, uint64, error) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.contains(gpa, size) {
			return s, gpa - s.GPABase, nil
		}
	}
	return nil, 0, hypervisor.New(hypervisor.KindInvalidArgument, "gpa range not covered by any slot")
}

// Read copies size bytes starting at gpa into dst.
func (m *Map) Read(gpa uint64, dst []byte) error {
	slot, off, err := m.Translate(gpa, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, slot.HostBuffer[off:off+uint64(len(dst))])
	return nil
}

// Write copies src into the slot backing gpa.
func (m *Map) Write(gpa uint64, src []byte) error {
	slot, off, err := m.Translate(gpa, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(slot.HostBuffer[off:off+uint64(len(src))], src)
	return nil
}

// HVA returns the host virtual address backing gpa for size bytes, for
// callers (virtqueue descriptor walking) that need a pointer rather
// than a copy.
func (m *Map) HVA(gpa, size uint64) ([]byte, error) {
	slot, off, err := m.Translate(gpa, size)
	if err != nil {
		return nil, err
	}
	return slot.HostBuffer[off : off+size], nil
}

// Destroy unmaps every slot from the backend and releases its buffer.
func (m *Map) Destroy() error {
	var first error
	for _, s := range m.slots {
		if err := m.backend.UnmapMemory(m.vm, s.Index); err != nil && first == nil {
			first = err
		}
	}
	m.slots = nil
	return first
}

// Slots returns a read-only snapshot of the installed slots.
func (m *Map) Slots() []Slot {
	out := make([]Slot, len(m.slots))
	copy(out, m.slots)
	return out
}
