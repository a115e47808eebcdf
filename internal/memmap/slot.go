// Package memmap owns the guest physical memory map: a small table of
// GPA->HVA slots, installed through a hypervisor.Backend, that the
// vCPU loop and device/virtio code translate against.
package memmap

const (
	pageSize = 4096
	maxSlots = 32
)

// Slot is one contiguous GPA->HVA mapping.
type Slot struct {
	Index      uint32
	GPABase    uint64
	HostBuffer []byte
	Readable   bool
	Writable   bool
	Executable bool
	DirtyLog   bool
}

func (s Slot) size() uint64 { return uint64(len(s.HostBuffer)) }

func (s Slot) contains(gpa, size uint64) bool {
	return gpa >= s.GPABase && gpa+size <= s.GPABase+s.size() && gpa+size >= gpa
}

func alignDown(v uint64) uint64 {
	return v &^ (pageSize - 1)
}
