// Package bootimage loads guest boot payloads into a memmap.Map: the
// raw-binary contract spec.md §1 describes directly, and the
// supplemented Linux x86_64 boot protocol (bzImage) for booting a
// stock kernel without a bootloader in the guest.
package bootimage

import (
	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/memmap"
)

// LoadRaw copies image into guest memory at gpa unmodified: the
// direct-entry contract, where the vCPU's initial PC is set to gpa
// and execution begins at the image's first byte.
func LoadRaw(mem *memmap.Map, image []byte, gpa uint64) error {
	if len(image) == 0 {
		return hypervisor.New(hypervisor.KindInvalidArgument, "empty boot image")
	}
	return mem.Write(gpa, image)
}
