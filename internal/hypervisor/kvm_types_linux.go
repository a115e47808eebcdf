//go:build linux

package hypervisor

// Kernel-ABI-shaped structs, laid out field-for-field against
// linux/kvm.h so they can be passed directly to ioctl via
// unsafe.Pointer. These are distinct from the portable Regs/Sregs in
// backend.go: that pair crosses the package boundary, these never
// leave kvm_linux.go's translation layer.

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        uint8
	_        uint8
}

type kvmDTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS   kvmSegment
	TR, LDT                  kvmSegment
	GDT, IDT                 kvmDTable
	CR0, CR2, CR3, CR4, CR8  uint64
	EFER                     uint64
	ApicBase                 uint64
	InterruptBitmap          [4]uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRunIO mirrors the `io` member of the kvm_run exit union.
type kvmRunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// kvmRunMMIO mirrors the `mmio` member of the kvm_run exit union.
type kvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// kvmRunFailEntry mirrors the `fail_entry` member.
type kvmRunFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// kvmInterrupt is the payload of KVM_INTERRUPT.
type kvmInterrupt struct {
	IRQ uint32
}

// kvmRunHeaderSize is the byte offset of the exit-reason union within
// struct kvm_run. The mmap'd region is always at least
// kvmGetVCPUMMapSize bytes, so reads past this offset are safe as long
// as they stay within that size.
const kvmRunHeaderSize = 32
