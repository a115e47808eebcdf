package hypervisor

// ExitKind discriminates the variants of Exit. The set is the portable
// taxonomy every backend's native exit reason is lifted onto; a
// backend that cannot classify a reason reports ExitUnknown rather
// than inventing a new variant, so diagnostics stay comparable across
// backends (spec open question on exit-taxonomy stability).
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitIO
	ExitMMIO
	ExitHalt
	ExitExternal
	ExitFailEntry
	ExitShutdown
	ExitException
	ExitCanceled
	ExitVirtualTimer
	ExitArchitectural
)

func (k ExitKind) String() string {
	switch k {
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitHalt:
		return "halt"
	case ExitExternal:
		return "external"
	case ExitFailEntry:
		return "fail_entry"
	case ExitShutdown:
		return "shutdown"
	case ExitException:
		return "exception"
	case ExitCanceled:
		return "canceled"
	case ExitVirtualTimer:
		return "virtual_timer"
	case ExitArchitectural:
		return "architectural"
	default:
		return "unknown"
	}
}

// Direction of an I/O port or MMIO access.
type Direction uint8

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// IOExit carries the payload of an ExitIO.
type IOExit struct {
	Port      uint16
	Width     uint8
	Direction Direction
	Data      [8]byte
}

// MMIOExit carries the payload of an ExitMMIO. Width is in bytes, 1-8.
// For a write, Data holds the bytes the guest stored; for a read the
// dispatcher fills Data and the backend is responsible for returning
// it to the guest.
type MMIOExit struct {
	PhysAddr  uint64
	Width     uint8
	Direction Direction
	Data      [8]byte
}

// ExceptionExit carries the opaque syndrome/fault-address payload of a
// guest fault the backend could not otherwise classify as a halt,
// I/O, or MMIO exit.
type ExceptionExit struct {
	Syndrome     uint64
	FaultAddress uint64
	Fatal        bool
}

// FailEntryExit carries the backend-native reason a guest entry
// failed outright.
type FailEntryExit struct {
	HardwareReason uint64
}

// ArchExit carries a tag for architectural trap classes the vCPU loop
// does not need to decode further (MSR access, interrupt window, bus
// lock, hypercall, ...): it records or acknowledges and continues.
type ArchExit struct {
	Tag string
}

// Exit is the discriminated record a backend fills in after Run
// returns control to the host. Only the field matching Kind is
// meaningful.
type Exit struct {
	Kind      ExitKind
	IO        IOExit
	MMIO      MMIOExit
	Exception ExceptionExit
	FailEntry FailEntryExit
	Arch      ArchExit
}

// RunResult is returned by Backend.Run. Interrupted means the run call
// returned early for a benign reason (a signal) and the caller must
// treat it as a loop continuation without consulting GetExit.
type RunResult struct {
	Interrupted bool
}

// Segment is a portable x86 segment descriptor, populated by the KVM
// backend and left zeroed by the ARM64 backend.
type Segment struct {
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
}

// Table is a portable GDT/IDT pointer, populated by the KVM backend.
type Table struct {
	Base  uint64
	Limit uint16
}

// Regs is the portable general-purpose register bundle. Both the KVM
// (x86_64) and Hypervisor.framework (arm64) backends fill in only the
// fields meaningful to their architecture; callers must not assume
// fields for the other architecture carry anything.
type Regs struct {
	// x86_64
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64

	// arm64
	X       [31]uint64
	SP, PC  uint64
	PSTATE  uint64
}

// Sregs is the portable system/control register bundle.
type Sregs struct {
	// x86_64
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       Table
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64

	// arm64
	SCTLR, TTBR0, TTBR1, TCR, MAIR uint64
}

// Slot mirrors memmap's slot shape at the backend boundary: the
// backend only needs the GPA base, the host buffer, and permission
// flags to install or remove a mapping.
type Slot struct {
	Index      uint32
	GPABase    uint64
	HostBase   uintptr
	Size       uint64
	Readable   bool
	Writable   bool
	Executable bool
	DirtyLog   bool
}

// VMHandle and VCPUHandle are opaque backend-owned handles. The rest
// of the system never inspects their contents.
type VMHandle interface{ isVMHandle() }
type VCPUHandle interface{ isVCPUHandle() }

// Backend is the capability set of spec.md §4.1. Concrete backends
// (linux/kvm, darwin-arm64/hvf) implement every method; the VM
// Controller selects one at process start based on host OS/arch and
// never branches on the concrete type again.
type Backend interface {
	// Init performs one-shot process-wide bring-up, probing privilege
	// and capability. Cleanup releases any such process-wide state.
	Init() error
	Cleanup() error

	CreateVM() (VMHandle, error)
	DestroyVM(VMHandle) error

	// CreateVCPU constructs a backend vCPU for index within vm. On a
	// thread-bound backend (ThreadBound() == true) the returned handle
	// must only be used from the calling goroutine for the rest of its
	// life, and the caller must have already arranged to stay pinned to
	// one OS thread (runtime.LockOSThread).
	CreateVCPU(vm VMHandle, index int) (VCPUHandle, error)
	DestroyVCPU(VCPUHandle) error

	MapMemory(vm VMHandle, slot Slot) error
	UnmapMemory(vm VMHandle, slotIndex uint32) error

	// Run enters guest mode until an exit condition or an async cancel
	// request is observed, then returns. RunResult.Interrupted true
	// means the caller should immediately call Run again.
	Run(vcpu VCPUHandle) (RunResult, error)
	GetExit(vcpu VCPUHandle) (Exit, error)

	GetRegs(vcpu VCPUHandle) (Regs, error)
	SetRegs(vcpu VCPUHandle, regs Regs) error
	GetSregs(vcpu VCPUHandle) (Sregs, error)
	SetSregs(vcpu VCPUHandle, sregs Sregs) error

	// RequestExit asynchronously kicks vcpu out of guest mode as soon
	// as possible; required for clean shutdown on backends where Run
	// would otherwise block indefinitely.
	RequestExit(vcpu VCPUHandle) error

	// IRQLine asserts or deasserts a level-triggered interrupt line. A
	// no-op on backends without a line-based interrupt controller.
	IRQLine(vm VMHandle, irq uint32, level bool) error

	// ThreadBound reports whether CreateVCPU (and the first SetRegs)
	// must run on the same OS thread that will later call Run — true
	// for Apple's Hypervisor.framework, false for Linux KVM.
	ThreadBound() bool

	// Arch names the guest architecture this backend drives ("amd64" or
	// "arm64"), used by the VM Controller to pick a boot-image loader
	// and initial Sregs layout.
	Arch() string
}
