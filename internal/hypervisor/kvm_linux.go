//go:build linux

package hypervisor

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var kvmLog = logrus.WithField("subsystem", "hypervisor.kvm")

// kvmVM is the VMHandle concrete type for the Linux backend.
type kvmVM struct {
	fd int

	mu        sync.Mutex
	slots     map[uint32]Slot
	irqLevels map[uint32]bool // last asserted level, for IRQLine idempotency
	vcpu0     *kvmVCPU        // interrupt-injection target; spec.md excludes SMP routing
}

func (*kvmVM) isVMHandle() {}

// kvmVCPU is the VCPUHandle concrete type for the Linux backend.
type kvmVCPU struct {
	fd      int
	index   int
	run     []byte // mmap'd kvm_run
	mmapLen int

	tid atomic.Int32 // OS thread id of the goroutine calling Run, 0 until first Run
}

func (*kvmVCPU) isVCPUHandle() {}

// KVMBackend drives guest execution through /dev/kvm. It does not
// create an in-kernel irqchip (no KVM_CREATE_IRQCHIP/KVM_CREATE_PIT2)
// and no PIC/PIT is emulated in userspace either, so IRQLine injects
// the line number directly into vCPU 0 via KVM_INTERRUPT rather than
// asserting a GSI against a chip this backend never instantiates.
type KVMBackend struct {
	devFD int
	mmapSize int
}

// NewKVMBackend constructs an uninitialized backend; callers must call
// Init before using any other method.
func NewKVMBackend() *KVMBackend {
	return &KVMBackend{devFD: -1}
}

func (b *KVMBackend) Init() error {
	if err := probeVirtualizationSupport(); err != nil {
		return err
	}

	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return New(KindUnavailable, "/dev/kvm does not exist").
				WithRemedy("load the kvm and kvm-intel/kvm-amd kernel modules")
		}
		if err == unix.EACCES || err == unix.EPERM {
			return Wrap(KindPermissionDenied, err, "open /dev/kvm").
				WithRemedy("add the current user to the kvm group")
		}
		return Wrap(KindBackendFailure, err, "open /dev/kvm")
	}

	ver, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return Wrap(KindBackendFailure, err, "KVM_GET_API_VERSION")
	}
	if ver != 12 {
		unix.Close(fd)
		return New(KindUnavailable, "unsupported KVM API version").
			WithRemedy("this host's kernel KVM module is too old or too new")
	}

	size, err := ioctl(fd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		unix.Close(fd)
		return Wrap(KindBackendFailure, err, "KVM_GET_VCPU_MMAP_SIZE")
	}

	b.devFD = fd
	b.mmapSize = int(size)
	kvmLog.WithField("mmap_size", b.mmapSize).Info("kvm backend initialized")
	return nil
}

func (b *KVMBackend) Cleanup() error {
	if b.devFD < 0 {
		return nil
	}
	err := unix.Close(b.devFD)
	b.devFD = -1
	if err != nil {
		return Wrap(KindBackendFailure, err, "close /dev/kvm")
	}
	return nil
}

func (b *KVMBackend) CreateVM() (VMHandle, error) {
	fd, err := ioctl(b.devFD, kvmCreateVM, 0)
	if err != nil {
		return nil, Wrap(KindBackendFailure, err, "KVM_CREATE_VM")
	}
	return &kvmVM{
		fd:        int(fd),
		slots:     make(map[uint32]Slot),
		irqLevels: make(map[uint32]bool),
	}, nil
}

func (b *KVMBackend) DestroyVM(h VMHandle) error {
	vm := h.(*kvmVM)
	if err := unix.Close(vm.fd); err != nil {
		return Wrap(KindBackendFailure, err, "close vm fd")
	}
	return nil
}

func (b *KVMBackend) CreateVCPU(h VMHandle, index int) (VCPUHandle, error) {
	vm := h.(*kvmVM)
	fd, err := ioctl(vm.fd, kvmCreateVCPU, uintptr(index))
	if err != nil {
		return nil, Wrap(KindBackendFailure, err, "KVM_CREATE_VCPU")
	}

	data, err := unix.Mmap(int(fd), 0, b.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, Wrap(KindBackendFailure, err, "mmap kvm_run")
	}

	vcpu := &kvmVCPU{fd: int(fd), index: index, run: data, mmapLen: b.mmapSize}
	vm.mu.Lock()
	if index == 0 {
		vm.vcpu0 = vcpu
	}
	vm.mu.Unlock()
	return vcpu, nil
}

func (b *KVMBackend) DestroyVCPU(h VCPUHandle) error {
	vcpu := h.(*kvmVCPU)
	if err := unix.Munmap(vcpu.run); err != nil {
		return Wrap(KindBackendFailure, err, "munmap kvm_run")
	}
	if err := unix.Close(vcpu.fd); err != nil {
		return Wrap(KindBackendFailure, err, "close vcpu fd")
	}
	return nil
}

func (b *KVMBackend) MapMemory(h VMHandle, slot Slot) error {
	vm := h.(*kvmVM)
	region := kvmUserspaceMemoryRegion{
		Slot:          slot.Index,
		GuestPhysAddr: slot.GPABase,
		MemorySize:    slot.Size,
		UserspaceAddr: uint64(slot.HostBase),
	}
	if err := ioctlPtr(vm.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return Wrap(KindInvalidArgument, err, "KVM_SET_USER_MEMORY_REGION")
	}
	vm.mu.Lock()
	vm.slots[slot.Index] = slot
	vm.mu.Unlock()
	return nil
}

func (b *KVMBackend) UnmapMemory(h VMHandle, slotIndex uint32) error {
	vm := h.(*kvmVM)
	vm.mu.Lock()
	slot, ok := vm.slots[slotIndex]
	vm.mu.Unlock()
	if !ok {
		return New(KindInvalidArgument, "unmap of unknown slot")
	}
	region := kvmUserspaceMemoryRegion{
		Slot:          slot.Index,
		GuestPhysAddr: slot.GPABase,
		MemorySize:    0, // size 0 deletes the slot
		UserspaceAddr: uint64(slot.HostBase),
	}
	if err := ioctlPtr(vm.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return Wrap(KindBackendFailure, err, "KVM_SET_USER_MEMORY_REGION (delete)")
	}
	vm.mu.Lock()
	delete(vm.slots, slotIndex)
	vm.mu.Unlock()
	return nil
}

func (b *KVMBackend) Run(h VCPUHandle) (RunResult, error) {
	vcpu := h.(*kvmVCPU)
	vcpu.tid.Store(int32(unix.Gettid()))
	_, err := ioctl(vcpu.fd, kvmRun, 0)
	if err != nil {
		if err == unix.EINTR {
			return RunResult{Interrupted: true}, nil
		}
		return RunResult{}, Wrap(KindBackendFailure, err, "KVM_RUN")
	}
	return RunResult{}, nil
}

func (b *KVMBackend) GetExit(h VCPUHandle) (Exit, error) {
	vcpu := h.(*kvmVCPU)
	// exit_reason sits at offset 8 of struct kvm_run.
	reason := *(*uint32)(unsafe.Pointer(&vcpu.run[8]))

	switch reason {
	case kvmExitIO:
		io := (*kvmRunIO)(unsafe.Pointer(&vcpu.run[kvmRunHeaderSize]))
		var data [8]byte
		copy(data[:], vcpu.run[io.DataOffset:int(io.DataOffset)+int(io.Size)])
		dir := DirectionRead
		if io.Direction == kvmExitIODirOut {
			dir = DirectionWrite
		}
		return Exit{Kind: ExitIO, IO: IOExit{Port: io.Port, Width: io.Size, Direction: dir, Data: data}}, nil

	case kvmExitMMIO:
		mmio := (*kvmRunMMIO)(unsafe.Pointer(&vcpu.run[kvmRunHeaderSize]))
		dir := DirectionRead
		if mmio.IsWrite != 0 {
			dir = DirectionWrite
		}
		return Exit{Kind: ExitMMIO, MMIO: MMIOExit{PhysAddr: mmio.PhysAddr, Width: uint8(mmio.Len), Direction: dir, Data: mmio.Data}}, nil

	case kvmExitHLT:
		return Exit{Kind: ExitHalt}, nil

	case kvmExitShutdown:
		return Exit{Kind: ExitShutdown}, nil

	case kvmExitFailEntry:
		fe := (*kvmRunFailEntry)(unsafe.Pointer(&vcpu.run[kvmRunHeaderSize]))
		return Exit{Kind: ExitFailEntry, FailEntry: FailEntryExit{HardwareReason: fe.HardwareEntryFailureReason}}, nil

	case kvmExitIntr:
		return Exit{Kind: ExitCanceled}, nil

	case kvmExitException:
		return Exit{Kind: ExitException, Exception: ExceptionExit{Fatal: true}}, nil

	case kvmExitIRQWindow, kvmExitSetTPR, kvmExitTPRAccess, kvmExitHypercall, kvmExitDebug:
		return Exit{Kind: ExitArchitectural, Arch: ArchExit{Tag: "kvm"}}, nil

	default:
		return Exit{Kind: ExitUnknown}, nil
	}
}

func (b *KVMBackend) GetRegs(h VCPUHandle) (Regs, error) {
	vcpu := h.(*kvmVCPU)
	var kr kvmRegs
	if err := ioctlPtr(vcpu.fd, kvmGetRegs, unsafe.Pointer(&kr)); err != nil {
		return Regs{}, Wrap(KindBackendFailure, err, "KVM_GET_REGS")
	}
	return Regs{
		RAX: kr.RAX, RBX: kr.RBX, RCX: kr.RCX, RDX: kr.RDX,
		RSI: kr.RSI, RDI: kr.RDI, RSP: kr.RSP, RBP: kr.RBP,
		R8: kr.R8, R9: kr.R9, R10: kr.R10, R11: kr.R11,
		R12: kr.R12, R13: kr.R13, R14: kr.R14, R15: kr.R15,
		RIP: kr.RIP, RFLAGS: kr.RFLAGS,
	}, nil
}

func (b *KVMBackend) SetRegs(h VCPUHandle, regs Regs) error {
	vcpu := h.(*kvmVCPU)
	kr := kvmRegs{
		RAX: regs.RAX, RBX: regs.RBX, RCX: regs.RCX, RDX: regs.RDX,
		RSI: regs.RSI, RDI: regs.RDI, RSP: regs.RSP, RBP: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		RIP: regs.RIP, RFLAGS: regs.RFLAGS,
	}
	if err := ioctlPtr(vcpu.fd, kvmSetRegs, unsafe.Pointer(&kr)); err != nil {
		return Wrap(KindBackendFailure, err, "KVM_SET_REGS")
	}
	return nil
}

func toKVMSegment(s Segment) kvmSegment {
	return kvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func fromKVMSegment(s kvmSegment) Segment {
	return Segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL,
		DB: s.DB, S: s.S, L: s.L, G: s.G, AVL: s.AVL,
	}
}

func (b *KVMBackend) GetSregs(h VCPUHandle) (Sregs, error) {
	vcpu := h.(*kvmVCPU)
	var ks kvmSregs
	if err := ioctlPtr(vcpu.fd, kvmGetSregs, unsafe.Pointer(&ks)); err != nil {
		return Sregs{}, Wrap(KindBackendFailure, err, "KVM_GET_SREGS")
	}
	return Sregs{
		CS: fromKVMSegment(ks.CS), DS: fromKVMSegment(ks.DS), ES: fromKVMSegment(ks.ES),
		FS: fromKVMSegment(ks.FS), GS: fromKVMSegment(ks.GS), SS: fromKVMSegment(ks.SS),
		TR: fromKVMSegment(ks.TR), LDT: fromKVMSegment(ks.LDT),
		GDT: Table{Base: ks.GDT.Base, Limit: ks.GDT.Limit},
		IDT: Table{Base: ks.IDT.Base, Limit: ks.IDT.Limit},
		CR0: ks.CR0, CR2: ks.CR2, CR3: ks.CR3, CR4: ks.CR4, CR8: ks.CR8,
		EFER: ks.EFER,
	}, nil
}

func (b *KVMBackend) SetSregs(h VCPUHandle, sregs Sregs) error {
	vcpu := h.(*kvmVCPU)
	var ks kvmSregs
	if err := ioctlPtr(vcpu.fd, kvmGetSregs, unsafe.Pointer(&ks)); err != nil {
		return Wrap(KindBackendFailure, err, "KVM_GET_SREGS (read-modify-write)")
	}
	ks.CS, ks.DS, ks.ES = toKVMSegment(sregs.CS), toKVMSegment(sregs.DS), toKVMSegment(sregs.ES)
	ks.FS, ks.GS, ks.SS = toKVMSegment(sregs.FS), toKVMSegment(sregs.GS), toKVMSegment(sregs.SS)
	ks.TR, ks.LDT = toKVMSegment(sregs.TR), toKVMSegment(sregs.LDT)
	ks.GDT = kvmDTable{Base: sregs.GDT.Base, Limit: sregs.GDT.Limit}
	ks.IDT = kvmDTable{Base: sregs.IDT.Base, Limit: sregs.IDT.Limit}
	ks.CR0, ks.CR2, ks.CR3, ks.CR4, ks.CR8 = sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4, sregs.CR8
	ks.EFER = sregs.EFER
	if err := ioctlPtr(vcpu.fd, kvmSetSregs, unsafe.Pointer(&ks)); err != nil {
		return Wrap(KindBackendFailure, err, "KVM_SET_SREGS")
	}
	return nil
}

// RequestExit uses KVM's documented mechanism for kicking a vCPU out
// of KVM_RUN: send the thread that last entered Run a signal it does
// not block. SIGURG is used because Go runtime threads leave it
// unblocked, so no signal mask needs arranging; KVM_RUN then returns
// EINTR.
func (b *KVMBackend) RequestExit(h VCPUHandle) error {
	vcpu := h.(*kvmVCPU)
	tid := int(vcpu.tid.Load())
	if tid == 0 {
		return New(KindInvalidArgument, "vcpu has not started running")
	}
	if err := unix.Tgkill(os.Getpid(), tid, unix.SIGURG); err != nil {
		return Wrap(KindBackendFailure, err, "tgkill vcpu thread")
	}
	return nil
}

// IRQLine injects directly into vCPU 0 rather than asserting a GSI
// against an in-kernel irqchip, since this backend never creates one
// (see KVMBackend's doc comment). Idempotent per level: repeated
// asserts without an intervening deassert do not double-inject.
func (b *KVMBackend) IRQLine(h VMHandle, irq uint32, level bool) error {
	vm := h.(*kvmVM)
	vm.mu.Lock()
	was := vm.irqLevels[irq]
	vm.irqLevels[irq] = level
	vcpu0 := vm.vcpu0
	vm.mu.Unlock()

	if !level || was {
		return nil
	}
	if vcpu0 == nil {
		return New(KindInvalidArgument, "irq_line before vcpu 0 exists")
	}
	payload := kvmInterrupt{IRQ: irq}
	if err := ioctlPtr(vcpu0.fd, kvmInterrupt, unsafe.Pointer(&payload)); err != nil {
		return Wrap(KindBackendFailure, err, "KVM_INTERRUPT")
	}
	return nil
}

func (b *KVMBackend) ThreadBound() bool { return false }
func (b *KVMBackend) Arch() string      { return "amd64" }
