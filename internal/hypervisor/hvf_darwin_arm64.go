//go:build darwin && arm64

// This file implements the Apple Silicon backend. Only darwin/arm64 is
// implemented concretely; darwin/amd64 (Hypervisor.framework's x86
// variant) is a documented gap rather than a near-duplicate cgo file,
// since every host this backend actually targets is Apple Silicon.
package hypervisor

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_vm.h>
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_arch_vcpu.h>
#include <stdlib.h>

static hv_return_t go_hv_vcpu_create(hv_vcpu_t *vcpu, hv_vcpu_exit_t **exitp) {
	return hv_vcpu_create(vcpu, exitp, NULL);
}
*/
import "C"

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

var hvfLog = logrus.WithField("subsystem", "hypervisor.hvf")

type hvfVM struct {
	mu    sync.Mutex
	next  uint32
	slots map[uint32]Slot
}

func (*hvfVM) isVMHandle() {}

type hvfVCPU struct {
	handle C.hv_vcpu_t
	exit   *C.hv_vcpu_exit_t
	index  int
}

func (*hvfVCPU) isVCPUHandle() {}

// hvErr converts an hv_return_t into a typed error, nil on HV_SUCCESS.
func hvErr(ret C.hv_return_t) error {
	if ret == C.HV_SUCCESS {
		return nil
	}
	switch ret {
	case C.HV_DENIED:
		return New(KindPermissionDenied, "Hypervisor.framework denied the request").
			WithRemedy("grant the com.apple.security.hypervisor entitlement")
	case C.HV_BUSY:
		return New(KindOutOfResources, "Hypervisor.framework resource busy")
	case C.HV_BAD_ARGUMENT:
		return New(KindInvalidArgument, "Hypervisor.framework rejected an argument")
	case C.HV_NO_RESOURCES:
		return New(KindOutOfResources, "Hypervisor.framework out of resources")
	case C.HV_UNSUPPORTED:
		return New(KindUnavailable, "Hypervisor.framework feature unsupported on this host")
	default:
		return New(KindBackendFailure, "Hypervisor.framework call failed")
	}
}

// HVFBackend drives guest execution through Apple's Hypervisor.framework.
// Every method that touches a vCPU must run on the OS thread that
// created it (ThreadBound reports true); the VM Controller is
// responsible for calling runtime.LockOSThread on that goroutine
// before CreateVCPU.
type HVFBackend struct{}

func NewHVFBackend() *HVFBackend { return &HVFBackend{} }

func (b *HVFBackend) Init() error {
	return hvErr(C.hv_vm_create(nil))
}

func (b *HVFBackend) Cleanup() error {
	return hvErr(C.hv_vm_destroy())
}

func (b *HVFBackend) CreateVM() (VMHandle, error) {
	return &hvfVM{slots: make(map[uint32]Slot)}, nil
}

func (b *HVFBackend) DestroyVM(VMHandle) error {
	return nil // process-wide VM is torn down by Cleanup
}

func (b *HVFBackend) CreateVCPU(h VMHandle, index int) (VCPUHandle, error) {
	runtime.LockOSThread()
	var handle C.hv_vcpu_t
	var exitInfo *C.hv_vcpu_exit_t
	if err := hvErr(C.go_hv_vcpu_create(&handle, &exitInfo)); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return &hvfVCPU{handle: handle, exit: exitInfo, index: index}, nil
}

func (b *HVFBackend) DestroyVCPU(h VCPUHandle) error {
	vcpu := h.(*hvfVCPU)
	defer runtime.UnlockOSThread()
	return hvErr(C.hv_vcpu_destroy(vcpu.handle))
}

func hvMemFlags(s Slot) C.hv_memory_flags_t {
	var f C.hv_memory_flags_t
	if s.Readable {
		f |= C.HV_MEMORY_READ
	}
	if s.Writable {
		f |= C.HV_MEMORY_WRITE
	}
	if s.Executable {
		f |= C.HV_MEMORY_EXEC
	}
	return f
}

func (b *HVFBackend) MapMemory(h VMHandle, slot Slot) error {
	vm := h.(*hvfVM)
	err := hvErr(C.hv_vm_map(
		unsafe.Pointer(slot.HostBase),
		C.hv_ipa_t(slot.GPABase),
		C.size_t(slot.Size),
		hvMemFlags(slot),
	))
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.slots[slot.Index] = slot
	vm.mu.Unlock()
	return nil
}

func (b *HVFBackend) UnmapMemory(h VMHandle, slotIndex uint32) error {
	vm := h.(*hvfVM)
	vm.mu.Lock()
	slot, ok := vm.slots[slotIndex]
	vm.mu.Unlock()
	if !ok {
		return New(KindInvalidArgument, "unmap of unknown slot")
	}
	if err := hvErr(C.hv_vm_unmap(C.hv_ipa_t(slot.GPABase), C.size_t(slot.Size))); err != nil {
		return err
	}
	vm.mu.Lock()
	delete(vm.slots, slotIndex)
	vm.mu.Unlock()
	return nil
}

func (b *HVFBackend) Run(h VCPUHandle) (RunResult, error) {
	vcpu := h.(*hvfVCPU)
	if err := hvErr(C.hv_vcpu_run(vcpu.handle)); err != nil {
		return RunResult{}, err
	}
	return RunResult{}, nil
}

// GetExit lifts the ARM64 exception syndrome the framework recorded
// into the portable Exit taxonomy. Every data abort from a lower
// exception level (EC 0x24) is reported as MMIO at the faulting IPA;
// the device table decides whether a device covers it. When the
// syndrome's ISV bit is set, width and direction come from it, and a
// store carries the value of its source register; when ISV is clear,
// width defaults to 4 and the access is treated as a write with no
// data. A virtual-timer exit becomes ExitVirtualTimer, any other
// non-exception reason ExitUnknown, and any other exception class a
// fatal Exception.
func (b *HVFBackend) GetExit(h VCPUHandle) (Exit, error) {
	vcpu := h.(*hvfVCPU)
	reason := vcpu.exit.reason

	if reason == C.HV_EXIT_REASON_VTIMER_ACTIVATED {
		return Exit{Kind: ExitVirtualTimer}, nil
	}
	if reason != C.HV_EXIT_REASON_EXCEPTION {
		return Exit{Kind: ExitUnknown}, nil
	}

	syndrome := uint64(vcpu.exit.exception.syndrome)
	far := uint64(vcpu.exit.exception.virtual_address)
	ec := (syndrome >> 26) & 0x3f

	// EC 0x24: data abort from a lower exception level. Treat it as an
	// MMIO candidate; the device router decides whether the faulting
	// physical address is actually unmapped.
	if ec == 0x24 {
		isv := (syndrome>>24)&1 != 0
		wnr := (syndrome>>6)&1 != 0
		var width uint8 = 4
		dir := DirectionWrite
		if isv {
			size := (syndrome >> 22) & 0x3
			width = uint8(1 << size)
			if !wnr {
				dir = DirectionRead
			}
		}
		mmio := MMIOExit{PhysAddr: uint64(vcpu.exit.exception.physical_address), Width: width, Direction: dir}
		if isv && wnr {
			// SRT (bits 20:16) names the store's source register; 31 is XZR.
			if srt := (syndrome >> 16) & 0x1f; srt < 31 {
				var v C.uint64_t
				if err := hvErr(C.hv_vcpu_get_reg(vcpu.handle, armGPRegs[srt], &v)); err != nil {
					return Exit{}, err
				}
				for i := range mmio.Data {
					mmio.Data[i] = byte(uint64(v) >> (8 * uint(i)))
				}
			}
		}
		return Exit{Kind: ExitMMIO, MMIO: mmio}, nil
	}

	return Exit{Kind: ExitException, Exception: ExceptionExit{Syndrome: syndrome, FaultAddress: far, Fatal: true}}, nil
}

var armGPRegs = [31]C.hv_reg_t{
	C.HV_REG_X0, C.HV_REG_X1, C.HV_REG_X2, C.HV_REG_X3, C.HV_REG_X4,
	C.HV_REG_X5, C.HV_REG_X6, C.HV_REG_X7, C.HV_REG_X8, C.HV_REG_X9,
	C.HV_REG_X10, C.HV_REG_X11, C.HV_REG_X12, C.HV_REG_X13, C.HV_REG_X14,
	C.HV_REG_X15, C.HV_REG_X16, C.HV_REG_X17, C.HV_REG_X18, C.HV_REG_X19,
	C.HV_REG_X20, C.HV_REG_X21, C.HV_REG_X22, C.HV_REG_X23, C.HV_REG_X24,
	C.HV_REG_X25, C.HV_REG_X26, C.HV_REG_X27, C.HV_REG_X28, C.HV_REG_X29,
	C.HV_REG_X30,
}

func (b *HVFBackend) GetRegs(h VCPUHandle) (Regs, error) {
	vcpu := h.(*hvfVCPU)
	var regs Regs
	for i, reg := range armGPRegs {
		var v C.uint64_t
		if err := hvErr(C.hv_vcpu_get_reg(vcpu.handle, reg, &v)); err != nil {
			return Regs{}, err
		}
		regs.X[i] = uint64(v)
	}
	var sp, pc, pstate C.uint64_t
	if err := hvErr(C.hv_vcpu_get_reg(vcpu.handle, C.HV_REG_SP, &sp)); err != nil {
		return Regs{}, err
	}
	if err := hvErr(C.hv_vcpu_get_reg(vcpu.handle, C.HV_REG_PC, &pc)); err != nil {
		return Regs{}, err
	}
	if err := hvErr(C.hv_vcpu_get_reg(vcpu.handle, C.HV_REG_CPSR, &pstate)); err != nil {
		return Regs{}, err
	}
	regs.SP, regs.PC, regs.PSTATE = uint64(sp), uint64(pc), uint64(pstate)
	return regs, nil
}

func (b *HVFBackend) SetRegs(h VCPUHandle, regs Regs) error {
	vcpu := h.(*hvfVCPU)
	for i, reg := range armGPRegs {
		if err := hvErr(C.hv_vcpu_set_reg(vcpu.handle, reg, C.uint64_t(regs.X[i]))); err != nil {
			return err
		}
	}
	if err := hvErr(C.hv_vcpu_set_reg(vcpu.handle, C.HV_REG_SP, C.uint64_t(regs.SP))); err != nil {
		return err
	}
	if err := hvErr(C.hv_vcpu_set_reg(vcpu.handle, C.HV_REG_PC, C.uint64_t(regs.PC))); err != nil {
		return err
	}
	return hvErr(C.hv_vcpu_set_reg(vcpu.handle, C.HV_REG_CPSR, C.uint64_t(regs.PSTATE)))
}

// GetSregs/SetSregs cover the ARM64 system registers this backend
// actually drives (SCTLR/TTBR0/TTBR1/TCR/MAIR); the x86 fields of
// Sregs are left zeroed, per backend.go's contract.
func (b *HVFBackend) GetSregs(h VCPUHandle) (Sregs, error) {
	vcpu := h.(*hvfVCPU)
	var s Sregs
	get := func(reg C.hv_sys_reg_t, dst *uint64) error {
		var v C.uint64_t
		if err := hvErr(C.hv_vcpu_get_sys_reg(vcpu.handle, reg, &v)); err != nil {
			return err
		}
		*dst = uint64(v)
		return nil
	}
	if err := get(C.HV_SYS_REG_SCTLR_EL1, &s.SCTLR); err != nil {
		return Sregs{}, err
	}
	if err := get(C.HV_SYS_REG_TTBR0_EL1, &s.TTBR0); err != nil {
		return Sregs{}, err
	}
	if err := get(C.HV_SYS_REG_TTBR1_EL1, &s.TTBR1); err != nil {
		return Sregs{}, err
	}
	if err := get(C.HV_SYS_REG_TCR_EL1, &s.TCR); err != nil {
		return Sregs{}, err
	}
	if err := get(C.HV_SYS_REG_MAIR_EL1, &s.MAIR); err != nil {
		return Sregs{}, err
	}
	return s, nil
}

func (b *HVFBackend) SetSregs(h VCPUHandle, sregs Sregs) error {
	vcpu := h.(*hvfVCPU)
	set := func(reg C.hv_sys_reg_t, v uint64) error {
		return hvErr(C.hv_vcpu_set_sys_reg(vcpu.handle, reg, C.uint64_t(v)))
	}
	if err := set(C.HV_SYS_REG_SCTLR_EL1, sregs.SCTLR); err != nil {
		return err
	}
	if err := set(C.HV_SYS_REG_TTBR0_EL1, sregs.TTBR0); err != nil {
		return err
	}
	if err := set(C.HV_SYS_REG_TTBR1_EL1, sregs.TTBR1); err != nil {
		return err
	}
	if err := set(C.HV_SYS_REG_TCR_EL1, sregs.TCR); err != nil {
		return err
	}
	return set(C.HV_SYS_REG_MAIR_EL1, sregs.MAIR)
}

func (b *HVFBackend) RequestExit(h VCPUHandle) error {
	vcpu := h.(*hvfVCPU)
	handles := [1]C.hv_vcpu_t{vcpu.handle}
	return hvErr(C.hv_vcpus_exit(&handles[0], 1))
}

// IRQLine is a no-op: Hypervisor.framework has no line-based interrupt
// controller concept at this API surface. A virtual timer exit is
// delivered through GetExit's ExitVirtualTimer instead.
func (b *HVFBackend) IRQLine(VMHandle, uint32, bool) error {
	return nil
}

func (b *HVFBackend) ThreadBound() bool { return true }
func (b *HVFBackend) Arch() string      { return "arm64" }

func init() {
	hvfLog.Debug("darwin/arm64 hypervisor backend registered")
}
