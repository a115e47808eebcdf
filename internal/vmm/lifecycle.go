package vmm

import (
	"context"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coreward/vmm/internal/bootimage"
	"github.com/coreward/vmm/internal/device"
	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/legacyio"
	"github.com/coreward/vmm/internal/legacyio/net"
	"github.com/coreward/vmm/internal/memmap"
	"github.com/coreward/vmm/internal/vcpu"
)

var log = logrus.WithField("subsystem", "vmm")

const (
	virtioQueueCount = 1
	virtioQueueSize  = 256
)

// VM is the top-level aggregate of spec.md §3: a backend handle, a
// memory map, a device table, and a vCPU set, plus the configuration
// that built them. Created stopped; Start transitions it to running;
// Close stops the vCPUs and tears down devices, memory slots, and the
// backend in reverse order of allocation.
type VM struct {
	cfg     Config
	backend hypervisor.Backend
	handle  hypervisor.VMHandle
	mem     *memmap.Map
	devices *device.Table
	pioBus  *legacyio.Bus
	vcpus   []*vcpu.VCPU

	tap *network.TapDevice

	running atomic.Bool
	group   *errgroup.Group
}

// New builds a VM from cfg: selects the host backend, allocates guest
// RAM, wires the legacy serial port (amd64 only) and any requested MMIO devices,
// creates the vCPU set, and loads the boot image. The VM is stopped on
// return; call Start to begin guest execution.
func New(cfg Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := hypervisor.NewBackend()
	if err != nil {
		return nil, err
	}
	if err := backend.Init(); err != nil {
		return nil, errors.Wrap(err, "initialize hypervisor backend")
	}

	handle, err := backend.CreateVM()
	if err != nil {
		backend.Cleanup()
		return nil, errors.Wrap(err, "create VM")
	}

	vm := &VM{
		cfg:     cfg,
		backend: backend,
		handle:  handle,
		mem:     memmap.New(backend, handle),
		devices: device.NewTable(),
		pioBus:  legacyio.NewBus(),
	}

	if err := vm.build(); err != nil {
		vm.Close()
		return nil, err
	}
	return vm, nil
}

func (vm *VM) build() error {
	if _, err := vm.mem.AddRegion(0, vm.cfg.MemoryBytes); err != nil {
		return errors.Wrap(err, "allocate guest RAM")
	}

	if vm.backend.Arch() == "amd64" {
		vm.wireSerialPort()
	}
	if err := vm.wireMMIODevices(); err != nil {
		return err
	}

	entry, initialSregs, hasSregs, err := vm.loadBootImage()
	if err != nil {
		return err
	}

	for i := 0; i < vm.cfg.NumCPUs; i++ {
		v := vcpu.New(vm.backend, vm.handle, i, vm.devices, vm.ioHandler)
		regs := vm.initialRegs(entry, i)
		v.SetInitialState(regs, initialSregs, hasSregs && i == 0)
		vm.vcpus = append(vm.vcpus, v)
	}
	return nil
}

// ioHandler adapts the legacy port-I/O bus to vcpu.IOHandler; on
// arm64 (no legacy serial port wired) it always reports unhandled.
func (vm *VM) ioHandler(exit hypervisor.IOExit) bool {
	if vm.pioBus == nil {
		return false
	}
	return vm.pioBus.Dispatch(exit)
}

func (vm *VM) signaler() device.IRQSignaler {
	return func(irq uint32, level bool) error {
		return vm.backend.IRQLine(vm.handle, irq, level)
	}
}

// initialRegs returns the register bundle a freshly realized vCPU
// starts with. Only vCPU 0 gets the boot entry point; secondary vCPUs
// start parked and are woken by a guest-side SMP bring-up sequence
// outside this core's scope.
func (vm *VM) initialRegs(entry hypervisor.Regs, index int) hypervisor.Regs {
	if index == 0 {
		return entry
	}
	return hypervisor.Regs{}
}

func (vm *VM) loadBootImage() (hypervisor.Regs, hypervisor.Sregs, bool, error) {
	switch {
	case vm.cfg.KernelPath != "":
		return vm.loadLinuxKernel()
	case vm.cfg.BinaryPath != "":
		return vm.loadRawBinary()
	default:
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, errors.New("no boot image configured")
	}
}

func (vm *VM) loadLinuxKernel() (hypervisor.Regs, hypervisor.Sregs, bool, error) {
	image, err := os.ReadFile(vm.cfg.KernelPath)
	if err != nil {
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, errors.Wrap(err, "read kernel image")
	}

	const cmdlineGPA = 0x20000
	const zeroPageGPA = 0x10000
	bootCfg := bootimage.LinuxBootConfig{
		Cmdline:     vm.cfg.Cmdline,
		CmdlineGPA:  cmdlineGPA,
		ZeroPageGPA: zeroPageGPA,
		E820:        bootimage.DefaultE820Map(vm.cfg.MemoryBytes),
	}

	if vm.cfg.InitrdPath != "" {
		initrd, err := os.ReadFile(vm.cfg.InitrdPath)
		if err != nil {
			return hypervisor.Regs{}, hypervisor.Sregs{}, false, errors.Wrap(err, "read initrd")
		}
		const initrdGPA = 0x06000000
		if err := vm.mem.Write(initrdGPA, initrd); err != nil {
			return hypervisor.Regs{}, hypervisor.Sregs{}, false, errors.Wrap(err, "load initrd")
		}
		bootCfg.InitrdGPA = initrdGPA
		bootCfg.InitrdSize = uint32(len(initrd))
	}

	plan, err := bootimage.LoadLinuxKernel(vm.mem, image, bootCfg)
	if err != nil {
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, err
	}

	regs := hypervisor.Regs{RIP: plan.EntryPoint, RSI: plan.ZeroPageGPA, RFLAGS: 0x2}
	sregs, err := vm.flatProtectedModeSregs()
	if err != nil {
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, err
	}
	return regs, sregs, true, nil
}

func (vm *VM) loadRawBinary() (hypervisor.Regs, hypervisor.Sregs, bool, error) {
	image, err := os.ReadFile(vm.cfg.BinaryPath)
	if err != nil {
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, errors.Wrap(err, "read binary image")
	}
	if err := bootimage.LoadRaw(vm.mem, image, vm.cfg.EntryPoint); err != nil {
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, err
	}

	if vm.backend.Arch() != "amd64" {
		return hypervisor.Regs{PC: vm.cfg.EntryPoint}, hypervisor.Sregs{}, false, nil
	}

	sregs, err := vm.flatProtectedModeSregs()
	if err != nil {
		return hypervisor.Regs{}, hypervisor.Sregs{}, false, err
	}
	return hypervisor.Regs{RIP: vm.cfg.EntryPoint, RFLAGS: 0x2}, sregs, true, nil
}

// flatProtectedModeSregs builds the GDT and identity-mapped page
// directory a raw x86 boot image needs (mirroring the teacher's
// boot_pm fixture) and returns the system register state selecting
// them: flat 4GB code/data segments, paging enabled through a single
// identity-mapped 4MB page.
func (vm *VM) flatProtectedModeSregs() (hypervisor.Sregs, error) {
	const gdtGPA = 0x500
	const pageDirGPA = 0x1000

	gdtLen, err := bootimage.WriteGDT(vm.mem, gdtGPA, bootimage.FlatGDT32())
	if err != nil {
		return hypervisor.Sregs{}, err
	}
	if err := bootimage.WritePageDirectory(vm.mem, pageDirGPA, bootimage.IdentityPageDirectory()); err != nil {
		return hypervisor.Sregs{}, err
	}

	codeSeg := hypervisor.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0x08, Type: 0xB, Present: 1, DPL: 0, S: 1, DB: 1, G: 1}
	dataSeg := hypervisor.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0x10, Type: 0x3, Present: 1, DPL: 0, S: 1, DB: 1, G: 1}

	return hypervisor.Sregs{
		CS:  codeSeg,
		DS:  dataSeg,
		ES:  dataSeg,
		FS:  dataSeg,
		GS:  dataSeg,
		SS:  dataSeg,
		GDT: hypervisor.Table{Base: gdtGPA, Limit: uint16(gdtLen - 1)},
		CR0: 0x80000011, // PG | PE | ET
		CR3: pageDirGPA,
		CR4: 0x10, // PSE, so the directory's 4MB page-size bit is honoured
	}, nil
}

// Start spawns one goroutine per vCPU (one host thread's worth of
// guest execution each) and returns immediately; call Wait to block
// until every vCPU has stopped. Cancelling ctx while the VM is running
// calls Stop.
func (vm *VM) Start(ctx context.Context) {
	vm.running.Store(true)
	group, _ := errgroup.WithContext(ctx)
	vm.group = group

	go func() {
		<-ctx.Done()
		if vm.running.Load() {
			if err := vm.Stop(); err != nil {
				log.WithError(err).Warn("stop vCPUs on context cancellation")
			}
		}
	}()

	for _, v := range vm.vcpus {
		v := v
		group.Go(func() error {
			if vm.backend.ThreadBound() {
				return vm.runThreadBound(v)
			}
			if err := v.Realize(); err != nil {
				return errors.Wrapf(err, "realize vcpu %d", v.Index)
			}
			return v.Run()
		})
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("systemd readiness notification not sent")
	}
}

// runThreadBound pins the goroutine's OS thread for the lifetime of
// the vCPU, satisfying backends (Apple's Hypervisor.framework) that
// require CreateVCPU and the initial SetRegs to happen on the same
// thread that later calls Run.
func (vm *VM) runThreadBound(v *vcpu.VCPU) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := v.Realize(); err != nil {
		return errors.Wrapf(err, "realize vcpu %d", v.Index)
	}
	return v.Run()
}

// Wait blocks until every vCPU goroutine has returned and reports the
// first vCPU error, if any, wrapped in a go-multierror. errgroup keeps
// only that first error; later vCPU failures are not reported.
func (vm *VM) Wait() error {
	if vm.group == nil {
		return nil
	}
	var result *multierror.Error
	if err := vm.group.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	vm.running.Store(false)
	return result.ErrorOrNil()
}

// Stop requests every vCPU leave guest mode cooperatively: sets its
// stop flag and, for a backend whose Run would otherwise block
// indefinitely, issues an asynchronous exit request.
func (vm *VM) Stop() error {
	var result *multierror.Error
	for _, v := range vm.vcpus {
		if err := v.RequestStop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close stops and joins the vCPUs if they are running, then tears down
// devices, memory slots, and the backend VM in reverse order of
// allocation. It does not call the backend's DestroyVCPU for any
// vCPU. Safe to call after a failed New.
func (vm *VM) Close() error {
	var result *multierror.Error

	if vm.running.Load() {
		if err := vm.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := vm.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := vm.devices.Destroy(); err != nil {
		result = multierror.Append(result, err)
	}
	if vm.tap != nil {
		if err := vm.tap.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if vm.mem != nil {
		if err := vm.mem.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if vm.handle != nil {
		if err := vm.backend.DestroyVM(vm.handle); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := vm.backend.Cleanup(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Counters returns a snapshot of every vCPU's exit counters, used by
// the CLI to print a guest-fault summary on a fatal error.
func (vm *VM) Counters() []*vcpu.Counters {
	out := make([]*vcpu.Counters, len(vm.vcpus))
	for i, v := range vm.vcpus {
		out[i] = v.Counters
	}
	return out
}
