package vmm

import (
	"os"

	"github.com/pkg/errors"

	"github.com/coreward/vmm/internal/device"
	"github.com/coreward/vmm/internal/legacyio"
	"github.com/coreward/vmm/internal/legacyio/net"
	"github.com/coreward/vmm/internal/virtio"
)

// wireSerialPort constructs the legacy serial TX port spec.md §4.5
// asks for and registers it on the port-I/O bus.
func (vm *VM) wireSerialPort() {
	serial := legacyio.NewSerialPort(os.Stdout)
	vm.pioBus.RegisterDevice(legacyio.COM1PortBase, legacyio.COM1PortEnd, serial)
}

// wireMMIODevices constructs the bare MMIO console, and, if
// configured, a block or network virtio device, registering each at
// its fixed GPA window. Each virtio device is bound to the IRQ the
// device table allocates for it; the console gets no IRQ.
func (vm *VM) wireMMIODevices() error {
	if vm.cfg.Console {
		console := device.NewConsole(os.Stdout)
		entry := console.Entry("console", gpaConsoleMMIO)
		if err := vm.devices.Register(entry, false, vm.signaler()); err != nil {
			return errors.Wrap(err, "register console")
		}
	}

	if vm.cfg.DiskPath != "" {
		backing, err := os.OpenFile(vm.cfg.DiskPath, os.O_RDWR, 0)
		if err != nil {
			return errors.Wrap(err, "open disk backing file")
		}
		block := virtio.NewDevice(vm.mem, virtio.ClassBlock, virtioQueueCount, virtioQueueSize, virtio.NewBlockHandler(backing), nil)
		if err := vm.registerVirtio("virtio-block", gpaVirtioBlock, block); err != nil {
			return err
		}
	}

	if vm.cfg.NetTap != "" {
		tap, err := network.NewTapDevice(vm.cfg.NetTap)
		if err != nil {
			return errors.Wrap(err, "open network TAP device")
		}
		vm.tap = tap
		netDev := virtio.NewDevice(vm.mem, virtio.ClassNet, virtioQueueCount, virtioQueueSize, virtio.NewNetHandler(tap), nil)
		if err := vm.registerVirtio("virtio-net", gpaVirtioNetwork, netDev); err != nil {
			return err
		}
	}

	return nil
}

func (vm *VM) registerVirtio(name string, gpa uint64, d *virtio.Device) error {
	entry := d.Entry(name, gpa)
	if err := vm.devices.Register(entry, true, vm.signaler()); err != nil {
		return errors.Wrapf(err, "register %s", name)
	}
	d.BindIRQ(entry.IRQ)
	return nil
}
