// Package legacyio implements the supplemented x86 legacy I/O path of
// spec.md §4.5: a port-I/O bus and the legacy serial TX port it
// routes to, bridged into the portable vCPU loop's ExitIO handling.
package legacyio

import (
	"github.com/sirupsen/logrus"

	"github.com/coreward/vmm/internal/hypervisor"
)

var log = logrus.WithField("subsystem", "legacyio")

// I/O direction, as the vCPU's ExitIO reports it.
const (
	IODirectionIn  uint8 = 0
	IODirectionOut uint8 = 1
)

// PioDevice is a port-I/O device: anything the bus can route an IN/OUT
// access to.
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// Bus routes port I/O access to registered devices across the full
// 16-bit port space.
type Bus struct {
	ports map[uint16]PioDevice
}

// NewBus creates an empty port-I/O bus.
func NewBus() *Bus {
	return &Bus{ports: make(map[uint16]PioDevice)}
}

// RegisterDevice binds device to every port in [startPort, endPort].
func (bus *Bus) RegisterDevice(startPort, endPort uint16, device PioDevice) {
	if device == nil {
		log.WithFields(logrus.Fields{"start": startPort, "end": endPort}).Warn("refusing to register nil device")
		return
	}
	for port := startPort; ; port++ {
		if existing, ok := bus.ports[port]; ok {
			log.WithFields(logrus.Fields{"port": port, "existing": existing, "new": device}).Warn("overwriting port registration")
		}
		bus.ports[port] = device
		if port == endPort || port == 0xFFFF {
			break
		}
	}
}

// HandleIO routes one port access to its registered device. An
// unregistered port is not fatal: it is logged and the access is
// discarded, mirroring the MMIO router's unmapped-address handling.
func (bus *Bus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	device, ok := bus.ports[port]
	if !ok {
		log.WithFields(logrus.Fields{"port": port, "direction": direction, "size": size}).Debug("unhandled port I/O")
		return nil
	}
	if err := device.HandleIO(port, direction, size, data); err != nil {
		return hypervisor.Wrap(hypervisor.KindGuestFault, err, "port I/O dispatch")
	}
	return nil
}

// Dispatch adapts Bus to vcpu.IOHandler: it applies exit.Data for an
// OUT and, for an IN, copies the device's response back into
// exit.Data so the caller can return it to the guest.
func (bus *Bus) Dispatch(exit hypervisor.IOExit) bool {
	device, ok := bus.ports[exit.Port]
	if !ok {
		log.WithField("port", exit.Port).Debug("unhandled port I/O")
		return false
	}
	data := exit.Data[:exit.Width]
	if err := device.HandleIO(exit.Port, uint8(exit.Direction), exit.Width, data); err != nil {
		log.WithFields(logrus.Fields{"port": exit.Port, "error": err}).Warn("port I/O handler error")
	}
	return true
}
