// Package virtio implements the virtio-MMIO transport: the fixed
// register layout, virtqueue descriptor/avail/used ring processing,
// and the console/block/net device classes built on top of it.
package virtio

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/coreward/vmm/internal/device"
	"github.com/coreward/vmm/internal/memmap"
)

var log = logrus.WithField("subsystem", "virtio")

// Device class IDs (offset 0x08).
const (
	ClassNet     = 1
	ClassBlock   = 2
	ClassConsole = 3
	ClassRNG     = 4
)

const (
	magicValue  = 0x74726976 // ASCII "virt" little-endian
	legacyVersion = 1
)

// Register offsets, in bytes.
const (
	regMagic          = 0x00
	regVersion        = 0x04
	regDeviceID       = 0x08
	regVendorID       = 0x0c
	regDeviceFeatures = 0x10
	regDeviceFeatSel  = 0x14
	regDriverFeatures = 0x18
	regDriverFeatSel  = 0x1c
	regQueueSizeMax   = 0x20 // also guest page size (write, legacy)
	regQueueSel       = 0x24 // also current queue size
	regQueueSize      = 0x28
	regQueueReady     = 0x30
	regQueueNotify    = 0x34
	regInterruptState = 0x38 // read status / write ack
	regStatus         = 0x40
	regConfigBase     = 0x100
)

// Status bits (offset 0x40).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusFailed      = 1 << 7
)

// FeatureVersion1 is the minimum feature bit a virtio-MMIO device must
// advertise under this transport.
const FeatureVersion1 = 1 << 32

const maxQueueSize = 256
const mmioRangeSize = 0x1000

// QueueHandler drains available descriptors from q after a notify on
// its index, placing responses in the used ring. console/block/net
// supply distinct handlers; the transport only calls into whichever
// one is registered.
type QueueHandler func(q *Queue)

// Device is a virtio-MMIO transport instance bound to one device
// class. It registers itself as an device.Entry whose MMIO range
// covers the legacy register layout plus class-specific configuration
// space.
type Device struct {
	mem   *memmap.Map
	class uint32

	deviceFeatures uint64
	driverFeatures uint64
	featSel        uint32
	driverFeatSel  uint32

	status uint32

	queues      []*Queue
	queueSel    uint32
	interrupt   uint32
	irq         *device.IRQLine
	handler     QueueHandler
	config      []byte // class-specific configuration space, offset 0x100+
}

// NewDevice constructs a transport for the given class with
// queueCount virtqueues, each queueSize entries. handler is invoked on
// a notify once DRIVER_OK is set.
func NewDevice(mem *memmap.Map, class uint32, queueCount int, queueSize uint16, handler QueueHandler, config []byte) *Device {
	d := &Device{
		mem:            mem,
		class:          class,
		deviceFeatures: FeatureVersion1,
		handler:        handler,
		config:         config,
	}
	for i := 0; i < queueCount; i++ {
		d.queues = append(d.queues, newQueue(mem, queueSize))
	}
	return d
}

// Entry builds the device.Entry to register this transport at start,
// the inclusive GPA range [start, start+mmioRangeSize-1].
func (d *Device) Entry(name string, start uint64) *device.Entry {
	return &device.Entry{
		Name:  name,
		Start: start,
		End:   start + mmioRangeSize - 1,
		Read:  d.read,
		Write: d.write,
	}
}

// BindIRQ attaches the IRQ line the device table allocated for this
// transport; interrupt assertion after a used-ring publish goes
// through it.
func (d *Device) BindIRQ(irq *device.IRQLine) { d.irq = irq }

func (d *Device) read(offset uint64, width uint8) uint64 {
	if offset >= regConfigBase {
		return d.readConfig(offset-regConfigBase, width)
	}
	switch offset {
	case regMagic:
		return magicValue
	case regVersion:
		return legacyVersion
	case regDeviceID:
		return uint64(d.class)
	case regVendorID:
		return 0
	case regDeviceFeatures:
		if d.featSel == 1 {
			return d.deviceFeatures >> 32
		}
		return d.deviceFeatures & 0xffffffff
	case regQueueSizeMax:
		return maxQueueSize
	case regQueueSel:
		if int(d.queueSel) < len(d.queues) {
			return uint64(d.queues[d.queueSel].size)
		}
		return 0
	case regQueueReady:
		if int(d.queueSel) < len(d.queues) && d.queues[d.queueSel].ready {
			return 1
		}
		return 0
	case regInterruptState:
		return uint64(d.interrupt)
	case regStatus:
		return uint64(d.status)
	default:
		return 0
	}
}

func (d *Device) write(offset uint64, width uint8, value uint64) {
	if offset >= regConfigBase {
		d.writeConfig(offset-regConfigBase, width, value)
		return
	}
	switch offset {
	case regDeviceFeatSel:
		d.featSel = uint32(value)
	case regDriverFeatures:
		if d.driverFeatSel == 1 {
			d.driverFeatures = (d.driverFeatures & 0xffffffff) | (value << 32)
		} else {
			d.driverFeatures = (d.driverFeatures &^ 0xffffffff) | value
		}
	case regDriverFeatSel:
		d.driverFeatSel = uint32(value)
	case regQueueSizeMax:
		// legacy guest-page-size write; the GPA-pointer layout this
		// transport uses doesn't depend on guest page size, so this is
		// accepted and ignored.
	case regQueueSel:
		d.queueSel = uint32(value)
	case regQueueSize:
		if int(d.queueSel) < len(d.queues) {
			d.queues[d.queueSel].setSize(uint16(value))
		}
	case regQueueReady:
		if int(d.queueSel) < len(d.queues) {
			d.queues[d.queueSel].ready = value != 0
		}
	case regQueueNotify:
		d.notify(uint32(value))
	case regInterruptState:
		d.interrupt &^= uint32(value)
		if d.irq != nil {
			_ = d.irq.Deassert()
		}
	case regStatus:
		d.status = uint32(value)
	}
}

func (d *Device) readConfig(offset uint64, width uint8) uint64 {
	if int(offset)+int(width) > len(d.config) {
		return 0
	}
	buf := make([]byte, 8)
	copy(buf, d.config[offset:offset+uint64(width)])
	return binary.LittleEndian.Uint64(buf)
}

func (d *Device) writeConfig(offset uint64, width uint8, value uint64) {
	if int(offset)+int(width) > len(d.config) {
		return
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	copy(d.config[offset:offset+uint64(width)], buf[:width])
}

// notify dispatches a queue-notify write to the device-class handler,
// gated by DRIVER_OK: notifications before the driver has set it must
// not invoke the handler.
func (d *Device) notify(queueIndex uint32) {
	if d.status&StatusDriverOK == 0 {
		return
	}
	if int(queueIndex) >= len(d.queues) {
		return
	}
	q := d.queues[queueIndex]
	if !q.ready {
		return
	}
	if d.handler != nil {
		d.handler(q)
	}
	if q.usedAdvanced {
		q.usedAdvanced = false
		d.interrupt |= 1
		if d.irq != nil {
			if err := d.irq.Assert(); err != nil {
				log.WithError(err).Warn("failed to assert virtio irq")
			}
		}
	}
}

// SetQueueAddrs is a test/bring-up helper that installs the three GPA
// base pointers for queueIndex directly, bypassing the legacy
// QueueAddress-register handshake (this transport models the
// modern/ready-flag handshake of §4.4, not the legacy single-pointer
// QueueAddress register).
func (d *Device) SetQueueAddrs(queueIndex int, descBase, availBase, usedBase uint64) {
	d.queues[queueIndex].descBase = descBase
	d.queues[queueIndex].availBase = availBase
	d.queues[queueIndex].usedBase = usedBase
}
