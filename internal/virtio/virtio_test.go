package virtio

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/memmap"
)

type fakeVM struct{}

func (*fakeVM) isVMHandle() {}

type passthroughBackend struct{}

func (passthroughBackend) Init() error    { return nil }
func (passthroughBackend) Cleanup() error { return nil }
func (passthroughBackend) CreateVM() (hypervisor.VMHandle, error) { return &fakeVM{}, nil }
func (passthroughBackend) DestroyVM(hypervisor.VMHandle) error    { return nil }
func (passthroughBackend) CreateVCPU(hypervisor.VMHandle, int) (hypervisor.VCPUHandle, error) {
	return nil, nil
}
func (passthroughBackend) DestroyVCPU(hypervisor.VCPUHandle) error          { return nil }
func (passthroughBackend) MapMemory(hypervisor.VMHandle, hypervisor.Slot) error { return nil }
func (passthroughBackend) UnmapMemory(hypervisor.VMHandle, uint32) error       { return nil }
func (passthroughBackend) Run(hypervisor.VCPUHandle) (hypervisor.RunResult, error) {
	return hypervisor.RunResult{}, nil
}
func (passthroughBackend) GetExit(hypervisor.VCPUHandle) (hypervisor.Exit, error) {
	return hypervisor.Exit{}, nil
}
func (passthroughBackend) GetRegs(hypervisor.VCPUHandle) (hypervisor.Regs, error) {
	return hypervisor.Regs{}, nil
}
func (passthroughBackend) SetRegs(hypervisor.VCPUHandle, hypervisor.Regs) error { return nil }
func (passthroughBackend) GetSregs(hypervisor.VCPUHandle) (hypervisor.Sregs, error) {
	return hypervisor.Sregs{}, nil
}
func (passthroughBackend) SetSregs(hypervisor.VCPUHandle, hypervisor.Sregs) error { return nil }
func (passthroughBackend) RequestExit(hypervisor.VCPUHandle) error               { return nil }
func (passthroughBackend) IRQLine(hypervisor.VMHandle, uint32, bool) error       { return nil }
func (passthroughBackend) ThreadBound() bool                                    { return false }
func (passthroughBackend) Arch() string                                        { return "amd64" }

func newTestMap(t *testing.T) *memmap.Map {
	t.Helper()
	m := memmap.New(passthroughBackend{}, &fakeVM{})
	_, err := m.AddRegion(0, 1<<20)
	require.NoError(t, err)
	return m
}

func writeDescriptor(t *testing.T, m *memmap.Map, descBase uint64, index uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	buf := make([]byte, descriptorSize)
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	require.NoError(t, m.Write(descBase+uint64(index)*descriptorSize, buf))
}

func setAvailIndex(t *testing.T, m *memmap.Map, availBase uint64, idx uint16) {
	t.Helper()
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, idx)
	require.NoError(t, m.Write(availBase+2, buf))
}

func setAvailRingEntry(t *testing.T, m *memmap.Map, availBase uint64, slot uint16, headID uint16) {
	t.Helper()
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, headID)
	require.NoError(t, m.Write(availBase+4+uint64(slot)*2, buf))
}

func TestMMIORegisterLayout(t *testing.T) {
	mem := newTestMap(t)
	var sink bytes.Buffer
	d := NewDevice(mem, ClassConsole, 1, 8, NewConsoleHandler(&sink), nil)

	assert.EqualValues(t, magicValue, d.read(regMagic, 4))
	assert.EqualValues(t, legacyVersion, d.read(regVersion, 4))
	assert.EqualValues(t, ClassConsole, d.read(regDeviceID, 4))
}

func TestDriverOKGate(t *testing.T) {
	mem := newTestMap(t)
	var sink bytes.Buffer
	handlerCalls := 0
	handler := func(q *Queue) {
		handlerCalls++
		NewConsoleHandler(&sink)(q)
	}
	d := NewDevice(mem, ClassConsole, 1, 8, handler, nil)
	d.SetQueueAddrs(0, 0x2000, 0x3000, 0x4000)
	d.write(regQueueReady, 4, 1)

	// Notify before DRIVER_OK: must not invoke the handler.
	d.write(regQueueNotify, 4, 0)
	assert.Equal(t, 0, handlerCalls)

	d.write(regStatus, 4, StatusAcknowledge|StatusDriver|StatusDriverOK)
	d.write(regQueueNotify, 4, 0)
	assert.Equal(t, 1, handlerCalls)
}

func TestVirtqueueDescriptorRoundTrip(t *testing.T) {
	mem := newTestMap(t)
	var sink bytes.Buffer
	d := NewDevice(mem, ClassConsole, 1, 8, NewConsoleHandler(&sink), nil)

	const descBase, availBase, usedBase = 0x2000, 0x3000, 0x4000
	d.SetQueueAddrs(0, descBase, availBase, usedBase)
	d.write(regQueueReady, 4, 1)
	d.write(regStatus, 4, StatusAcknowledge|StatusDriver|StatusDriverOK)

	payload := []byte("hello\n")
	require.NoError(t, mem.Write(0x10000, payload))
	writeDescriptor(t, mem, descBase, 0, 0x10000, uint32(len(payload)), 0, 0)
	setAvailRingEntry(t, mem, availBase, 0, 0)
	setAvailIndex(t, mem, availBase, 1)

	d.write(regQueueNotify, 4, 0)

	assert.Equal(t, "hello\n", sink.String())
	assert.EqualValues(t, 1, d.queues[0].UsedIndex())

	usedHeadBuf := make([]byte, 4)
	require.NoError(t, mem.Read(usedBase+4, usedHeadBuf))
	assert.EqualValues(t, 0, binary.LittleEndian.Uint32(usedHeadBuf))

	usedLenBuf := make([]byte, 4)
	require.NoError(t, mem.Read(usedBase+8, usedLenBuf))
	assert.EqualValues(t, len(payload), binary.LittleEndian.Uint32(usedLenBuf))
}

func TestBlockReadRequest(t *testing.T) {
	mem := newTestMap(t)
	backing, err := os.CreateTemp(t.TempDir(), "block-*.img")
	require.NoError(t, err)
	require.NoError(t, backing.Truncate(1<<20))

	d := NewDevice(mem, ClassBlock, 1, 8, NewBlockHandler(backing), nil)
	const descBase, availBase, usedBase = 0x2000, 0x3000, 0x4000
	d.SetQueueAddrs(0, descBase, availBase, usedBase)
	d.write(regQueueReady, 4, 1)
	d.write(regStatus, 4, StatusAcknowledge|StatusDriver|StatusDriverOK)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], blockReqIn)
	binary.LittleEndian.PutUint64(header[8:16], 0)
	require.NoError(t, mem.Write(0x10000, header))

	dataGPA := uint64(0x11000)
	statusGPA := uint64(0x12000)
	require.NoError(t, mem.Write(statusGPA, []byte{0xff}))

	writeDescriptor(t, mem, descBase, 0, 0x10000, 16, descFlagNext, 1)
	writeDescriptor(t, mem, descBase, 1, dataGPA, blockSectorSize, descFlagNext|descFlagWrite, 2)
	writeDescriptor(t, mem, descBase, 2, statusGPA, 1, descFlagWrite, 0)
	setAvailRingEntry(t, mem, availBase, 0, 0)
	setAvailIndex(t, mem, availBase, 1)

	d.write(regQueueNotify, 4, 0)

	data := make([]byte, blockSectorSize)
	require.NoError(t, mem.Read(dataGPA, data))
	assert.Equal(t, make([]byte, blockSectorSize), data)

	status := make([]byte, 1)
	require.NoError(t, mem.Read(statusGPA, status))
	assert.EqualValues(t, blockStatusOK, status[0])
}

func TestQueueMonotonicity(t *testing.T) {
	mem := newTestMap(t)
	q := newQueue(mem, 4)
	q.descBase, q.availBase, q.usedBase = 0x2000, 0x3000, 0x4000
	q.ready = true

	require.NoError(t, mem.Write(0x10000, []byte("x")))
	for i := uint16(0); i < 6; i++ {
		writeDescriptor(t, mem, q.descBase, i%4, 0x10000, 1, 0, 0)
		setAvailRingEntry(t, mem, q.availBase, i%4, i%4)
		setAvailIndex(t, mem, q.availBase, i+1)
		chain, ok := q.NextChain()
		require.True(t, ok)
		q.PublishUsed(chain.HeadID, 1)
	}
	assert.EqualValues(t, 6, q.LastAvailIndex())
	assert.EqualValues(t, 6, q.UsedIndex())
}
