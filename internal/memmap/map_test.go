package memmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreward/vmm/internal/hypervisor"
)

type fakeVM struct{}

func (*fakeVM) isVMHandle() {}

type fakeBackend struct {
	mapped   map[uint32]hypervisor.Slot
	unmapErr error
}

func newFakeBackend() *fakeBackend { return &fakeBackend{mapped: make(map[uint32]hypervisor.Slot)} }

func (f *fakeBackend) Init() error   { return nil }
func (f *fakeBackend) Cleanup() error { return nil }
func (f *fakeBackend) CreateVM() (hypervisor.VMHandle, error) { return &fakeVM{}, nil }
func (f *fakeBackend) DestroyVM(hypervisor.VMHandle) error    { return nil }
func (f *fakeBackend) CreateVCPU(hypervisor.VMHandle, int) (hypervisor.VCPUHandle, error) {
	return nil, nil
}
func (f *fakeBackend) DestroyVCPU(hypervisor.VCPUHandle) error { return nil }
func (f *fakeBackend) MapMemory(vm hypervisor.VMHandle, slot hypervisor.Slot) error {
	f.mapped[slot.Index] = slot
	return nil
}
func (f *fakeBackend) UnmapMemory(vm hypervisor.VMHandle, slotIndex uint32) error {
	delete(f.mapped, slotIndex)
	return f.unmapErr
}
func (f *fakeBackend) Run(hypervisor.VCPUHandle) (hypervisor.RunResult, error) {
	return hypervisor.RunResult{}, nil
}
func (f *fakeBackend) GetExit(hypervisor.VCPUHandle) (hypervisor.Exit, error) {
	return hypervisor.Exit{}, nil
}
func (f *fakeBackend) GetRegs(hypervisor.VCPUHandle) (hypervisor.Regs, error) {
	return hypervisor.Regs{}, nil
}
func (f *fakeBackend) SetRegs(hypervisor.VCPUHandle, hypervisor.Regs) error { return nil }
func (f *fakeBackend) GetSregs(hypervisor.VCPUHandle) (hypervisor.Sregs, error) {
	return hypervisor.Sregs{}, nil
}
func (f *fakeBackend) SetSregs(hypervisor.VCPUHandle, hypervisor.Sregs) error { return nil }
func (f *fakeBackend) RequestExit(hypervisor.VCPUHandle) error               { return nil }
func (f *fakeBackend) IRQLine(hypervisor.VMHandle, uint32, bool) error       { return nil }
func (f *fakeBackend) ThreadBound() bool                                    { return false }
func (f *fakeBackend) Arch() string                                        { return "amd64" }

func TestAddRegionTranslate(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, &fakeVM{})

	slot, err := m.AddRegion(0, 1<<20)
	require.NoError(t, err)
	assert.EqualValues(t, 0, slot.Index)

	hva, err := m.HVA(0x1000, 16)
	require.NoError(t, err)
	assert.Len(t, hva, 16)

	_, _, err = m.Translate(1<<20-2, 4)
	assert.Error(t, err, "access straddling the slot end must fail")
}

func TestAddRegionRejectsOverlap(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, &fakeVM{})

	_, err := m.AddRegion(0, 0x2000)
	require.NoError(t, err)

	_, err = m.AddRegion(0x1000, 0x1000)
	assert.Error(t, err)
}

func TestAddRegionAligns(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, &fakeVM{})

	slot, err := m.AddRegion(0x1001, 0x1000)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, slot.GPABase)
}

func TestReadWriteRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, &fakeVM{})
	_, err := m.AddRegion(0, 0x1000)
	require.NoError(t, err)

	require.NoError(t, m.Write(0x10, []byte("hello")))
	buf := make([]byte, 5)
	require.NoError(t, m.Read(0x10, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestDestroyUnmapsAllSlots(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, &fakeVM{})
	_, err := m.AddRegion(0, 0x1000)
	require.NoError(t, err)
	_, err = m.AddRegion(0x2000, 0x1000)
	require.NoError(t, err)

	require.NoError(t, m.Destroy())
	assert.Empty(t, backend.mapped)
	assert.Empty(t, m.Slots())
}

func TestMapFull(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, &fakeVM{})
	for i := 0; i < maxSlots; i++ {
		_, err := m.AddRegion(uint64(i)*0x1000, 0x1000)
		require.NoError(t, err)
	}
	_, err := m.AddRegion(uint64(maxSlots)*0x1000, 0x1000)
	assert.Error(t, err)
	assert.Equal(t, hypervisor.KindOutOfResources, hypervisor.KindOf(err))
}
