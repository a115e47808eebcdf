package vcpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreward/vmm/internal/device"
	"github.com/coreward/vmm/internal/hypervisor"
)

type fakeVM struct{}

func (*fakeVM) isVMHandle() {}

type fakeVCPU struct{}

func (*fakeVCPU) isVCPUHandle() {}

// scriptedBackend replays a fixed sequence of exits, then reports
// ExitHalt forever so a test loop terminates deterministically.
type scriptedBackend struct {
	exits      []hypervisor.Exit
	pos        int
	regs       hypervisor.Regs
	exitCalled chan struct{}
	requested  bool
}

func newScriptedBackend(exits []hypervisor.Exit) *scriptedBackend {
	return &scriptedBackend{exits: exits}
}

func (b *scriptedBackend) Init() error    { return nil }
func (b *scriptedBackend) Cleanup() error { return nil }
func (b *scriptedBackend) CreateVM() (hypervisor.VMHandle, error) { return &fakeVM{}, nil }
func (b *scriptedBackend) DestroyVM(hypervisor.VMHandle) error    { return nil }
func (b *scriptedBackend) CreateVCPU(hypervisor.VMHandle, int) (hypervisor.VCPUHandle, error) {
	return &fakeVCPU{}, nil
}
func (b *scriptedBackend) DestroyVCPU(hypervisor.VCPUHandle) error             { return nil }
func (b *scriptedBackend) MapMemory(hypervisor.VMHandle, hypervisor.Slot) error { return nil }
func (b *scriptedBackend) UnmapMemory(hypervisor.VMHandle, uint32) error        { return nil }

func (b *scriptedBackend) Run(hypervisor.VCPUHandle) (hypervisor.RunResult, error) {
	if b.requested {
		return hypervisor.RunResult{}, nil
	}
	return hypervisor.RunResult{}, nil
}

func (b *scriptedBackend) GetExit(hypervisor.VCPUHandle) (hypervisor.Exit, error) {
	if b.pos >= len(b.exits) {
		return hypervisor.Exit{Kind: hypervisor.ExitHalt}, nil
	}
	e := b.exits[b.pos]
	b.pos++
	return e, nil
}

func (b *scriptedBackend) GetRegs(hypervisor.VCPUHandle) (hypervisor.Regs, error) { return b.regs, nil }
func (b *scriptedBackend) SetRegs(hypervisor.VCPUHandle, hypervisor.Regs) error   { return nil }
func (b *scriptedBackend) GetSregs(hypervisor.VCPUHandle) (hypervisor.Sregs, error) {
	return hypervisor.Sregs{}, nil
}
func (b *scriptedBackend) SetSregs(hypervisor.VCPUHandle, hypervisor.Sregs) error { return nil }
func (b *scriptedBackend) RequestExit(hypervisor.VCPUHandle) error {
	b.requested = true
	return nil
}
func (b *scriptedBackend) IRQLine(hypervisor.VMHandle, uint32, bool) error { return nil }
func (b *scriptedBackend) ThreadBound() bool                              { return false }
func (b *scriptedBackend) Arch() string                                   { return "amd64" }

func newTestVCPU(t *testing.T, backend hypervisor.Backend, devices *device.Table) *VCPU {
	t.Helper()
	v := New(backend, &fakeVM{}, 0, devices, nil)
	require.NoError(t, v.Realize())
	return v
}

func TestExitCountingMatchesTotal(t *testing.T) {
	backend := newScriptedBackend([]hypervisor.Exit{
		{Kind: hypervisor.ExitIO},
		{Kind: hypervisor.ExitMMIO, MMIO: hypervisor.MMIOExit{PhysAddr: 0x1000, Width: 4}},
		{Kind: hypervisor.ExitExternal},
		{Kind: hypervisor.ExitHalt},
	})
	v := newTestVCPU(t, backend, nil)

	require.NoError(t, v.Run())

	var sum uint64
	for _, n := range v.Counters.ByKind {
		sum += n
	}
	assert.Equal(t, v.Counters.TotalExits, sum)
	assert.EqualValues(t, 1, v.Counters.ByKind[hypervisor.ExitIO])
	assert.EqualValues(t, 1, v.Counters.ByKind[hypervisor.ExitMMIO])
	assert.EqualValues(t, 1, v.Counters.ByKind[hypervisor.ExitExternal])
	assert.EqualValues(t, 1, v.Counters.ByKind[hypervisor.ExitHalt])
	assert.Equal(t, StateStopped, v.State())
}

func TestHaltStopsLoop(t *testing.T) {
	backend := newScriptedBackend([]hypervisor.Exit{{Kind: hypervisor.ExitHalt}})
	v := newTestVCPU(t, backend, nil)
	require.NoError(t, v.Run())
	assert.Equal(t, StateStopped, v.State())
}

func TestShutdownStopsLoop(t *testing.T) {
	backend := newScriptedBackend([]hypervisor.Exit{{Kind: hypervisor.ExitShutdown}})
	v := newTestVCPU(t, backend, nil)
	require.NoError(t, v.Run())
	assert.Equal(t, StateStopped, v.State())
}

func TestFailEntryIsFatal(t *testing.T) {
	backend := newScriptedBackend([]hypervisor.Exit{{Kind: hypervisor.ExitFailEntry}})
	v := newTestVCPU(t, backend, nil)
	err := v.Run()
	require.Error(t, err)
	assert.Equal(t, hypervisor.KindGuestFault, hypervisor.KindOf(err))
	assert.Equal(t, StateError, v.State())
}

func TestUnrecoverableExceptionIsFatal(t *testing.T) {
	backend := newScriptedBackend([]hypervisor.Exit{
		{Kind: hypervisor.ExitException, Exception: hypervisor.ExceptionExit{Fatal: true}},
	})
	v := newTestVCPU(t, backend, nil)
	err := v.Run()
	require.Error(t, err)
	assert.Equal(t, StateError, v.State())
}

func TestRecoverableExceptionContinues(t *testing.T) {
	backend := newScriptedBackend([]hypervisor.Exit{
		{Kind: hypervisor.ExitException, Exception: hypervisor.ExceptionExit{Fatal: false}},
		{Kind: hypervisor.ExitHalt},
	})
	v := newTestVCPU(t, backend, nil)
	require.NoError(t, v.Run())
	assert.EqualValues(t, 1, v.Counters.ByKind[hypervisor.ExitException])
}

func TestMMIODispatchesToDeviceTable(t *testing.T) {
	var gotOffset uint64
	var gotWidth uint8
	table := device.NewTable()
	require.NoError(t, table.Register(&device.Entry{
		Name:  "probe",
		Start: 0x1000,
		End:   0x1fff,
		Read: func(offset uint64, width uint8) uint64 {
			gotOffset, gotWidth = offset, width
			return 0x42
		},
		Write: func(uint64, uint8, uint64) {},
	}, false, nil))

	backend := newScriptedBackend([]hypervisor.Exit{
		{Kind: hypervisor.ExitMMIO, MMIO: hypervisor.MMIOExit{PhysAddr: 0x1004, Width: 4, Direction: hypervisor.DirectionRead}},
		{Kind: hypervisor.ExitHalt},
	})
	v := newTestVCPU(t, backend, table)
	require.NoError(t, v.Run())

	assert.EqualValues(t, 4, gotOffset)
	assert.EqualValues(t, 4, gotWidth)
}

func TestRequestStopBeforeRunning(t *testing.T) {
	backend := newScriptedBackend(nil)
	v := newTestVCPU(t, backend, nil)
	require.NoError(t, v.RequestStop())
	require.NoError(t, v.Run())
	assert.Equal(t, StateStopped, v.State())
}

func TestNoProgressSafetyBound(t *testing.T) {
	exits := make([]hypervisor.Exit, 0, noProgressLimit+1)
	for i := 0; i < noProgressLimit+1; i++ {
		exits = append(exits, hypervisor.Exit{
			Kind: hypervisor.ExitMMIO,
			MMIO: hypervisor.MMIOExit{PhysAddr: 0x5000, Width: 4},
		})
	}
	backend := newScriptedBackend(exits)
	v := newTestVCPU(t, backend, device.NewTable())
	err := v.Run()
	require.Error(t, err)
	assert.Equal(t, hypervisor.KindGuestFault, hypervisor.KindOf(err))
	assert.Equal(t, StateError, v.State())
}
