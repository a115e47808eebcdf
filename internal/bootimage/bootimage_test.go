package bootimage

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/memmap"
)

type fakeVM struct{}

func (*fakeVM) isVMHandle() {}

type fakeBackend struct {
	mapped map[uint32]hypervisor.Slot
}

func newFakeBackend() *fakeBackend { return &fakeBackend{mapped: make(map[uint32]hypervisor.Slot)} }

func (f *fakeBackend) Init() error    { return nil }
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
	return nil
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
func (f *fakeBackend) Arch() string                                         { return "amd64" }

func newTestMap(t *testing.T, size uint64) *memmap.Map {
	t.Helper()
	backend := newFakeBackend()
	m := memmap.New(backend, &fakeVM{})
	_, err := m.AddRegion(0, size)
	require.NoError(t, err)
	return m
}

// buildSyntheticBzImage produces the minimal bzImage byte layout
// ParseBzImage needs: a one-sector setup header followed by a payload,
// with XLF_KERNEL_64 set and the fields BuildZeroPage reads populated.
func buildSyntheticBzImage(payload []byte) []byte {
	const setupSects = 1
	payloadOffset := 512 * (1 + setupSects)
	image := make([]byte, payloadOffset+len(payload))

	image[setupHeaderOffset] = setupSects
	copy(image[headerMagicOffset:], []byte(headerMagic))
	image[headerLengthOffset] = byte((code32StartOffset + 4) - headerMagicOffset)
	binary.LittleEndian.PutUint16(image[xloadflagsOffset:], xlfKernel64)
	binary.LittleEndian.PutUint32(image[code32StartOffset:], 0) // overwritten by loader
	image[loadFlagsOffset] = loadHighFlag
	binary.LittleEndian.PutUint32(image[cmdlineSizeOffset:], 256)
	binary.LittleEndian.PutUint64(image[prefAddressOffset:], 0x100000)

	copy(image[payloadOffset:], payload)
	return image
}

func TestParseBzImageRejectsMissingMagic(t *testing.T) {
	image := make([]byte, 1024)
	_, err := ParseBzImage(image)
	assert.Error(t, err)
}

func TestParseBzImageRejectsMissing64BitFlag(t *testing.T) {
	image := buildSyntheticBzImage([]byte{0x90, 0x90})
	binary.LittleEndian.PutUint16(image[xloadflagsOffset:], 0)
	_, err := ParseBzImage(image)
	assert.Error(t, err)
	assert.Equal(t, hypervisor.KindInvalidArgument, hypervisor.KindOf(err))
}

func TestParseBzImageExtractsHeader(t *testing.T) {
	image := buildSyntheticBzImage([]byte{0x90, 0x90, 0x90})
	hdr, err := ParseBzImage(image)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hdr.SetupSectors)
	assert.Equal(t, uint64(0x100000), hdr.PrefAddress)
	assert.EqualValues(t, 3, len(hdr.Payload(image)))
}

func TestLoadLinuxKernelWritesPayloadAndZeroPage(t *testing.T) {
	payload := []byte{0xf4, 0x90, 0x90, 0x90} // hlt; nop; nop; nop
	image := buildSyntheticBzImage(payload)
	mem := newTestMap(t, 16<<20)

	cfg := LinuxBootConfig{
		Cmdline:     "console=ttyS0",
		CmdlineGPA:  0x20000,
		ZeroPageGPA: 0x10000,
		E820:        DefaultE820Map(16 << 20),
	}
	plan, err := LoadLinuxKernel(mem, image, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x100000+0x200), plan.EntryPoint)
	assert.Equal(t, uint64(0x10000), plan.ZeroPageGPA)

	loaded := make([]byte, len(payload))
	require.NoError(t, mem.Read(0x100000, loaded))
	assert.Equal(t, payload, loaded)

	zp := make([]byte, zeroPageSize)
	require.NoError(t, mem.Read(0x10000, zp))
	assert.Equal(t, uint16(0xaa55), binary.LittleEndian.Uint16(zp[bootFlagOffset:]))
	assert.Equal(t, "HdrS", string(zp[headerFieldOffset:headerFieldOffset+4]))
	assert.EqualValues(t, 1, zp[zeroPageE820Entries])

	cmdline := make([]byte, len("console=ttyS0")+1)
	require.NoError(t, mem.Read(0x20000, cmdline))
	assert.Equal(t, "console=ttyS0\x00", string(cmdline))
}

func TestLoadLinuxKernelRejectsEmptyE820(t *testing.T) {
	image := buildSyntheticBzImage([]byte{0x90})
	mem := newTestMap(t, 16<<20)
	_, err := LoadLinuxKernel(mem, image, LinuxBootConfig{CmdlineGPA: 0x20000, ZeroPageGPA: 0x10000})
	assert.Error(t, err)
}

func TestLoadRawCopiesImageVerbatim(t *testing.T) {
	mem := newTestMap(t, 1<<16)
	image := []byte{0xf4, 0x00, 0x01, 0x02}
	require.NoError(t, LoadRaw(mem, image, 0x7c00))

	got := make([]byte, len(image))
	require.NoError(t, mem.Read(0x7c00, got))
	assert.Equal(t, image, got)
}

func TestLoadRawRejectsEmptyImage(t *testing.T) {
	mem := newTestMap(t, 1<<16)
	assert.Error(t, LoadRaw(mem, nil, 0x7c00))
}

func TestWriteGDTAndPageDirectory(t *testing.T) {
	mem := newTestMap(t, 1<<20)

	n, err := WriteGDT(mem, 0x500, FlatGDT32())
	require.NoError(t, err)
	assert.EqualValues(t, 24, n)

	gdt := make([]byte, 24)
	require.NoError(t, mem.Read(0x500, gdt))
	// Null descriptor is all zero; the code segment descriptor's access
	// byte (offset 5 of the second 8-byte entry) is 0x9A.
	assert.Equal(t, byte(0x9A), gdt[8+5])

	require.NoError(t, WritePageDirectory(mem, 0x1000, IdentityPageDirectory()))
	pde := make([]byte, 4)
	require.NoError(t, mem.Read(0x1000, pde))
	entry := binary.LittleEndian.Uint32(pde)
	assert.NotZero(t, entry&pdePageSize)
}
