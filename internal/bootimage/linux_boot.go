package bootimage

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/coreward/vmm/internal/hypervisor"
	"github.com/coreward/vmm/internal/memmap"
)

var log = logrus.WithField("subsystem", "bootimage")

// The Linux/x86_64 boot protocol's setup header lives at a fixed
// offset within the bzImage, with its own internal field layout. The
// zero page (boot_params) a loader builds for the kernel embeds a copy
// of this same header alongside an e820 map, command line pointer, and
// ramdisk location. Offsets below are the protocol's, not ours.
const (
	zeroPageSize = 4096

	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201

	setupHeaderOffset = 497

	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	bootFlagOffset          = setupHeaderOffset + 13
	headerFieldOffset       = setupHeaderOffset + 17
	protocolVersionOffset   = setupHeaderOffset + 21
	typeOfLoaderOffset      = setupHeaderOffset + 31
	loadFlagsOffset         = setupHeaderOffset + 32
	code32StartOffset       = setupHeaderOffset + 35
	ramdiskImageOffset      = setupHeaderOffset + 39
	ramdiskSizeOffset       = setupHeaderOffset + 43
	heapEndPtrOffset        = setupHeaderOffset + 51
	cmdLinePtrOffset        = setupHeaderOffset + 55
	initrdAddrMaxOffset     = setupHeaderOffset + 59
	kernelAlignmentOffset   = setupHeaderOffset + 63
	relocatableKernelOffset = setupHeaderOffset + 67
	minAlignmentOffset      = setupHeaderOffset + 68
	xloadflagsOffset        = setupHeaderOffset + 69
	cmdlineSizeOffset       = setupHeaderOffset + 71
	prefAddressOffset       = setupHeaderOffset + 103
	initSizeOffset          = setupHeaderOffset + 111

	typeOfLoaderUnknown uint8 = 0xff
	canUseHeapFlag      uint8 = 1 << 7
	loadHighFlag        uint8 = 0x1
	xlfKernel64         uint16 = 0x1

	e820EntrySize  = 20
	e820MaxEntries = 128

	e820TypeRAM      uint32 = 1
	e820TypeReserved uint32 = 2
)

// SetupHeader is the subset of the bzImage setup_header this loader
// needs, parsed out of the kernel image's first 512-byte sectors.
type SetupHeader struct {
	ProtocolVersion   uint16
	SetupSectors      uint8
	LoadFlags         uint8
	Code32Start       uint32
	RamdiskImage      uint32
	RamdiskSize       uint32
	HeapEndPtr        uint16
	CmdLinePtr        uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32

	headerBytes   []byte
	payloadOffset int
}

// E820Entry is one row of the BIOS memory map the kernel reads out of
// the zero page to learn which guest physical ranges are usable RAM.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// ParseBzImage validates the HdrS signature and XLF_KERNEL_64 support,
// then extracts the setup header fields a zero page needs.
func ParseBzImage(image []byte) (SetupHeader, error) {
	var hdr SetupHeader
	if len(image) < headerMagicOffset+4 {
		return hdr, hypervisor.New(hypervisor.KindInvalidArgument, "kernel image smaller than the boot sector")
	}
	if string(image[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return hdr, hypervisor.New(hypervisor.KindInvalidArgument, "missing HdrS signature, not a Linux bzImage")
	}

	headerLength := int(image[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(image) || headerEnd <= setupHeaderOffset {
		return hdr, hypervisor.New(hypervisor.KindInvalidArgument, "setup header length is inconsistent with image size")
	}
	hdr.headerBytes = append([]byte(nil), image[setupHeaderOffset:headerEnd]...)

	hdr.SetupSectors = image[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(image[protocolVersionOffset:])
	hdr.LoadFlags = image[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(image[code32StartOffset:])
	hdr.RamdiskImage = binary.LittleEndian.Uint32(image[ramdiskImageOffset:])
	hdr.RamdiskSize = binary.LittleEndian.Uint32(image[ramdiskSizeOffset:])
	hdr.HeapEndPtr = binary.LittleEndian.Uint16(image[heapEndPtrOffset:])
	hdr.CmdLinePtr = binary.LittleEndian.Uint32(image[cmdLinePtrOffset:])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(image[initrdAddrMaxOffset:])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(image[kernelAlignmentOffset:])
	hdr.RelocatableKernel = image[relocatableKernelOffset]
	hdr.MinAlignment = image[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(image[xloadflagsOffset:])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(image[cmdlineSizeOffset:])
	hdr.PrefAddress = binary.LittleEndian.Uint64(image[prefAddressOffset:])
	hdr.InitSize = binary.LittleEndian.Uint32(image[initSizeOffset:])

	payloadOffset := 512 * (1 + int(hdr.SetupSectors))
	if payloadOffset > len(image) {
		return hdr, hypervisor.New(hypervisor.KindInvalidArgument, "payload offset exceeds image size")
	}
	hdr.payloadOffset = payloadOffset

	if hdr.XLoadFlags&xlfKernel64 == 0 {
		return hdr, hypervisor.New(hypervisor.KindInvalidArgument, "kernel does not advertise a 64-bit entry point (XLF_KERNEL_64)")
	}
	return hdr, nil
}

// Payload is the compressed protected-mode kernel body following the
// real-mode setup sectors; what actually gets copied into guest RAM.
func (h SetupHeader) Payload(image []byte) []byte {
	return image[h.payloadOffset:]
}

// DefaultLoadAddress mirrors the kernel's own preference order: an
// explicit pref_address, else 1MiB if the kernel asked to load high,
// else the conservative 64KiB real-mode-era address.
func (h SetupHeader) DefaultLoadAddress() uint64 {
	if h.PrefAddress != 0 {
		return h.PrefAddress
	}
	if h.LoadFlags&loadHighFlag != 0 {
		return 0x00100000
	}
	return 0x00010000
}

// EntryPoint is the 64-bit entry GPA once the payload is loaded at
// loadAddr: the protocol fixes it 0x200 bytes into the payload.
func (h SetupHeader) EntryPoint(loadAddr uint64) uint64 {
	return loadAddr + 0x200
}

// LinuxBootPlan is the outcome of loading a kernel: the register state
// the vCPU must start with to hand off to the 64-bit entry point.
type LinuxBootPlan struct {
	EntryPoint  uint64
	ZeroPageGPA uint64
}

// LinuxBootConfig carries the pieces of the boot that vary per
// invocation: the command line, an optional initrd already placed in
// guest memory, and the memory map to publish as e820 entries.
type LinuxBootConfig struct {
	Cmdline     string
	CmdlineGPA  uint64
	InitrdGPA   uint64
	InitrdSize  uint32
	ZeroPageGPA uint64
	E820        []E820Entry
}

// LoadLinuxKernel parses image as a bzImage, copies its payload into
// mem at the kernel's preferred load address, builds the zero page at
// cfg.ZeroPageGPA, and returns the register state needed to start
// execution at the kernel's 64-bit entry point.
func LoadLinuxKernel(mem *memmap.Map, image []byte, cfg LinuxBootConfig) (LinuxBootPlan, error) {
	hdr, err := ParseBzImage(image)
	if err != nil {
		return LinuxBootPlan{}, err
	}

	loadAddr := hdr.DefaultLoadAddress()
	payload := hdr.Payload(image)
	if err := mem.Write(loadAddr, payload); err != nil {
		return LinuxBootPlan{}, hypervisor.Wrap(hypervisor.KindInvalidArgument, err, "write kernel payload")
	}

	if err := placeCmdline(mem, cfg.CmdlineGPA, cfg.Cmdline); err != nil {
		return LinuxBootPlan{}, err
	}

	if err := buildZeroPage(mem, hdr, loadAddr, cfg); err != nil {
		return LinuxBootPlan{}, err
	}

	log.WithFields(logrus.Fields{
		"load_addr": loadAddr,
		"entry":     hdr.EntryPoint(loadAddr),
		"setup_sects": hdr.SetupSectors,
	}).Info("loaded Linux kernel")

	return LinuxBootPlan{
		EntryPoint:  hdr.EntryPoint(loadAddr),
		ZeroPageGPA: cfg.ZeroPageGPA,
	}, nil
}

func placeCmdline(mem *memmap.Map, gpa uint64, cmdline string) error {
	buf := append([]byte(cmdline), 0)
	if err := mem.Write(gpa, buf); err != nil {
		return hypervisor.Wrap(hypervisor.KindInvalidArgument, err, "write kernel command line")
	}
	return nil
}

func buildZeroPage(mem *memmap.Map, hdr SetupHeader, loadAddr uint64, cfg LinuxBootConfig) error {
	if len(hdr.headerBytes) > zeroPageSize-setupHeaderOffset {
		return hypervisor.New(hypervisor.KindInvalidArgument, "setup header too large for the zero page")
	}
	zp := make([]byte, zeroPageSize)
	copy(zp[setupHeaderOffset:], hdr.headerBytes)

	binary.LittleEndian.PutUint16(zp[bootFlagOffset:], 0xaa55)
	copy(zp[headerFieldOffset:], []byte(headerMagic))
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], hdr.ProtocolVersion)
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], hdr.KernelAlignment)
	zp[relocatableKernelOffset] = hdr.RelocatableKernel
	zp[minAlignmentOffset] = hdr.MinAlignment
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], hdr.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], hdr.CmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], hdr.InitrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], hdr.PrefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], hdr.InitSize)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown
	loadFlags := hdr.LoadFlags | canUseHeapFlag
	zp[loadFlagsOffset] = loadFlags

	heapEnd := uint16(0x9800)
	if loadFlags&loadHighFlag != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(loadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cfg.CmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cfg.CmdlineGPA>>32))

	if cfg.InitrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(cfg.InitrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], cfg.InitrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(cfg.InitrdGPA>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], uint32(uint64(cfg.InitrdSize)>>32))
	}

	if len(cfg.E820) == 0 {
		return hypervisor.New(hypervisor.KindInvalidArgument, "e820 map must contain at least one entry")
	}
	if len(cfg.E820) > e820MaxEntries {
		return hypervisor.New(hypervisor.KindInvalidArgument, "e820 map exceeds the zero page's entry capacity")
	}
	zp[zeroPageE820Entries] = byte(len(cfg.E820))
	for i, ent := range cfg.E820 {
		base := zeroPageE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	if err := mem.Write(cfg.ZeroPageGPA, zp); err != nil {
		return hypervisor.Wrap(hypervisor.KindInvalidArgument, err, "write zero page")
	}
	return nil
}

// DefaultE820Map describes a single contiguous RAM region from 0 to
// memSize as usable, the common case for a guest with no MMIO holes
// below the top of RAM. Callers with a PCI hole or reserved region
// carve it out before passing the map to LoadLinuxKernel.
func DefaultE820Map(memSize uint64) []E820Entry {
	return []E820Entry{{Addr: 0, Size: memSize, Type: e820TypeRAM}}
}
