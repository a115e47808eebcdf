// Package vmm implements the VM Controller: the aggregate that owns
// the memory map, device table, and vCPU set, and drives their
// lifecycle from configuration through teardown.
package vmm

import (
	"runtime"

	"github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	"github.com/coreward/vmm/internal/hypervisor"
)

const (
	defaultMemory = 512 * 1024 * 1024
	defaultCPUs   = 1
	maxCPUs       = 8
)

// Fixed guest-physical layout. RAM always starts at zero; the MMIO
// windows above are reserved regardless of which devices are enabled,
// so enabling a device later never shifts an already-published GPA.
//
// gpaVirtioConsole and gpaVFIOBarWindow stay reserved but unbacked by
// this controller: no CLI flag requests a virtio console (--console
// maps to the bare MMIO console below; the virtio-console transport
// is exercised directly by the virtio package's own tests) or a VFIO
// passthrough device yet.
const (
	gpaConsoleMMIO   = 0x0090_0000
	gpaVirtioConsole = 0x00A0_0000
	gpaVirtioBlock   = 0x00A0_1000
	gpaVirtioNetwork = 0x00A0_2000
	gpaVFIOBarWindow = 0x0B00_0000
)

// Config is the fully-resolved set of options the VM Controller needs
// to bring up a guest; the CLI layer parses flags into this shape.
type Config struct {
	KernelPath string
	InitrdPath string
	Cmdline    string

	MemoryBytes uint64
	NumCPUs     int

	DiskPath string
	NetTap   string
	VFIOBDF  string
	Console  bool

	BinaryPath  string
	EntryPoint  uint64

	LogLevel int
}

// DefaultConfig returns a Config with spec-mandated defaults: 512MiB
// of RAM and a single vCPU.
func DefaultConfig() Config {
	return Config{MemoryBytes: defaultMemory, NumCPUs: defaultCPUs}
}

// ParseMemorySize interprets a size string with a K/M/G suffix (as
// accepted by --mem), the way docker/go-units parses human-readable
// byte quantities elsewhere in the ecosystem.
func ParseMemorySize(s string) (uint64, error) {
	if s == "" {
		return defaultMemory, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid --mem value %q", s)
	}
	if bytes <= 0 {
		return 0, errors.Errorf("--mem value %q must be positive", s)
	}
	return uint64(bytes), nil
}

// Validate checks the resolved configuration against the implementation's
// bounds and against how much physical memory the host actually has,
// returning a descriptive error rather than letting mmap/ioctl fail
// further downstream with an opaque errno.
func (c Config) Validate() error {
	if c.NumCPUs <= 0 {
		return errors.Errorf("--cpus must be positive, got %d", c.NumCPUs)
	}
	if c.NumCPUs > maxCPUs {
		return errors.Errorf("--cpus %d exceeds the implementation limit of %d", c.NumCPUs, maxCPUs)
	}
	if c.MemoryBytes == 0 {
		return errors.New("--mem must be greater than zero")
	}
	if avail := memory.TotalMemory(); avail > 0 && c.MemoryBytes > avail {
		return errors.Errorf("--mem %s exceeds host physical memory %s",
			units.BytesSize(float64(c.MemoryBytes)), units.BytesSize(float64(avail)))
	}
	if c.KernelPath == "" && c.BinaryPath == "" {
		return errors.New("one of --kernel or --binary is required")
	}
	if c.KernelPath != "" && c.BinaryPath != "" {
		return errors.New("--kernel and --binary are mutually exclusive")
	}
	if c.InitrdPath != "" && c.KernelPath == "" {
		return errors.New("--initrd requires --kernel")
	}
	if c.VFIOBDF != "" {
		if runtime.GOOS != "linux" {
			return hypervisor.New(hypervisor.KindUnavailable, "--vfio is Linux-only")
		}
		return hypervisor.New(hypervisor.KindUnavailable, "--vfio is not implemented: device passthrough requires VFIO group/container ioctls beyond this core's scope")
	}
	return nil
}
