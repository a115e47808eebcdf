// Command vmm is the CLI surface of spec.md §6: the sole control
// interface for building and running a guest.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/coreward/vmm/internal/metrics"
	"github.com/coreward/vmm/internal/vmm"
)

var log = logrus.WithField("subsystem", "cli")

func main() {
	signal.Ignore(syscall.SIGPIPE)

	app := &cli.App{
		Name:  "vmm",
		Usage: "a minimal virtual machine monitor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kernel", Usage: "load and boot a Linux-style kernel image"},
			&cli.StringFlag{Name: "initrd", Usage: "load an initial RAM disk alongside the kernel"},
			&cli.StringFlag{Name: "cmdline", Usage: "set the kernel command line"},
			&cli.StringFlag{Name: "mem", Value: "512M", Usage: "total guest RAM, with a K/M/G suffix"},
			&cli.IntFlag{Name: "cpus", Value: 1, Usage: "number of vCPUs"},
			&cli.StringFlag{Name: "disk", Usage: "attach a block device backing file"},
			&cli.StringFlag{Name: "net", Usage: "attach a network device backed by a TAP interface, as tap=<name>"},
			&cli.StringFlag{Name: "vfio", Usage: "(Linux only) pass through a PCI device, as a BDF"},
			&cli.BoolFlag{Name: "console", Usage: "enable the MMIO console device"},
			&cli.StringFlag{Name: "binary", Usage: "load a raw binary image"},
			&cli.StringFlag{Name: "entry", Usage: "initial PC for the raw binary, as a hex address"},
			&cli.IntFlag{Name: "log", Value: 2, Usage: "log level, 0..4"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	logrus.SetLevel(logLevelToLogrus(cfg.LogLevel))

	log.WithFields(logrus.Fields{
		"mem":  bytefmt.ByteSize(cfg.MemoryBytes),
		"cpus": cfg.NumCPUs,
	}).Info("resolved configuration")

	metrics.Register()

	vm, err := vmm.New(cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vm.Start(ctx)

	waitErr := vm.Wait()
	for i, counters := range vm.Counters() {
		metrics.ObserveVCPU(i, counters)
	}
	if waitErr != nil {
		printFaultSummary(vm)
		return waitErr
	}
	return nil
}

func buildConfig(c *cli.Context) (vmm.Config, error) {
	cfg := vmm.DefaultConfig()
	cfg.KernelPath = c.String("kernel")
	cfg.InitrdPath = c.String("initrd")
	cfg.Cmdline = c.String("cmdline")
	cfg.NumCPUs = c.Int("cpus")
	cfg.DiskPath = c.String("disk")
	cfg.NetTap = parseTapArg(c.String("net"))
	cfg.VFIOBDF = c.String("vfio")
	cfg.Console = c.Bool("console")
	cfg.BinaryPath = c.String("binary")
	cfg.LogLevel = c.Int("log")

	mem, err := vmm.ParseMemorySize(c.String("mem"))
	if err != nil {
		return vmm.Config{}, err
	}
	cfg.MemoryBytes = mem

	if entry := c.String("entry"); entry != "" {
		addr, err := strconv.ParseUint(trimHexPrefix(entry), 16, 64)
		if err != nil {
			return vmm.Config{}, errors.Wrapf(err, "invalid --entry value %q", entry)
		}
		cfg.EntryPoint = addr
	}

	return cfg, nil
}

// parseTapArg extracts the interface name from --net's tap=<name>
// form; any other value is passed through unchanged and used as the
// interface name as is.
func parseTapArg(arg string) string {
	const prefix = "tap="
	if len(arg) > len(prefix) && arg[:len(prefix)] == prefix {
		return arg[len(prefix):]
	}
	return arg
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func logLevelToLogrus(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.ErrorLevel
	case level == 1:
		return logrus.WarnLevel
	case level == 2:
		return logrus.InfoLevel
	case level == 3:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// printFaultSummary prints each vCPU's exit counters on a fatal VM
// error, the way a host operator would otherwise only get from attaching
// a debugger mid-crash.
func printFaultSummary(vm *vmm.VM) {
	for i, counters := range vm.Counters() {
		fmt.Fprintf(os.Stderr, "vcpu %d: total=%d halts=%d by-kind=%v run=%s\n",
			i, counters.TotalExits, metrics.Halts(counters), counters.ByKind, counters.RunTime)
	}
}
