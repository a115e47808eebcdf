//go:build linux && amd64

package vmm

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// protectedModeEchoHalt is 32-bit code run from the protected-mode
// state flatProtectedModeSregs sets up for --binary: it far-jumps
// through the GDT's flat code selector, reloads the flat data
// segments, writes 'P' to COM1's data port (0x3F8), then halts. It
// exercises the same GDT/paging bring-up flatProtectedModeSregs
// performs.
var protectedModeEchoHalt = []byte{
	0xEA, 0x07, 0x00, 0x00, 0x00, 0x08, 0x00, // jmp 0x08:0x00000007
	0x66, 0xB8, 0x10, 0x00, // mov ax, 0x0010
	0x8E, 0xD8, // mov ds, ax
	0x8E, 0xC0, // mov es, ax
	0x8E, 0xE0, // mov fs, ax
	0x8E, 0xE8, // mov gs, ax
	0x8E, 0xD0, // mov ss, ax
	0xB0, 'P', // mov al, 'P'
	0x66, 0xBA, 0xF8, 0x03, // mov dx, 0x03f8
	0xEE, // out dx, al
	0xF4, // hlt
}

// requireKVM skips the test on a host without /dev/kvm access instead
// of failing it, since this test drives a real backend.
func requireKVM(t *testing.T) {
	t.Helper()
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
	f.Close()
}

func TestProtectedModeBootEchoesToSerialAndHalts(t *testing.T) {
	requireKVM(t)

	dir := t.TempDir()
	binPath := dir + "/boot.bin"
	require.NoError(t, os.WriteFile(binPath, protectedModeEchoHalt, 0o644))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	oldStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	cfg := DefaultConfig()
	cfg.BinaryPath = binPath
	cfg.MemoryBytes = 1 << 20
	cfg.NumCPUs = 1

	vm, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	vm.Start(ctx)

	waitErr := vm.Wait()
	w.Close()
	os.Stdout = oldStdout

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	r.Close()

	require.NoError(t, waitErr)
	require.True(t, strings.Contains(string(buf[:n]), "P"), "expected serial output to contain P, got %q", string(buf[:n]))
	require.NoError(t, vm.Close())
}
