package device

import (
	"io"
	"sync"
)

// consoleStatusReady is the single status bit the bare MMIO console
// reports: the data register always accepts another byte.
const consoleStatusReady = 0x1

// consoleDataOffset and consoleStatusOffset are the two registers the
// bare MMIO console exposes within its 4KiB window: a write-only data
// byte at offset 0, and a read-only status byte at offset 4.
const (
	consoleDataOffset   = 0x0
	consoleStatusOffset = 0x4
)

// Console is a minimal MMIO output device: one data register a guest
// writes bytes to, and one status register that always reports ready.
// It carries no virtqueue and no feature negotiation, unlike the
// virtio console transport; callers that need batched guest-to-host
// transfer should reach for virtio.NewConsoleHandler instead.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a Console that writes guest output to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

// Entry builds the device table entry for this console at [start,
// start+0xFFF].
func (c *Console) Entry(name string, start uint64) *Entry {
	return &Entry{
		Name:  name,
		Start: start,
		End:   start + 0xFFF,
		Read:  c.read,
		Write: c.write,
	}
}

func (c *Console) read(offset uint64, width uint8) uint64 {
	if offset == consoleStatusOffset {
		return consoleStatusReady
	}
	return 0
}

func (c *Console) write(offset uint64, width uint8, value uint64) {
	if offset != consoleDataOffset {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write([]byte{byte(value)})
}
