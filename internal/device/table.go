// Package device implements the MMIO device table: an ordered list of
// GPA-range handlers and the exit-time dispatch that routes trapping
// guest accesses to them.
package device

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "device")

// ReadFunc handles a guest read of width bytes at offset into the
// device's own range.
type ReadFunc func(offset uint64, width uint8) uint64

// WriteFunc handles a guest write of width bytes at offset, carrying
// value in its low width*8 bits.
type WriteFunc func(offset uint64, width uint8, value uint64)

// Entry is one registered MMIO device.
type Entry struct {
	Name      string
	Start     uint64
	End       uint64 // inclusive
	Read      ReadFunc
	Write     WriteFunc
	Destroy   func() error
	IRQ       *IRQLine
}

func (e *Entry) contains(gpa uint64) bool {
	return gpa >= e.Start && gpa <= e.End
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart <= bEnd && bStart <= aEnd
}

// Table is the VM's append-only (until Destroy) device table.
// Register and Destroy take the table's write lock; Lookup, the
// dispatch paths, and Entries take its read lock.
type Table struct {
	mu       sync.RWMutex
	entries  []*Entry
	nextIRQ  uint32
	baseIRQ  uint32
	unmapped map[uint64]bool // tracks which PCs already logged an unmapped-MMIO diagnostic
	unmapMu  sync.Mutex
}

// baseIRQDefault matches the base value the reference implementation
// uses for device IRQ allocation.
const baseIRQDefault = 5

// NewTable constructs an empty table that assigns device IRQs starting
// at baseIRQDefault.
func NewTable() *Table {
	return &Table{baseIRQ: baseIRQDefault, nextIRQ: baseIRQDefault, unmapped: make(map[uint64]bool)}
}

// Register adds entry to the table. wantsIRQ requests an IRQ line be
// allocated and attached to entry; the allocation is fixed for the
// entry's lifetime.
func (t *Table) Register(entry *Entry, wantsIRQ bool, signaler IRQSignaler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.entries {
		if overlaps(entry.Start, entry.End, existing.Start, existing.End) {
			return errDeviceOverlap(entry.Name, existing.Name)
		}
	}

	if wantsIRQ {
		irq := t.nextIRQ
		t.nextIRQ++
		entry.IRQ = NewIRQLine(irq, signaler)
	}

	t.entries = append(t.entries, entry)
	log.WithFields(logrus.Fields{"device": entry.Name, "start": entry.Start, "end": entry.End}).Info("device registered")
	return nil
}

// Lookup returns the first entry whose interval contains gpa.
func (t *Table) Lookup(gpa uint64) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.contains(gpa) {
			return e
		}
	}
	return nil
}

// DispatchRead resolves gpa to a device and invokes its read handler;
// if no device covers gpa, logs at most one diagnostic per PC and
// returns zero so the vCPU can proceed.
func (t *Table) DispatchRead(gpa uint64, width uint8, pc uint64) uint64 {
	entry := t.Lookup(gpa)
	if entry == nil {
		t.logUnmappedOnce(pc, gpa)
		return 0
	}
	return entry.Read(gpa-entry.Start, width)
}

// DispatchWrite resolves gpa to a device and invokes its write
// handler; if no device covers gpa, the write is discarded after at
// most one diagnostic per PC.
func (t *Table) DispatchWrite(gpa uint64, width uint8, value uint64, pc uint64) {
	entry := t.Lookup(gpa)
	if entry == nil {
		t.logUnmappedOnce(pc, gpa)
		return
	}
	entry.Write(gpa-entry.Start, width, value)
}

func (t *Table) logUnmappedOnce(pc, gpa uint64) {
	t.unmapMu.Lock()
	defer t.unmapMu.Unlock()
	if t.unmapped[pc] {
		return
	}
	t.unmapped[pc] = true
	log.WithFields(logrus.Fields{"pc": pc, "gpa": gpa}).Warnf("MMIO to unmapped address: 0x%08x", gpa)
}

// Entries returns a snapshot of the registered entries in
// registration order.
func (t *Table) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Destroy calls Destroy on every entry, accumulating any errors.
func (t *Table) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result *multierror.Error
	for _, e := range t.entries {
		if e.Destroy == nil {
			continue
		}
		if err := e.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.entries = nil
	return result.ErrorOrNil()
}
