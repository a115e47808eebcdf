package virtio

import (
	"encoding/binary"

	"github.com/coreward/vmm/internal/memmap"
)

// Descriptor flags.
const (
	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

const descriptorSize = 16 // GPA(8) + Length(4) + Flags(2) + Next(2)

// Queue is one virtqueue: descriptor table, available ring, used ring,
// each resident in guest memory and reached through mem. lastAvail and
// usedIdx are the shadow indices the spec requires to advance
// monotonically modulo 2^16.
type Queue struct {
	mem  *memmap.Map
	size uint16

	descBase, availBase, usedBase uint64

	ready bool

	lastAvail uint16
	usedIdx   uint16

	usedAdvanced bool // set by PublishUsed, read by the transport to decide IRQ assertion
}

func newQueue(mem *memmap.Map, size uint16) *Queue {
	return &Queue{mem: mem, size: size}
}

func (q *Queue) setSize(size uint16) {
	if size == 0 || size > maxQueueSize {
		return
	}
	q.size = size
}

// Chain is one resolved descriptor chain: the host-visible buffers in
// chain order, each tagged with whether the guest marked it
// write-only (host writes data back to the guest).
type Chain struct {
	HeadID uint16
	Links  []ChainLink
}

type ChainLink struct {
	Data      []byte
	WriteOnly bool
}

// availIndex returns the guest-published available index.
func (q *Queue) availIndex() uint16 {
	buf := make([]byte, 2)
	_ = q.mem.Read(q.availBase+2, buf) // Available{Flags u16, Index u16, ...}
	return binary.LittleEndian.Uint16(buf)
}

func (q *Queue) availRingEntry(i uint16) uint16 {
	slot := uint16(i) % q.size
	offset := q.availBase + 4 + uint64(slot)*2 // past Flags, Index
	buf := make([]byte, 2)
	_ = q.mem.Read(offset, buf)
	return binary.LittleEndian.Uint16(buf)
}

// HasAvailableWork reports whether the guest has published descriptors
// this queue has not yet consumed.
func (q *Queue) HasAvailableWork() bool {
	return uint16(q.availIndex()-q.lastAvail) > 0
}

// NextChain resolves and returns the next unconsumed descriptor chain,
// advancing lastAvail. Returns ok=false if nothing is available.
func (q *Queue) NextChain() (Chain, bool) {
	if !q.HasAvailableWork() {
		return Chain{}, false
	}

	headID := q.availRingEntry(q.lastAvail)
	q.lastAvail++

	chain := Chain{HeadID: headID}
	id := headID
	for i := uint16(0); i < q.size; i++ {
		desc := q.readDescriptor(id)
		data, err := q.mem.HVA(desc.addr, uint64(desc.length))
		if err == nil {
			chain.Links = append(chain.Links, ChainLink{Data: data, WriteOnly: desc.flags&descFlagWrite != 0})
		}
		if desc.flags&descFlagNext == 0 {
			break
		}
		id = desc.next
	}
	return chain, true
}

type rawDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *Queue) readDescriptor(index uint16) rawDescriptor {
	offset := q.descBase + uint64(index)*descriptorSize
	buf := make([]byte, descriptorSize)
	_ = q.mem.Read(offset, buf)
	return rawDescriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// PublishUsed writes (headID, length) into the used ring and advances
// usedIdx, the final step of descriptor processing before the
// transport asserts the device's IRQ.
func (q *Queue) PublishUsed(headID uint16, length uint32) {
	slot := q.usedIdx % q.size
	offset := q.usedBase + 4 + uint64(slot)*8 // past Flags, Index; each used elem is id(4)+len(4)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(headID))
	binary.LittleEndian.PutUint32(buf[4:8], length)
	_ = q.mem.Write(offset, buf)

	q.usedIdx++
	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, q.usedIdx)
	_ = q.mem.Write(q.usedBase+2, idxBuf)

	q.usedAdvanced = true
}

// LastAvailIndex and UsedIndex expose the shadow indices for the
// queue-monotonicity property tests check.
func (q *Queue) LastAvailIndex() uint16 { return q.lastAvail }
func (q *Queue) UsedIndex() uint16      { return q.usedIdx }
