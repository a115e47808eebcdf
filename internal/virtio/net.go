package virtio

import "github.com/coreward/vmm/internal/legacyio/net"

// NewNetHandler drains TX descriptors to tap and, on each notify, also
// drains any pending host-side RX into the queue's next available
// write-only buffer. The virtio-net header (unused fields beyond
// length are left zero) is not modeled in detail here; this repo only
// needs raw Ethernet-frame passthrough per the transport contract.
func NewNetHandler(tap *network.TapDevice) QueueHandler {
	return func(q *Queue) {
		for {
			chain, ok := q.NextChain()
			if !ok {
				return
			}
			handleNetChain(tap, q, chain)
		}
	}
}

func handleNetChain(tap *network.TapDevice, q *Queue, chain Chain) {
	var total uint32
	for _, link := range chain.Links {
		if link.WriteOnly {
			packet, err := tap.ReadPacket()
			if err != nil || packet == nil {
				continue
			}
			n := copy(link.Data, packet)
			total += uint32(n)
			continue
		}
		if err := tap.WritePacket(link.Data); err == nil {
			total += uint32(len(link.Data))
		}
	}
	q.PublishUsed(chain.HeadID, total)
}
