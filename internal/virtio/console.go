package virtio

import "io"

// ConsoleHandler drains TX descriptors to sink, the device-class
// semantics above the transport spec.md leaves as an external
// collaborator: write bytes to a host console. Read-only descriptors
// in a chain carry guest->host data; NewConsoleHandler writes those
// bytes to sink in order and acknowledges the whole chain with the
// number of bytes written.
func NewConsoleHandler(sink io.Writer) QueueHandler {
	return func(q *Queue) {
		for {
			chain, ok := q.NextChain()
			if !ok {
				return
			}
			var written uint32
			for _, link := range chain.Links {
				if link.WriteOnly {
					continue
				}
				n, _ := sink.Write(link.Data)
				written += uint32(n)
			}
			q.PublishUsed(chain.HeadID, written)
		}
	}
}
