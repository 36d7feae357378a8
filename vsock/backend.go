package vsock

import (
	"sync"

	"github.com/tinyrange/microvmm/guestmem"
)

// Backend is the interface the vsock device drives for packet in/out. A
// concrete backend owns whatever transport carries bytes to/from the guest
// (a host Unix socket, a loopback channel, ...); that transport's own
// event sources are not part of this core.
type Backend interface {
	// RecvPkt fills pkt's header and payload region in mem with the next
	// inbound packet. It returns ErrNoData if none is available yet.
	RecvPkt(pkt *Packet, mem *guestmem.GuestMemory) error
	// SendPkt consumes pkt's header and payload region from mem. It
	// returns ErrBackpressure if it cannot currently accept the packet.
	SendPkt(pkt *Packet, mem *guestmem.GuestMemory) error
}

// LoopbackBackend is an in-memory test/demo backend: every RW packet sent
// to it is queued and handed back out as the next RecvPkt, the way a
// trivial echo service would behave. It is the concrete backend this
// module's own tests exercise the device against.
type LoopbackBackend struct {
	mu    sync.Mutex
	queue []queuedPacket
}

type queuedPacket struct {
	header  Header
	payload []byte
}

// NewLoopbackBackend returns an empty LoopbackBackend.
func NewLoopbackBackend() *LoopbackBackend {
	return &LoopbackBackend{}
}

// Enqueue injects a packet that the next RecvPkt call will deliver. Tests
// use this to simulate inbound guest-destined traffic.
func (b *LoopbackBackend) Enqueue(h Header, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.queue = append(b.queue, queuedPacket{header: h, payload: cp})
}

// RecvPkt implements Backend.
func (b *LoopbackBackend) RecvPkt(pkt *Packet, mem *guestmem.GuestMemory) error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return ErrNoData
	}
	next := b.queue[0]
	b.queue = b.queue[1:]
	b.mu.Unlock()

	next.header.Len = uint32(len(next.payload))
	if err := pkt.WriteHeader(mem, next.header); err != nil {
		return err
	}
	if len(next.payload) > 0 {
		if _, err := pkt.WritePayload(mem, next.payload); err != nil {
			return err
		}
	}
	return nil
}

// SendPkt implements Backend. The loopback backend accepts RW packets by
// turning around and re-queuing them as inbound traffic (an echo), and
// silently accepts (drops) every other packet type.
func (b *LoopbackBackend) SendPkt(pkt *Packet, mem *guestmem.GuestMemory) error {
	h, err := pkt.ReadHeader(mem)
	if err != nil {
		return err
	}
	if h.Op != OpRW || h.Len == 0 {
		return nil
	}
	payload := make([]byte, h.Len)
	if _, err := pkt.ReadPayload(mem, payload); err != nil {
		return err
	}
	b.Enqueue(Header{
		SrcCID:  h.DstCID,
		DstCID:  h.SrcCID,
		SrcPort: h.DstPort,
		DstPort: h.SrcPort,
		Type:    h.Type,
		Op:      OpRW,
	}, payload)
	return nil
}
