package vsock

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/microvmm/guestmem"
	"github.com/tinyrange/microvmm/virtqueue"
)

// Packet operations, per the virtio vsock spec.
const (
	OpRequest      uint16 = 1
	OpResponse     uint16 = 2
	OpRst          uint16 = 3
	OpShutdown     uint16 = 4
	OpRW           uint16 = 5
	OpCreditUpdate uint16 = 6
	OpCreditReq    uint16 = 7
)

// HeaderSize is the fixed size of a virtio-vsock packet header.
const HeaderSize = 44

// Header is the fixed-size header every vsock packet carries ahead of its
// payload.
type Header struct {
	SrcCID    uint64
	DstCID    uint64
	SrcPort   uint32
	DstPort   uint32
	Len       uint32
	Type      uint16
	Op        uint16
	Flags     uint32
	BufAlloc  uint32
	FwdCnt    uint32
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(buf[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(buf[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(buf[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(buf[24:28], h.Len)
	binary.LittleEndian.PutUint16(buf[28:30], h.Type)
	binary.LittleEndian.PutUint16(buf[30:32], h.Op)
	binary.LittleEndian.PutUint32(buf[32:36], h.Flags)
	binary.LittleEndian.PutUint32(buf[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(buf[40:44], h.FwdCnt)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		SrcCID:   binary.LittleEndian.Uint64(buf[0:8]),
		DstCID:   binary.LittleEndian.Uint64(buf[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(buf[16:20]),
		DstPort:  binary.LittleEndian.Uint32(buf[20:24]),
		Len:      binary.LittleEndian.Uint32(buf[24:28]),
		Type:     binary.LittleEndian.Uint16(buf[28:30]),
		Op:       binary.LittleEndian.Uint16(buf[30:32]),
		Flags:    binary.LittleEndian.Uint32(buf[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(buf[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(buf[40:44]),
	}
}

// Packet is a view over a descriptor chain split into a fixed-size header
// region and a payload region, parsed from either an RX or TX descriptor
// head.
type Packet struct {
	HeadIndex  uint16
	HeaderAddr guestmem.GuestAddress
	HeaderLen  uint32
	PayloadAddr guestmem.GuestAddress
	PayloadLen  uint32
	// Writable reports whether the header descriptor is device-writable
	// (an RX packet) as opposed to driver-readable (a TX packet).
	Writable bool
}

// ParsePacket splits a descriptor chain into header/payload regions. The
// chain's first descriptor supplies the header; a second descriptor, if
// present, supplies the payload. A chain with no descriptors, or whose
// first descriptor is shorter than HeaderSize, is a parse error.
func ParsePacket(headIndex uint16, chain []virtqueue.Descriptor) (*Packet, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("vsock: empty descriptor chain")
	}
	hdr := chain[0]
	if hdr.Length < HeaderSize {
		return nil, fmt.Errorf("vsock: descriptor chain header too short (%d bytes)", hdr.Length)
	}

	pkt := &Packet{
		HeadIndex:  headIndex,
		HeaderAddr: guestmem.GuestAddress(hdr.Addr),
		HeaderLen:  HeaderSize,
		Writable:   hdr.IsWrite(),
	}

	if len(chain) > 1 {
		payload := chain[1]
		pkt.PayloadAddr = guestmem.GuestAddress(payload.Addr)
		pkt.PayloadLen = payload.Length
	}

	return pkt, nil
}

// ReadHeader reads the packet's header from guest memory.
func (p *Packet) ReadHeader(mem *guestmem.GuestMemory) (Header, error) {
	buf := make([]byte, HeaderSize)
	if err := mem.ReadToMemory(p.HeaderAddr, buf, HeaderSize); err != nil {
		return Header{}, err
	}
	return decodeHeader(buf), nil
}

// WriteHeader writes h into the packet's header region.
func (p *Packet) WriteHeader(mem *guestmem.GuestMemory, h Header) error {
	return mem.WriteFromMemory(p.HeaderAddr, h.encode(), HeaderSize)
}

// ReadPayload reads up to len(buf) bytes (or PayloadLen, whichever is
// smaller) from the packet's payload region.
func (p *Packet) ReadPayload(mem *guestmem.GuestMemory, buf []byte) (int, error) {
	n := len(buf)
	if uint32(n) > p.PayloadLen {
		n = int(p.PayloadLen)
	}
	if n == 0 {
		return 0, nil
	}
	if err := mem.ReadToMemory(p.PayloadAddr, buf, n); err != nil {
		return 0, err
	}
	return n, nil
}

// WritePayload writes data into the packet's payload region, up to
// PayloadLen bytes.
func (p *Packet) WritePayload(mem *guestmem.GuestMemory, data []byte) (int, error) {
	n := len(data)
	if uint32(n) > p.PayloadLen {
		n = int(p.PayloadLen)
	}
	if n == 0 {
		return 0, nil
	}
	if err := mem.WriteFromMemory(p.PayloadAddr, data, n); err != nil {
		return 0, err
	}
	return n, nil
}
