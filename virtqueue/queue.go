// Package virtqueue implements the virtio available/used ring walker that
// the vsock device drives: pop a descriptor head off the available ring,
// optionally undo that pop if the consumer cannot accept it, and add a
// completed descriptor to the used ring.
package virtqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/microvmm/guestmem"
)

const (
	descFNext  uint16 = 1
	descFWrite uint16 = 2

	descriptorSize = 16
)

// GuestMemory is the read/write surface virtqueue needs from guest memory.
// guestmem.GuestMemory satisfies it.
type GuestMemory interface {
	ReadObjAt(out []byte, gpa guestmem.GuestAddress) error
	WriteObjAt(val []byte, gpa guestmem.GuestAddress) error
}

// Descriptor is one entry of a descriptor chain.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// IsWrite reports whether the device is meant to write into this
// descriptor's buffer (a device-writable / driver-readable buffer).
func (d Descriptor) IsWrite() bool { return d.Flags&descFWrite != 0 }

// HasNext reports whether this descriptor continues into another.
func (d Descriptor) HasNext() bool { return d.Flags&descFNext != 0 }

// DescriptorHead identifies a popped descriptor chain by its head index.
type DescriptorHead struct {
	Index uint16
}

// Queue is one virtio queue's rings and walk state.
type Queue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16

	lastAvailIdx uint16
	usedIdx      uint16

	// undoBuf holds the last popped head when UndoPop is called, since
	// this ring does not support rewinding lastAvailIdx in place (the
	// spec's own fallback for queues that can't rewind).
	undoBuf   *DescriptorHead
}

// New returns a Queue with the given ring addresses and size.
func New(descTableAddr, availRingAddr, usedRingAddr uint64, size uint16) *Queue {
	return &Queue{
		DescTableAddr: descTableAddr,
		AvailRingAddr: availRingAddr,
		UsedRingAddr:  usedRingAddr,
		Size:          size,
	}
}

func readU16(mem GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := mem.ReadObjAt(buf[:], guestmem.GuestAddress(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeU16(mem GuestMemory, addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return mem.WriteObjAt(buf[:], guestmem.GuestAddress(addr))
}

func writeU32(mem GuestMemory, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return mem.WriteObjAt(buf[:], guestmem.GuestAddress(addr))
}

// ReadDescriptor reads descriptor idx from the descriptor table.
func (q *Queue) ReadDescriptor(mem GuestMemory, idx uint16) (Descriptor, error) {
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [descriptorSize]byte
	addr := q.DescTableAddr + uint64(idx)*descriptorSize
	if err := mem.ReadObjAt(buf[:], guestmem.GuestAddress(addr)); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Pop returns the next available descriptor head, or (nil, nil) if the
// driver has not offered one yet.
func (q *Queue) Pop(mem GuestMemory) (*DescriptorHead, error) {
	if q.undoBuf != nil {
		head := q.undoBuf
		q.undoBuf = nil
		return head, nil
	}

	availIdx, err := readU16(mem, q.AvailRingAddr+2)
	if err != nil {
		return nil, err
	}
	if q.lastAvailIdx == availIdx {
		return nil, nil
	}

	ringIndex := q.lastAvailIdx % q.Size
	head, err := readU16(mem, q.AvailRingAddr+4+uint64(ringIndex)*2)
	if err != nil {
		return nil, err
	}
	q.lastAvailIdx++

	return &DescriptorHead{Index: head}, nil
}

// UndoPop restores the last popped descriptor head so the next Pop call
// re-yields it. It must only be called once between Pop calls.
func (q *Queue) UndoPop(head *DescriptorHead) {
	q.undoBuf = head
}

// AddUsed adds a completed descriptor chain (by head index) to the used
// ring with the given total length.
func (q *Queue) AddUsed(mem GuestMemory, index uint16, length uint32) error {
	slot := q.usedIdx % q.Size
	base := q.UsedRingAddr + 4 + uint64(slot)*8

	if err := writeU32(mem, base, uint32(index)); err != nil {
		return err
	}
	if err := writeU32(mem, base+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return writeU16(mem, q.UsedRingAddr+2, q.usedIdx)
}

// ReadChain walks the descriptor chain starting at head, returning every
// descriptor in order. It is bounded to q.Size iterations.
func (q *Queue) ReadChain(mem GuestMemory, head uint16) ([]Descriptor, error) {
	var chain []Descriptor
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.ReadDescriptor(mem, idx)
		if err != nil {
			return chain, err
		}
		chain = append(chain, d)
		if !d.HasNext() {
			break
		}
		idx = d.Next
	}
	return chain, nil
}
