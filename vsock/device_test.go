package vsock

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/microvmm/guestmem"
	"github.com/tinyrange/microvmm/virtqueue"
)

const (
	descTableAddr = 0x1000
	availAddr     = 0x2000
	usedAddr      = 0x3000
	ringSize      = 4

	rxDescAddr = 0x10000
	txDescAddr = 0x20000
)

func newDevice(t *testing.T) (*Device, *guestmem.GuestMemory) {
	t.Helper()
	mem, err := guestmem.NewAnon([]guestmem.AnonRegionSpec{{GuestBase: 0, Size: 0x100000}}, guestmem.MappingOptions{})
	if err != nil {
		t.Fatalf("NewAnon: %v", err)
	}
	d, err := New(52, NewLoopbackBackend(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, mem
}

func activate(t *testing.T, d *Device, mem *guestmem.GuestMemory) {
	t.Helper()
	var queues [QueueCount]*virtqueue.Queue
	for i := range queues {
		base := uint64(i) * 0x1000
		queues[i] = virtqueue.New(descTableAddr+base, availAddr+base, usedAddr+base, ringSize)
	}
	if err := d.Activate(mem, queues); err != nil {
		t.Fatalf("Activate: %v", err)
	}
}

func TestNewDeviceReportsTypeAndFeatures(t *testing.T) {
	d, _ := newDevice(t)
	if d.DeviceType() != DeviceID {
		t.Fatalf("got device type %d, want %d", d.DeviceType(), DeviceID)
	}
	if d.AvailFeaturesByPage(0) != uint32(availFeatures) {
		t.Fatalf("got page0 features 0x%x, want 0x%x", d.AvailFeaturesByPage(0), uint32(availFeatures))
	}
	if d.AvailFeaturesByPage(2) != 0 {
		t.Fatalf("got page2 features 0x%x, want 0", d.AvailFeaturesByPage(2))
	}
}

func TestActivateRequiresThreeQueues(t *testing.T) {
	d, mem := newDevice(t)
	var queues [QueueCount]*virtqueue.Queue
	queues[0] = virtqueue.New(descTableAddr, availAddr, usedAddr, ringSize)
	// queues[1], queues[2] left nil
	if err := d.Activate(mem, queues); err == nil {
		t.Fatalf("expected Activate to fail with an incomplete queue set")
	}
	if d.IsActivated() {
		t.Fatalf("device should not be activated after a failed Activate")
	}
}

func TestActivateSucceedsAndSignalsEventFd(t *testing.T) {
	d, mem := newDevice(t)
	activate(t, d, mem)

	if !d.IsActivated() {
		t.Fatalf("expected device to be activated")
	}

	buf := make([]byte, 8)
	n, err := readEventFd(d.ActivationEventFd(), buf)
	if err != nil || n != 8 {
		t.Fatalf("reading activation eventfd: n=%d err=%v", n, err)
	}
	if binary.LittleEndian.Uint64(buf) != 1 {
		t.Fatalf("expected activation eventfd counter to be 1")
	}
}

func TestConfigSpaceReads(t *testing.T) {
	d, _ := newDevice(t)

	full := make([]byte, 8)
	d.ReadConfig(0, full)
	if binary.LittleEndian.Uint64(full) != 52 {
		t.Fatalf("full CID read: got %d, want 52", binary.LittleEndian.Uint64(full))
	}

	low := make([]byte, 4)
	d.ReadConfig(0, low)
	if binary.LittleEndian.Uint32(low) != 52 {
		t.Fatalf("low half read: got %d, want 52", binary.LittleEndian.Uint32(low))
	}

	high := make([]byte, 4)
	d.ReadConfig(4, high)
	if binary.LittleEndian.Uint32(high) != 0 {
		t.Fatalf("high half read: got %d, want 0", binary.LittleEndian.Uint32(high))
	}
}

func TestConfigSpaceOutOfRangeReadIsSilentNoOp(t *testing.T) {
	d, _ := newDevice(t)
	buf := []byte{0xaa, 0xbb, 0xcc}
	d.ReadConfig(1, buf)
	if buf[0] != 0xaa || buf[1] != 0xbb || buf[2] != 0xcc {
		t.Fatalf("out-of-range config read must leave caller buffer unchanged, got %v", buf)
	}
}

func TestSignalUsedQueueOrsInterruptStatus(t *testing.T) {
	d, _ := newDevice(t)
	if err := d.SignalUsedQueue(); err != nil {
		t.Fatalf("SignalUsedQueue: %v", err)
	}
	if d.InterruptStatus()&InterruptVring == 0 {
		t.Fatalf("expected InterruptVring bit set")
	}
}

func writeDescriptor(t *testing.T, mem *guestmem.GuestMemory, tableAddr uint64, idx uint16, d virtqueue.Descriptor) {
	t.Helper()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Length)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	addr := guestmem.GuestAddress(tableAddr + uint64(idx)*16)
	if err := mem.WriteObjAt(buf, addr); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

func publishAvail(t *testing.T, mem *guestmem.GuestMemory, ringAddr uint64, heads []uint16) {
	t.Helper()
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(heads)))
	if err := mem.WriteObjAt(hdr, guestmem.GuestAddress(ringAddr)); err != nil {
		t.Fatalf("write avail header: %v", err)
	}
	for i, h := range heads {
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, h)
		addr := guestmem.GuestAddress(ringAddr + 4 + uint64(i)*2)
		if err := mem.WriteObjAt(buf, addr); err != nil {
			t.Fatalf("write avail ring: %v", err)
		}
	}
}

func TestProcessTXDeliversRWPacketToBackendEcho(t *testing.T) {
	d, mem := newDevice(t)
	activate(t, d, mem)

	hdr := Header{SrcCID: 3, DstCID: 52, SrcPort: 100, DstPort: 200, Op: OpRW, Type: 1, Len: 5}
	if err := mem.WriteFromMemory(guestmem.GuestAddress(txDescAddr), hdr.encode(), HeaderSize); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := mem.WriteFromMemory(guestmem.GuestAddress(txDescAddr+0x100), []byte("hello"), 5); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	txTableAddr := uint64(descTableAddr) + uint64(QueueTX)*0x1000
	txAvailAddr := uint64(availAddr) + uint64(QueueTX)*0x1000
	writeDescriptor(t, mem, txTableAddr, 0, virtqueue.Descriptor{Addr: txDescAddr, Length: HeaderSize, Flags: 1, Next: 1})
	writeDescriptor(t, mem, txTableAddr, 1, virtqueue.Descriptor{Addr: txDescAddr + 0x100, Length: 5})
	publishAvail(t, mem, txAvailAddr, []uint16{0})

	added, err := d.ProcessTX()
	if err != nil {
		t.Fatalf("ProcessTX: %v", err)
	}
	if !added {
		t.Fatalf("expected ProcessTX to add a used descriptor")
	}

	// The loopback backend should have echoed the RW packet back as
	// inbound traffic for the RX pump.
	rxTableAddr := uint64(descTableAddr) + uint64(QueueRX)*0x1000
	rxAvailAddr := uint64(availAddr) + uint64(QueueRX)*0x1000
	writeDescriptor(t, mem, rxTableAddr, 0, virtqueue.Descriptor{Addr: rxDescAddr, Length: HeaderSize, Flags: 3, Next: 1})
	writeDescriptor(t, mem, rxTableAddr, 1, virtqueue.Descriptor{Addr: rxDescAddr + 0x100, Length: 64, Flags: 2})
	publishAvail(t, mem, rxAvailAddr, []uint16{0})

	added, err = d.ProcessRX()
	if err != nil {
		t.Fatalf("ProcessRX: %v", err)
	}
	if !added {
		t.Fatalf("expected ProcessRX to deliver the echoed packet")
	}

	payload := make([]byte, 5)
	if err := mem.ReadToMemory(guestmem.GuestAddress(rxDescAddr+0x100), payload, 5); err != nil {
		t.Fatalf("read delivered payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("got payload %q, want %q", payload, "hello")
	}
}

func TestProcessRXNoDataUndoesPop(t *testing.T) {
	d, mem := newDevice(t)
	activate(t, d, mem)

	rxTableAddr := uint64(descTableAddr) + uint64(QueueRX)*0x1000
	rxAvailAddr := uint64(availAddr) + uint64(QueueRX)*0x1000
	writeDescriptor(t, mem, rxTableAddr, 0, virtqueue.Descriptor{Addr: rxDescAddr, Length: HeaderSize, Flags: 2})
	publishAvail(t, mem, rxAvailAddr, []uint16{0})

	added, err := d.ProcessRX()
	if err != nil {
		t.Fatalf("ProcessRX: %v", err)
	}
	if added {
		t.Fatalf("expected no descriptor to be consumed when the backend has no data")
	}

	// The descriptor must still be there for the next pump.
	added, err = d.ProcessRX()
	if err != nil {
		t.Fatalf("second ProcessRX: %v", err)
	}
	if added {
		t.Fatalf("still expected no data")
	}
}

func TestSaveRestorePreservesStateNotRuntimeResources(t *testing.T) {
	d, mem := newDevice(t)
	activate(t, d, mem)
	d.AckFeatures(FeatureVersion1)
	if err := d.SignalUsedQueue(); err != nil {
		t.Fatalf("SignalUsedQueue: %v", err)
	}

	state := d.Save()
	if !state.Activated {
		t.Fatalf("expected saved state to reflect activation")
	}

	restored, err := Restore(ConstructorArgs{Backend: NewLoopbackBackend()}, state)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.CID() != d.CID() {
		t.Fatalf("got restored cid %d, want %d", restored.CID(), d.CID())
	}
	if restored.AckedFeatures() != d.AckedFeatures() {
		t.Fatalf("got restored acked features 0x%x, want 0x%x", restored.AckedFeatures(), d.AckedFeatures())
	}
	if restored.ActivationEventFd() == d.ActivationEventFd() {
		t.Fatalf("restore must allocate fresh eventfds, not reuse the original's")
	}
	if !restored.IsActivated() {
		t.Fatalf("expected restored device to resume in the activated state")
	}
}

func readEventFd(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}
