// Package vsock implements a virtio-1.1 conformant vsock device: feature
// negotiation, an 8-byte CID config space, three descriptor queues
// (RX/TX/event), an activation handshake, and RX/TX pumps that drive a
// pluggable Backend.
package vsock

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/microvmm/guestmem"
	"github.com/tinyrange/microvmm/virtqueue"
)

// Virtio feature bits this device advertises.
const (
	FeatureVersion1 uint64 = 1 << 32
	FeatureInOrder  uint64 = 1 << 35

	availFeatures = FeatureVersion1 | FeatureInOrder
)

// DeviceID is the virtio device type for vsock (VIRTIO_ID_VSOCK).
const DeviceID = 19

// Queue indices, fixed by the virtio-vsock spec.
const (
	QueueRX = iota
	QueueTX
	QueueEvent
	QueueCount
)

// InterruptVring is the VIRTIO_MMIO_INT_VRING bit ORed into interrupt
// status on every used-ring update.
const InterruptVring uint32 = 0x1

// ConstructorArgs are the inputs Restore uses to rebuild a Device's runtime
// resources (queues and eventfds are never themselves part of the
// persisted state). Mem is only consulted when the persisted state says
// the device was activated; it may be left nil when restoring an
// Inactive device.
type ConstructorArgs struct {
	Backend Backend
	Logger  *slog.Logger
	Mem     *guestmem.GuestMemory
}

// Device is a virtio-1.1 vsock device. The zero value is not usable;
// construct with New or Restore.
type Device struct {
	cid           uint64
	ackedFeatures uint64

	interruptStatus atomic.Uint32

	activated bool
	mem       *guestmem.GuestMemory
	queues    [QueueCount]*virtqueue.Queue

	backend Backend
	logger  *slog.Logger

	activationEventFd int
	interruptEventFd  int
	queueEventFds     [QueueCount]int
}

// New creates an Inactive vsock device with guestCID cid, driven by
// backend. Event descriptors are created fresh.
func New(cid uint64, backend Backend, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{
		cid:     cid,
		backend: backend,
		logger:  logger,
	}

	var err error
	if d.activationEventFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK); err != nil {
		return nil, &EventFdError{Err: err}
	}
	if d.interruptEventFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK); err != nil {
		return nil, &EventFdError{Err: err}
	}
	for i := range d.queueEventFds {
		if d.queueEventFds[i], err = unix.Eventfd(0, unix.EFD_NONBLOCK); err != nil {
			return nil, &EventFdError{Err: err}
		}
	}

	return d, nil
}

// CID returns the device's guest CID.
func (d *Device) CID() uint64 { return d.cid }

// IsActivated reports whether Activate has been called.
func (d *Device) IsActivated() bool { return d.activated }

// DeviceType returns the virtio device type (VIRTIO_ID_VSOCK).
func (d *Device) DeviceType() uint32 { return DeviceID }

// AvailFeaturesByPage returns the 32-bit slice of available features at
// the given feature page (0 = bits 0-31, 1 = bits 32-63, higher pages are
// always 0).
func (d *Device) AvailFeaturesByPage(page uint32) uint32 {
	switch page {
	case 0:
		return availFeatures32(availFeatures, 0)
	case 1:
		return availFeatures32(availFeatures, 1)
	default:
		return 0
	}
}

func availFeatures32(features uint64, page uint32) uint32 {
	return uint32(features >> (32 * page))
}

// AckFeatures records features the driver has acknowledged. Bits are only
// ever added, never cleared.
func (d *Device) AckFeatures(bits uint64) {
	d.ackedFeatures |= bits
}

// AckedFeatures returns the features the driver has acknowledged so far.
func (d *Device) AckedFeatures() uint64 { return d.ackedFeatures }

// ActivationEventFd returns the fd an external event loop should register
// before calling Activate; the first post-activation wake-up is the cue to
// register the RX/TX/event queue eventfds and the backend's own fds.
func (d *Device) ActivationEventFd() int { return d.activationEventFd }

// InterruptEventFd returns the fd SignalUsedQueue notifies.
func (d *Device) InterruptEventFd() int { return d.interruptEventFd }

// QueueEventFd returns the kick eventfd for queue idx.
func (d *Device) QueueEventFd(idx int) int { return d.queueEventFds[idx] }

// Activate transitions the device from Inactive to Activated(mem). It
// requires exactly QueueCount queues, stores mem, and writes one count to
// the activation eventfd. Calling Activate more than once is a no-op
// returning ErrBadActivate, matching the original's one-way state machine.
func (d *Device) Activate(mem *guestmem.GuestMemory, queues [QueueCount]*virtqueue.Queue) error {
	if d.activated {
		return ErrBadActivate
	}
	for _, q := range queues {
		if q == nil {
			return ErrBadActivate
		}
	}

	d.mem = mem
	d.queues = queues

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	if _, err := unix.Write(d.activationEventFd, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrBadActivate, err)
	}

	d.activated = true
	return nil
}

// ReadConfig reads len(data) bytes of the 8-byte CID config space at
// offset. Reads of length 8 at offset 0 return the whole CID; length 4 at
// offset 0 or 4 return the low/high half; any other (offset, length) is a
// no-op that only logs a warning, matching the original's silent-warning
// behavior (preserving guest-driver compatibility rather than erroring).
func (d *Device) ReadConfig(offset uint64, data []byte) {
	switch {
	case offset == 0 && len(data) == 8:
		binary.LittleEndian.PutUint64(data, d.cid)
	case offset == 0 && len(data) == 4:
		binary.LittleEndian.PutUint32(data, uint32(d.cid))
	case offset == 4 && len(data) == 4:
		binary.LittleEndian.PutUint32(data, uint32(d.cid>>32))
	default:
		d.logger.Warn("vsock: invalid config space read", "offset", offset, "len", len(data))
	}
}

// WriteConfig is a no-op; the config space is read-only. It only logs.
func (d *Device) WriteConfig(offset uint64, data []byte) {
	d.logger.Warn("vsock: config space write is not supported", "offset", offset, "len", len(data))
}

// SignalUsedQueue ORs InterruptVring into the interrupt status using a
// sequentially-consistent fetch-or, then writes to the interrupt eventfd.
func (d *Device) SignalUsedQueue() error {
	d.interruptStatus.Or(InterruptVring)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	if _, err := unix.Write(d.interruptEventFd, buf); err != nil {
		return &SignalUsedQueueError{Err: err}
	}
	return nil
}

// InterruptStatus returns the current interrupt status word.
func (d *Device) InterruptStatus() uint32 {
	return d.interruptStatus.Load()
}
