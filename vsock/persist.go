package vsock

import (
	"github.com/tinyrange/microvmm/versionize"
	"github.com/tinyrange/microvmm/virtqueue"
)

// QueueState is the persisted shape of one virtqueue.Queue: its ring
// addresses and size. lastAvailIdx/usedIdx are runtime walk state that is
// NOT persisted -- like the original, a restored device's queues are
// rebuilt fresh via with_queues/Restore rather than deserialized, so their
// walk position always resumes at 0 and relies on the driver re-kicking.
type QueueState struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
}

// VsockState is the serializable state of a Device: cid, the three
// queues' ring configuration, feature bits, interrupt status, and whether
// the device was activated. Everything else (eventfds, the backend, the
// guest memory handle) is runtime-only and rebuilt by Restore.
type VsockState struct {
	CID             uint64
	Queues          [QueueCount]QueueState
	AvailFeatures   uint64
	AckedFeatures   uint64
	InterruptStatus uint32
	Activated       bool
}

func (s *VsockState) Name() string    { return "vsock" }
func (s *VsockState) Version() uint16 { return 1 }

func (s *VsockState) Serialize(w *versionize.Writer, vm *versionize.VersionMap, targetAppVersion uint16) error {
	if err := w.WriteUint64(s.CID); err != nil {
		return err
	}
	for _, q := range s.Queues {
		if err := w.WriteUint64(q.DescTableAddr); err != nil {
			return err
		}
		if err := w.WriteUint64(q.AvailRingAddr); err != nil {
			return err
		}
		if err := w.WriteUint64(q.UsedRingAddr); err != nil {
			return err
		}
		if err := w.WriteUint16(q.Size); err != nil {
			return err
		}
	}
	if err := w.WriteUint64(s.AvailFeatures); err != nil {
		return err
	}
	if err := w.WriteUint64(s.AckedFeatures); err != nil {
		return err
	}
	if err := w.WriteUint32(s.InterruptStatus); err != nil {
		return err
	}
	return w.WriteBool(s.Activated)
}

func (s *VsockState) Deserialize(r *versionize.Reader, vm *versionize.VersionMap, sourceAppVersion uint16) error {
	cid, err := r.ReadUint64()
	if err != nil {
		return err
	}
	s.CID = cid

	for i := range s.Queues {
		desc, err := r.ReadUint64()
		if err != nil {
			return err
		}
		avail, err := r.ReadUint64()
		if err != nil {
			return err
		}
		used, err := r.ReadUint64()
		if err != nil {
			return err
		}
		size, err := r.ReadUint16()
		if err != nil {
			return err
		}
		s.Queues[i] = QueueState{DescTableAddr: desc, AvailRingAddr: avail, UsedRingAddr: used, Size: size}
	}

	if s.AvailFeatures, err = r.ReadUint64(); err != nil {
		return err
	}
	if s.AckedFeatures, err = r.ReadUint64(); err != nil {
		return err
	}
	if s.InterruptStatus, err = r.ReadUint32(); err != nil {
		return err
	}
	s.Activated, err = r.ReadBool()
	return err
}

// Save snapshots the device's VsockState, with Activated reflecting the
// current device status.
func (d *Device) Save() VsockState {
	state := VsockState{
		CID:             d.cid,
		AvailFeatures:   availFeatures,
		AckedFeatures:   d.ackedFeatures,
		InterruptStatus: d.interruptStatus.Load(),
		Activated:       d.activated,
	}
	for i, q := range d.queues {
		if q == nil {
			continue
		}
		state.Queues[i] = QueueState{
			DescTableAddr: q.DescTableAddr,
			AvailRingAddr: q.AvailRingAddr,
			UsedRingAddr:  q.UsedRingAddr,
			Size:          q.Size,
		}
	}
	return state
}

// Restore rebuilds a fresh Device using args (which supplies a fresh
// backend, logger, and guest memory handle), then copies state onto it:
// queues and their event descriptors are freshly allocated, never
// deserialized, matching with_queues in the original. device_status
// becomes Activated(args.Mem) iff state.Activated, without re-running the
// activation eventfd handshake, mirroring the original's restore path.
func Restore(args ConstructorArgs, state VsockState) (*Device, error) {
	d, err := New(state.CID, args.Backend, args.Logger)
	if err != nil {
		return nil, err
	}
	d.ackedFeatures = state.AckedFeatures
	d.interruptStatus.Store(state.InterruptStatus)

	for i, qs := range state.Queues {
		d.queues[i] = virtqueue.New(qs.DescTableAddr, qs.AvailRingAddr, qs.UsedRingAddr, qs.Size)
	}

	if state.Activated {
		d.mem = args.Mem
		d.activated = true
	}
	return d, nil
}
