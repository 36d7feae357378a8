package vsock

// ProcessRX pumps the RX queue: while it yields descriptors, parse each as
// an RX packet and ask the backend to fill it. On success the descriptor is
// added to the used ring with length header+payload. On ErrNoData the pop
// is undone and the pump stops, leaving the descriptor for next time. On a
// parse error the descriptor is marked used with length 0 and the pump
// continues. It returns true iff any descriptor was added to the used
// ring.
func (d *Device) ProcessRX() (bool, error) {
	q := d.queues[QueueRX]
	added := false

	for {
		head, err := q.Pop(d.mem)
		if err != nil {
			return added, err
		}
		if head == nil {
			break
		}

		chain, err := q.ReadChain(d.mem, head.Index)
		if err != nil {
			d.logger.Warn("vsock: reading RX descriptor chain failed", "queue", QueueRX, "head", head.Index, "error", err)
			if err := q.AddUsed(d.mem, head.Index, 0); err != nil {
				return added, err
			}
			added = true
			continue
		}

		pkt, err := ParsePacket(head.Index, chain)
		if err != nil {
			d.logger.Warn("vsock: parsing RX packet failed", "queue", QueueRX, "head", head.Index, "error", err)
			if err := q.AddUsed(d.mem, head.Index, 0); err != nil {
				return added, err
			}
			added = true
			continue
		}

		if err := d.backend.RecvPkt(pkt, d.mem); err != nil {
			q.UndoPop(head)
			break
		}

		hdr, err := pkt.ReadHeader(d.mem)
		if err != nil {
			return added, err
		}
		used := pkt.HeaderLen + hdr.Len
		if err := q.AddUsed(d.mem, head.Index, used); err != nil {
			return added, err
		}
		added = true
	}

	return added, nil
}

// ProcessTX is the symmetric TX pump: while the TX queue yields a
// descriptor, parse it as a TX packet. A parse error marks the descriptor
// used with length 0 and continues. On backend backpressure the pop is
// undone and the pump stops. On success the descriptor is marked used with
// length 0 (the driver does not expect a used length from TX). It returns
// true iff any descriptor was added to the used ring.
func (d *Device) ProcessTX() (bool, error) {
	q := d.queues[QueueTX]
	added := false

	for {
		head, err := q.Pop(d.mem)
		if err != nil {
			return added, err
		}
		if head == nil {
			break
		}

		chain, err := q.ReadChain(d.mem, head.Index)
		if err != nil {
			d.logger.Warn("vsock: reading TX descriptor chain failed", "queue", QueueTX, "head", head.Index, "error", err)
			if err := q.AddUsed(d.mem, head.Index, 0); err != nil {
				return added, err
			}
			added = true
			continue
		}

		pkt, err := ParsePacket(head.Index, chain)
		if err != nil {
			d.logger.Warn("vsock: parsing TX packet failed", "queue", QueueTX, "head", head.Index, "error", err)
			if err := q.AddUsed(d.mem, head.Index, 0); err != nil {
				return added, err
			}
			added = true
			continue
		}

		if err := d.backend.SendPkt(pkt, d.mem); err != nil {
			q.UndoPop(head)
			break
		}

		if err := q.AddUsed(d.mem, head.Index, 0); err != nil {
			return added, err
		}
		added = true
	}

	return added, nil
}
