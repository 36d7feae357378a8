package guestmem

// Region pairs a guest-physical base address with the host mapping backing
// it. Its extent is the half-open interval [GuestBase, GuestBase+Size).
type Region struct {
	GuestBase GuestAddress
	Mapping   *MemoryMapping
}

// Size returns the region's size in bytes.
func (r Region) Size() uint64 { return r.Mapping.Size() }

// End returns the first guest address past this region.
func (r Region) End() GuestAddress {
	end, _ := r.GuestBase.CheckedAdd(r.Mapping.Size())
	return end
}

// Contains reports whether gpa falls within this region.
func (r Region) Contains(gpa GuestAddress) bool {
	return gpa >= r.GuestBase && gpa < r.End()
}

// overlapsGPA reports whether r and other overlap in guest-physical space.
func (r Region) overlapsGPA(other Region) bool {
	return r.GuestBase < other.End() && other.GuestBase < r.End()
}

// overlapsFile reports whether r and other are both file-backed on the same
// fd and overlap in file-offset space.
func (r Region) overlapsFile(other Region) bool {
	rf, rok := r.Mapping.FileBacked()
	of, ook := other.Mapping.FileBacked()
	if !rok || !ook || rf.FD != of.FD {
		return false
	}
	rEnd := rf.Offset + int64(r.Size())
	oEnd := of.Offset + int64(other.Size())
	return rf.Offset < oEnd && of.Offset < rEnd
}
