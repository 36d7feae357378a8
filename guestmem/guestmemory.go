package guestmem

import "sort"

// GuestMemory is a shared, immutable-after-construction ordered collection
// of non-overlapping regions. Cloning is O(1): Clone shares the underlying
// region slice, matching the original's shared-ownership region vector.
type GuestMemory struct {
	regions []Region
}

// AnonRegionSpec describes one anonymous region to hand to NewAnon.
type AnonRegionSpec struct {
	GuestBase GuestAddress
	Size      uint64
}

// FileRegionSpec describes one file-backed region to hand to NewFileBacked.
type FileRegionSpec struct {
	GuestBase GuestAddress
	Size      uint64
	FD        int
	Offset    int64
	Shared    bool
}

// NewAnon constructs a GuestMemory out of freshly anonymous-mapped regions,
// checking for GPA overlap.
func NewAnon(ranges []AnonRegionSpec, opts MappingOptions) (*GuestMemory, error) {
	if len(ranges) == 0 {
		return nil, ErrNoMemoryRegions
	}
	regions := make([]Region, 0, len(ranges))
	for _, spec := range ranges {
		mapping, err := NewAnonMapping(spec.Size, opts)
		if err != nil {
			return nil, err
		}
		regions = append(regions, Region{GuestBase: spec.GuestBase, Mapping: mapping})
	}
	return newGuestMemory(regions)
}

// NewFileBacked constructs a GuestMemory out of file-backed regions,
// checking for both GPA overlap and (fd, file-offset) overlap.
func NewFileBacked(ranges []FileRegionSpec) (*GuestMemory, error) {
	if len(ranges) == 0 {
		return nil, ErrNoMemoryRegions
	}
	regions := make([]Region, 0, len(ranges))
	for _, spec := range ranges {
		mapping, err := NewFileBackedMapping(spec.FD, spec.Offset, spec.Size, spec.Shared)
		if err != nil {
			return nil, err
		}
		regions = append(regions, Region{GuestBase: spec.GuestBase, Mapping: mapping})
	}
	return newGuestMemory(regions)
}

func newGuestMemory(regions []Region) (*GuestMemory, error) {
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].overlapsGPA(regions[j]) || regions[i].overlapsFile(regions[j]) {
				return nil, ErrMemoryRegionOverlap
			}
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].GuestBase < regions[j].GuestBase })
	return &GuestMemory{regions: regions}, nil
}

// Clone returns a GuestMemory sharing the same region slice. O(1).
func (g *GuestMemory) Clone() *GuestMemory {
	return &GuestMemory{regions: g.regions}
}

// findRegion returns the index of the region containing gpa, or -1.
func (g *GuestMemory) findRegion(gpa GuestAddress) int {
	for i, r := range g.regions {
		if r.Contains(gpa) {
			return i
		}
	}
	return -1
}

// AddressInRange reports whether gpa lies in some region.
func (g *GuestMemory) AddressInRange(gpa GuestAddress) bool {
	return g.findRegion(gpa) >= 0
}

// CheckedOffset returns base+n iff the result lies within any region.
func (g *GuestMemory) CheckedOffset(base GuestAddress, n uint64) (GuestAddress, bool) {
	next, ok := base.CheckedAdd(n)
	if !ok {
		return 0, false
	}
	return next, g.AddressInRange(next)
}

// EndAddr returns the max endpoint over all regions, or 0 if empty.
func (g *GuestMemory) EndAddr() GuestAddress {
	var end GuestAddress
	for _, r := range g.regions {
		if e := r.End(); e > end {
			end = e
		}
	}
	return end
}

// ReadSliceAt reads into buf starting at gpa, confined to a single region.
// Returns the number of bytes actually transferred.
func (g *GuestMemory) ReadSliceAt(buf []byte, gpa GuestAddress) (int, error) {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return 0, &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	n, err := r.Mapping.ReadSlice(buf, off)
	if err != nil {
		return n, &MemoryAccessError{GPA: gpa, Err: err}
	}
	return n, nil
}

// WriteSliceAt is the write-side symmetric counterpart to ReadSliceAt.
func (g *GuestMemory) WriteSliceAt(buf []byte, gpa GuestAddress) (int, error) {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return 0, &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	n, err := r.Mapping.WriteSlice(buf, off)
	if err != nil {
		return n, &MemoryAccessError{GPA: gpa, Err: err}
	}
	return n, nil
}

// ReadObjAt performs an all-or-nothing read of len(out) bytes at gpa. It
// fails if the range would cross a region boundary.
func (g *GuestMemory) ReadObjAt(out []byte, gpa GuestAddress) error {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	if off+uint64(len(out)) > r.Size() {
		return &InvalidGuestAddressRangeError{GPA: gpa, Len: len(out)}
	}
	if err := r.Mapping.ReadObj(out, off); err != nil {
		return &MemoryAccessError{GPA: gpa, Err: err}
	}
	return nil
}

// WriteObjAt is the write-side symmetric counterpart to ReadObjAt.
func (g *GuestMemory) WriteObjAt(val []byte, gpa GuestAddress) error {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	if off+uint64(len(val)) > r.Size() {
		return &InvalidGuestAddressRangeError{GPA: gpa, Len: len(val)}
	}
	if err := r.Mapping.WriteObj(val, off); err != nil {
		return &MemoryAccessError{GPA: gpa, Err: err}
	}
	return nil
}

// ReadToMemory copies exactly count bytes from gpa into dst, within a
// single region.
func (g *GuestMemory) ReadToMemory(gpa GuestAddress, dst []byte, count int) error {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	if off+uint64(count) > r.Size() {
		return &InvalidGuestAddressRangeError{GPA: gpa, Len: count}
	}
	if err := r.Mapping.ReadToMemory(off, dst, count); err != nil {
		return &MemoryAccessError{GPA: gpa, Err: err}
	}
	return nil
}

// WriteFromMemory is the write-side symmetric counterpart to ReadToMemory.
func (g *GuestMemory) WriteFromMemory(gpa GuestAddress, src []byte, count int) error {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	if off+uint64(count) > r.Size() {
		return &InvalidGuestAddressRangeError{GPA: gpa, Len: count}
	}
	if err := r.Mapping.WriteFromMemory(off, src, count); err != nil {
		return &MemoryAccessError{GPA: gpa, Err: err}
	}
	return nil
}

// GetHostAddress returns the host pointer corresponding to gpa, for passing
// to external ioctls only.
func (g *GuestMemory) GetHostAddress(gpa GuestAddress) (uintptr, error) {
	idx := g.findRegion(gpa)
	if idx < 0 {
		return 0, &InvalidGuestAddressError{GPA: gpa}
	}
	r := g.regions[idx]
	off := gpa.OffsetFrom(r.GuestBase)
	base := r.Mapping.AsPtr()
	if base == nil {
		return 0, &InvalidGuestAddressError{GPA: gpa}
	}
	return uintptr(base) + uintptr(off), nil
}

// RegionInfo describes one region for WithRegions' callback.
type RegionInfo struct {
	Index     int
	GuestBase GuestAddress
	Size      uint64
	HostAddr  uintptr
}

// WithRegions iterates (index, base, size, host_ptr) over every region,
// stopping and returning the first callback error.
func (g *GuestMemory) WithRegions(cb func(RegionInfo) error) error {
	for i, r := range g.regions {
		host := r.Mapping.AsPtr()
		if err := cb(RegionInfo{Index: i, GuestBase: r.GuestBase, Size: r.Size(), HostAddr: uintptr(host)}); err != nil {
			return err
		}
	}
	return nil
}

// MapAndFold is the fold-over-regions primitive: map each region to a value
// of T, then fold the results with init as the starting accumulator.
func MapAndFold[T any](g *GuestMemory, init T, mapFn func(RegionInfo) T, foldFn func(acc, v T) T) T {
	acc := init
	for i, r := range g.regions {
		v := mapFn(RegionInfo{Index: i, GuestBase: r.GuestBase, Size: r.Size(), HostAddr: uintptr(r.Mapping.AsPtr())})
		acc = foldFn(acc, v)
	}
	return acc
}

// Sync msyncs every region, failing on the first error.
func (g *GuestMemory) Sync() error {
	for _, r := range g.regions {
		if err := r.Mapping.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// NumRegions returns the number of regions in the collection.
func (g *GuestMemory) NumRegions() int { return len(g.regions) }
