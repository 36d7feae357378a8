package guestmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MappingOptions carries the process-wide knobs that influence how a
// MemoryMapping is created. It replaces a single global "use huge pages"
// boolean with an explicit field threaded through each constructor.
type MappingOptions struct {
	// HugePages requests MAP_HUGETLB for anonymous mappings. Ignored for
	// file-backed mappings, which take their page size from the backing
	// file.
	HugePages bool
}

// originKind distinguishes an anonymous mapping from a file-backed one.
type originKind int

const (
	originAnon originKind = iota
	originFileBacked
)

// FileBackedSpec describes a file-backed mapping request.
type FileBackedSpec struct {
	FD     int
	Offset int64
	Shared bool
}

// MemoryMapping owns one contiguous host mapping created via mmap(2). The
// zero value is not usable; construct with NewAnonMapping or
// NewFileBackedMapping. Close releases the mapping; only the first Close
// call unmaps it.
type MemoryMapping struct {
	mu       sync.Mutex
	hostBase []byte
	size     uint64
	origin   originKind
	file     FileBackedSpec
	closed   bool
}

// NewAnonMapping creates a private anonymous mapping of size bytes,
// read+write, MAP_NORESERVE, optionally MAP_HUGETLB when opts.HugePages is
// set.
func NewAnonMapping(size uint64, opts MappingOptions) (*MemoryMapping, error) {
	if size == 0 {
		return nil, &MemoryMappingFailedError{Err: unix.EINVAL}
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE
	if opts.HugePages {
		flags |= unix.MAP_HUGETLB
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, &MemoryMappingFailedError{Err: err}
	}

	_ = unix.Madvise(mem, unix.MADV_MERGEABLE)

	return &MemoryMapping{
		hostBase: mem,
		size:     size,
		origin:   originAnon,
	}, nil
}

// NewFileBackedMapping maps fd at offset for size bytes, MAP_SHARED or
// MAP_PRIVATE per shared, with MAP_NORESERVE. offset must be page-aligned;
// offset+size must not overflow.
func NewFileBackedMapping(fd int, offset int64, size uint64, shared bool) (*MemoryMapping, error) {
	if size == 0 {
		return nil, &MemoryMappingFailedError{Err: unix.EINVAL}
	}
	pageSize := int64(unix.Getpagesize())
	if offset%pageSize != 0 {
		return nil, ErrInvalidOffset
	}
	if uint64(offset)+size < uint64(offset) {
		return nil, ErrInvalidOffset
	}

	flags := unix.MAP_NORESERVE
	if shared {
		flags |= unix.MAP_SHARED
	} else {
		flags |= unix.MAP_PRIVATE
	}

	mem, err := unix.Mmap(fd, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, &MemoryMappingFailedError{Err: err}
	}

	return &MemoryMapping{
		hostBase: mem,
		size:     size,
		origin:   originFileBacked,
		file:     FileBackedSpec{FD: fd, Offset: offset, Shared: shared},
	}, nil
}

// Size returns the mapping's size in bytes.
func (m *MemoryMapping) Size() uint64 { return m.size }

// AsPtr returns the host base pointer, for passing to external syscalls
// only. Callers must not retain it past the mapping's lifetime.
func (m *MemoryMapping) AsPtr() unsafe.Pointer {
	if len(m.hostBase) == 0 {
		return nil
	}
	return unsafe.Pointer(&m.hostBase[0])
}

// FileBacked reports whether this mapping is file-backed, and if so its
// descriptor.
func (m *MemoryMapping) FileBacked() (FileBackedSpec, bool) {
	return m.file, m.origin == originFileBacked
}

// WriteSlice writes min(len(buf), size-off) bytes into the mapping starting
// at off. It fails with ErrInvalidAddress iff off >= size; it never wraps
// past the end of the mapping.
func (m *MemoryMapping) WriteSlice(buf []byte, off uint64) (int, error) {
	if off >= m.size {
		return 0, ErrInvalidAddress
	}
	n := copy(m.hostBase[off:], buf)
	return n, nil
}

// ReadSlice is the read-side symmetric counterpart to WriteSlice.
func (m *MemoryMapping) ReadSlice(buf []byte, off uint64) (int, error) {
	if off >= m.size {
		return 0, ErrInvalidAddress
	}
	n := copy(buf, m.hostBase[off:])
	return n, nil
}

// boundsCheck verifies off+n <= size without overflow, returning an error
// otherwise. Used by the all-or-nothing operations.
func (m *MemoryMapping) boundsCheck(off uint64, n int) error {
	end := off + uint64(n)
	if end < off || end > m.size {
		return ErrInvalidAddress
	}
	return nil
}

// WriteObj performs an all-or-nothing volatile store of val's encoding at
// off. It succeeds only if off+len(val) <= size without overflow.
func (m *MemoryMapping) WriteObj(val []byte, off uint64) error {
	if err := m.boundsCheck(off, len(val)); err != nil {
		return err
	}
	dst := m.hostBase[off : off+uint64(len(val))]
	for i := range val {
		volatileStoreByte(&dst[i], val[i])
	}
	return nil
}

// ReadObj performs an all-or-nothing volatile load of len(out) bytes from
// off into out.
func (m *MemoryMapping) ReadObj(out []byte, off uint64) error {
	if err := m.boundsCheck(off, len(out)); err != nil {
		return err
	}
	src := m.hostBase[off : off+uint64(len(out))]
	for i := range out {
		out[i] = volatileLoadByte(&src[i])
	}
	return nil
}

// ReadToMemory copies exactly count bytes from the mapping at off into dst.
func (m *MemoryMapping) ReadToMemory(off uint64, dst []byte, count int) error {
	if len(dst) < count {
		return fmt.Errorf("guestmem: destination buffer too small for %d bytes", count)
	}
	if err := m.boundsCheck(off, count); err != nil {
		return err
	}
	copy(dst[:count], m.hostBase[off:off+uint64(count)])
	return nil
}

// WriteFromMemory copies exactly count bytes from src into the mapping at
// off.
func (m *MemoryMapping) WriteFromMemory(off uint64, src []byte, count int) error {
	if len(src) < count {
		return fmt.Errorf("guestmem: source buffer too small for %d bytes", count)
	}
	if err := m.boundsCheck(off, count); err != nil {
		return err
	}
	copy(m.hostBase[off:off+uint64(count)], src[:count])
	return nil
}

// Sync flushes the mapping to its backing store via msync(MS_SYNC).
func (m *MemoryMapping) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &MemorySyncError{Err: ErrMappingClosed}
	}
	if err := unix.Msync(m.hostBase, unix.MS_SYNC); err != nil {
		return &MemorySyncError{Err: err}
	}
	return nil
}

// Close unmaps the mapping. It is safe to call more than once; only the
// first call unmaps.
func (m *MemoryMapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return unix.Munmap(m.hostBase)
}
