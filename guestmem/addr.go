package guestmem

import "fmt"

// GuestAddress is an opaque offset in guest physical address space.
type GuestAddress uint64

// String renders the address in the conventional 0x-prefixed hex form.
func (a GuestAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// CheckedAdd returns a+n, or false if the addition overflows a uint64.
func (a GuestAddress) CheckedAdd(n uint64) (GuestAddress, bool) {
	sum := uint64(a) + n
	if sum < uint64(a) {
		return 0, false
	}
	return GuestAddress(sum), true
}

// OffsetFrom returns a-other. Callers are expected to only call this when
// other <= a; the result is meaningless otherwise.
func (a GuestAddress) OffsetFrom(other GuestAddress) uint64 {
	return uint64(a) - uint64(other)
}

// Less reports whether a orders before other. GuestAddress is otherwise a
// plain uint64 and can be compared directly; Less exists for readability
// at call sites that sort addresses.
func (a GuestAddress) Less(other GuestAddress) bool {
	return a < other
}
