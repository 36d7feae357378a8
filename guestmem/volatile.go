package guestmem

// Go has no volatile qualifier; the closest equivalent to a volatile
// load/store for object I/O is a direct, unsynchronized byte access. These
// helpers exist so the intent (one bounds-checked, unsynchronized access
// per byte, no caching or reordering assumptions across callers) is
// visible at the call site even though the compiler treats them like any
// other slice access.

func volatileLoadByte(src *byte) byte {
	return *src
}

func volatileStoreByte(dst *byte, v byte) {
	*dst = v
}
