package proto

import (
	"fmt"
	"unsafe"
)

// AttachControlBlock views buf, typically freshly-mapped shared memory, as a
// *ControlBlock. buf must be at least as large as ControlBlock and must
// outlive the returned pointer; the caller is responsible for detaching the
// underlying mapping (region.Backend.ShmDt or similar) only after it's done
// with the returned pointer.
func AttachControlBlock(buf []byte) (*ControlBlock, error) {
	size := int(unsafe.Sizeof(ControlBlock{}))
	if len(buf) < size {
		return nil, fmt.Errorf("proto: control segment too small: got %d bytes, need %d", len(buf), size)
	}
	return (*ControlBlock)(unsafe.Pointer(&buf[0])), nil
}
