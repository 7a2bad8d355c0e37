package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is used in structure padding to prevent false sharing.
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})

// PointerPad_ is the padding that rounds a single pointer-sized field up
// to a full cache line.
const PointerPad_ = (CacheLineSize_ - unsafe.Sizeof(unsafe.Pointer(nil))%CacheLineSize_) % CacheLineSize_
