// Package pmm contains the types shared by physical memory frame allocators:
// a Frame is a token identifying one page-sized physical page.
package pmm

import (
	"math"

	"github.com/valikernel/core/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

// InvalidFrame is returned by page allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address represented by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// PageOrder returns the page order of this frame. The page order is encoded
// in the 8 most-significant bits of the frame number so a single Frame value
// can describe a higher-order (multi-page) contiguous allocation.
func (f Frame) PageOrder() mem.PageOrder {
	return mem.PageOrder((f >> 56) & 0xFF)
}

// Size returns the size in bytes spanned by this frame, accounting for its
// page order.
func (f Frame) Size() mem.Size {
	return mem.PageSize << ((f >> 56) & 0xFF)
}

// WithOrder returns a copy of f tagged with the given page order.
func (f Frame) WithOrder(order mem.PageOrder) Frame {
	return (f &^ (Frame(0xFF) << 56)) | (Frame(order) << 56)
}

// Number returns the frame number with any page-order tag bits stripped.
func (f Frame) Number() Frame {
	return f &^ (Frame(0xFF) << 56)
}

// AllocMask constrains the physical address range an allocation request is
// allowed to be satisfied from. It mirrors the "mask" parameter described in
// the physical frame allocator's Allocate operation.
type AllocMask uint8

const (
	// AllocMaskAny places no restriction on the returned frames.
	AllocMaskAny AllocMask = iota
	// AllocMaskLow32 requires every returned frame to live below the 4GiB
	// physical address boundary (legacy DMA).
	AllocMaskLow32
	// AllocMaskLow24 requires every returned frame to live below the
	// 16MiB physical address boundary (ISA DMA).
	AllocMaskLow24
)

// limit returns the exclusive upper physical address bound implied by mask,
// or 0 if the mask imposes no bound.
func (m AllocMask) limit() uintptr {
	switch m {
	case AllocMaskLow32:
		return 1 << 32
	case AllocMaskLow24:
		return 1 << 24
	default:
		return 0
	}
}
