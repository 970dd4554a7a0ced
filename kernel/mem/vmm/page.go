package vmm

import "github.com/valikernel/core/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address addressed by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << mem.PageShift)
}

// PageFromAddress returns the Page containing virtAddr, rounding down to the
// enclosing page if virtAddr is not page-aligned.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(mem.AlignDown(virtAddr) >> mem.PageShift)
}
