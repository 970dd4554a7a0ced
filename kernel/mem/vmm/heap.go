package vmm

import "github.com/valikernel/core/kernel/mem"

// heapExtent is one free run of pages within a heapPool.
type heapExtent struct {
	start Page
	pages uint64
}

// heapPool is a first-fit free-extent allocator over a fixed virtual range,
// used to pick virtual addresses for Map calls that don't pin an exact
// address (spec: "a heap pool ... for auto-placed mappings"). It is the
// bitmap-allocator idiom (component A) applied to virtual extents instead of
// physical frames.
type heapPool struct {
	base  Page
	pages uint64
	free  []heapExtent // sorted by start, non-adjacent-merged on release
}

func newHeapPool(base Page, size mem.Size) *heapPool {
	pages := size.Pages()
	return &heapPool{
		base:  base,
		pages: pages,
		free:  []heapExtent{{start: base, pages: pages}},
	}
}

// reserve finds and removes a free extent of at least `pages` pages,
// returning its start. It fails with ok=false if no extent is large enough.
func (h *heapPool) reserve(pages uint64) (Page, bool) {
	for i, ext := range h.free {
		if ext.pages < pages {
			continue
		}

		start := ext.start
		if ext.pages == pages {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = heapExtent{start: ext.start + Page(pages), pages: ext.pages - pages}
		}
		return start, true
	}
	return 0, false
}

// reserveAt removes the range [start, start+pages) from the free list,
// failing if any part of it is not currently free.
func (h *heapPool) reserveAt(start Page, pages uint64) bool {
	end := start + Page(pages)
	for i, ext := range h.free {
		extEnd := ext.start + Page(ext.pages)
		if start < ext.start || end > extEnd {
			continue
		}

		var replacement []heapExtent
		if ext.start < start {
			replacement = append(replacement, heapExtent{start: ext.start, pages: uint64(start - ext.start)})
		}
		if end < extEnd {
			replacement = append(replacement, heapExtent{start: end, pages: uint64(extEnd - end)})
		}
		h.free = append(h.free[:i], append(replacement, h.free[i+1:]...)...)
		return true
	}
	return false
}

// release returns [start, start+pages) to the free list, merging with
// adjacent extents so the pool doesn't fragment under repeated
// map/unmap cycles.
func (h *heapPool) release(start Page, pages uint64) {
	newExt := heapExtent{start: start, pages: pages}

	merged := make([]heapExtent, 0, len(h.free)+1)
	inserted := false
	for _, ext := range h.free {
		if !inserted && newExt.start <= ext.start {
			merged = append(merged, newExt)
			inserted = true
		}
		merged = append(merged, ext)
	}
	if !inserted {
		merged = append(merged, newExt)
	}

	// Coalesce adjacent/overlapping runs in a single left-to-right pass.
	out := merged[:0]
	for _, ext := range merged {
		if n := len(out); n > 0 && out[n-1].start+Page(out[n-1].pages) >= ext.start {
			if end := ext.start + Page(ext.pages); end > out[n-1].start+Page(out[n-1].pages) {
				out[n-1].pages = uint64(end - out[n-1].start)
			}
			continue
		}
		out = append(out, ext)
	}
	h.free = out
}
