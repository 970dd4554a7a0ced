// Package allocator implements the physical frame allocator (spec component
// A): hand out and reclaim page-sized physical frames, tracking per-frame
// reservation with a bitmap per memory pool.
package allocator

import (
	"sync"

	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/pmm"
)

// MemoryRegion describes one range of physical memory reported by the boot
// environment. Regions that are not Available (firmware-reserved, ACPI
// reclaimable-but-untouched, the kernel image, the ramdisk, ...) are skipped
// by Init, so frame numbers inside them belong to no pool and are never
// handed out.
type MemoryRegion struct {
	PhysAddress uintptr
	Length      mem.Size
	Available   bool
}

type pool struct {
	startFrame pmm.Frame
	endFrame   pmm.Frame // inclusive
	freeCount  uint64
	// bitmap[i] set means frame (startFrame+i) is reserved/in-use.
	bitmap []uint64
}

func (p *pool) contains(f pmm.Frame) bool {
	return f >= p.startFrame && f <= p.endFrame
}

func (p *pool) bitIndex(f pmm.Frame) (word int, mask uint64) {
	rel := uint64(f - p.startFrame)
	return int(rel >> 6), uint64(1) << (rel & 63)
}

func (p *pool) isFree(f pmm.Frame) bool {
	word, mask := p.bitIndex(f)
	return p.bitmap[word]&mask == 0
}

func (p *pool) setReserved(f pmm.Frame, reserved bool) {
	word, mask := p.bitIndex(f)
	wasReserved := p.bitmap[word]&mask != 0
	switch {
	case reserved && !wasReserved:
		p.bitmap[word] |= mask
		p.freeCount--
	case !reserved && wasReserved:
		p.bitmap[word] &^= mask
		p.freeCount++
	}
}

// BitmapAllocator implements pmm frame allocation across the pools derived
// from a boot memory map, tracking free/reserved state with one bit per
// frame. It never blocks and never panics on the allocation path; failures
// are returned as errors.OutOfMemory.
type BitmapAllocator struct {
	mu            sync.Mutex
	pools         []pool
	totalPages    uint64
	reservedPages uint64
}

// Init builds the pool bitmaps from the supplied memory map. Every Available
// region becomes one pool with every frame initially free; non-Available
// regions are skipped entirely (their frames can never be returned, not even
// after being marked reserved and freed).
func (a *BitmapAllocator) Init(regions []MemoryRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pools = a.pools[:0]
	a.totalPages, a.reservedPages = 0, 0

	for _, r := range regions {
		if !r.Available || r.Length == 0 {
			continue
		}

		startFrame := pmm.Frame(mem.AlignUp(r.PhysAddress) >> mem.PageShift)
		endAddr := mem.AlignDown(r.PhysAddress + uintptr(r.Length))
		if endAddr <= r.PhysAddress {
			continue
		}
		endFrame := pmm.Frame(endAddr>>mem.PageShift) - 1
		if endFrame < startFrame {
			continue
		}

		frameCount := uint64(endFrame-startFrame) + 1
		words := (frameCount + 63) / 64

		a.pools = append(a.pools, pool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  frameCount,
			bitmap:     make([]uint64, words),
		})
		a.totalPages += frameCount
	}

	return nil
}

// poolForFrame returns the index of the pool containing f, or -1.
func (a *BitmapAllocator) poolForFrame(f pmm.Frame) int {
	for i := range a.pools {
		if a.pools[i].contains(f) {
			return i
		}
	}
	return -1
}

// findRun returns the first frame of a contiguous run of count free frames
// satisfying mask, or an OutOfMemory error.
func (a *BitmapAllocator) findRun(mask pmm.AllocMask, count uint64) (pmm.Frame, error) {
	limit := mask.limit()

	for pi := range a.pools {
		p := &a.pools[pi]
		if p.freeCount < count {
			continue
		}

		run := uint64(0)
		var runStart pmm.Frame
		for f := p.startFrame; f <= p.endFrame; f++ {
			if limit != 0 && f.Address()+uintptr(mem.PageSize) > limit {
				break
			}
			if p.isFree(f) {
				if run == 0 {
					runStart = f
				}
				run++
				if run == count {
					return runStart, nil
				}
			} else {
				run = 0
			}
		}
	}

	return pmm.InvalidFrame, errors.New(errors.OutOfMemory, "no contiguous run of %d frame(s) satisfies mask %v", count, mask)
}

// Allocate reserves count contiguous physical frames satisfying mask and
// returns the first frame of the run. A request for count > 1 that cannot be
// satisfied contiguously fails outright; it is never partially granted.
func (a *BitmapAllocator) Allocate(mask pmm.AllocMask, count uint64) (pmm.Frame, error) {
	if count == 0 {
		return pmm.InvalidFrame, errors.New(errors.InvalidParam, "allocation count must be > 0")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start, err := a.findRun(mask, count)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	pi := a.poolForFrame(start)
	for f := start; f < start+pmm.Frame(count); f++ {
		a.pools[pi].setReserved(f, true)
	}
	a.reservedPages += count

	return start, nil
}

// Free releases count frames starting at start back to the allocator. Frames
// outside any known pool, or already free, are silently ignored for the
// affected frame only (Free never fails, mirroring the original allocator's
// "destroyed never" lifecycle for the frame tokens themselves).
func (a *BitmapAllocator) Free(start pmm.Frame, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for f := start; f < start+pmm.Frame(count); f++ {
		pi := a.poolForFrame(f)
		if pi < 0 {
			continue
		}
		if a.pools[pi].isFree(f) {
			continue
		}
		a.pools[pi].setReserved(f, false)
		a.reservedPages--
	}
}

// Reserve marks count frames starting at start as in-use without requiring
// them to come from a free-run search — used during boot to carve out the
// kernel image and any early allocations before the allocator is handed to
// the rest of the kernel.
func (a *BitmapAllocator) Reserve(start pmm.Frame, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for f := start; f < start+pmm.Frame(count); f++ {
		pi := a.poolForFrame(f)
		if pi < 0 {
			continue
		}
		if !a.pools[pi].isFree(f) {
			continue
		}
		a.pools[pi].setReserved(f, true)
		a.reservedPages++
	}
}

// Stats reports the current total/free/reserved page counts.
type Stats struct {
	TotalPages    uint64
	FreePages     uint64
	ReservedPages uint64
}

// Stats returns a snapshot of allocator usage.
func (a *BitmapAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalPages:    a.totalPages,
		FreePages:     a.totalPages - a.reservedPages,
		ReservedPages: a.reservedPages,
	}
}
