// Package vmm implements the address-space engine (spec component C):
// page-table manipulation and map/unmap/commit/protect/clone/query over
// virtual regions, plus the shared-memory Region type regions are exported
// as.
//
// Lock order (grounded on the lock-order discipline documented by
// pkg/sentry/mm in the gVisor retrieval pack): AddressSpace.mu is always
// acquired before heapPool mutation and released before calling into Arch,
// so Arch callbacks never run with the space lock held.
package vmm

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/pmm"
)

// FrameAllocatorFn allocates count contiguous physical frames.
type FrameAllocatorFn func(mask pmm.AllocMask, count uint64) (pmm.Frame, error)

// FrameFreeFn releases count physical frames starting at start.
type FrameFreeFn func(start pmm.Frame, count uint64)

// UserHeapBase and UserHeapSize bound the virtual range each user address
// space auto-places mappings within; KernelHeapBase/KernelHeapSize do the
// same for PlacementGlobal requests and the kernel space itself.
const (
	UserHeapBase   = Page(0x1000)
	UserHeapSize   = 512 * mem.Mb
	KernelHeapBase = Page(0x1_0000_0000 >> mem.PageShift)
	KernelHeapSize = 512 * mem.Mb
)

type pageEntry struct {
	frame     pmm.Frame // pmm.InvalidFrame if reserved-only
	flags     Flag
	inherited bool // copied from kernel/parent; never owned, never freed here
}

type mappingInfo struct {
	base  Page
	pages uint64
	flags Flag
	pool  *heapPool // non-nil if base/pages came from a heap pool, for release on Unmap
}

// Descriptor reports the attributes of the mapping containing a queried
// page.
type Descriptor struct {
	Base  Page
	Pages uint64
	Flags Flag
}

// MapOptions configures a single Map/MapContiguous/MapReserved/Clone call.
type MapOptions struct {
	// Hint is the exact virtual address to use when Placement is
	// PlacementFixed; ignored otherwise.
	Hint uintptr
	// Length is the size of the mapping in bytes, rounded up to a whole
	// number of pages.
	Length mem.Size
	// Flags are the mapping attributes (FlagCommit, FlagUserspace, ...).
	Flags Flag
	// Placement selects how Hint is interpreted / where auto-placement
	// looks for free virtual space.
	Placement Placement
}

var (
	kernelSpaceOnce sync.Once
	kernelSpace     *AddressSpace

	nextRoot uintptr
)

// AddressSpace owns a (simulated) root page table, a heap pool for
// auto-placed mappings, and the set of page entries mapped into it. All
// mutations go through mu, matching the spec's "address-space mutations by a
// per-space mutex" concurrency rule.
type AddressSpace struct {
	mu       sync.Mutex
	kind     Kind
	refCount int32

	arch       Arch
	allocFrame FrameAllocatorFn
	freeFrame  FrameFreeFn

	heap     *heapPool
	entries  map[Page]*pageEntry
	mappings []*mappingInfo
	handlers map[uintptr]MappingHandler

	root uintptr // opaque root-table identity passed to Arch
}

// MappingHandler is invoked by the fault/signal delivery path (outside this
// package's scope) when a userspace fault occurs at the address it was
// registered for.
type MappingHandler func(fault Page) error

// Create returns an address space for the given kind. KindKernel returns the
// process-wide kernel singleton (creating it on first use). KindInherit
// without KindApplication shares parent's address space outright (the
// "INHERIT only" thread flag in spec section 4.D). Otherwise a fresh
// application space is created; its low entries are seeded from the kernel
// singleton's entries (always) and, if KindInherit is also set, from
// parent's entries too — both sets are marked inherited so this space's
// Destroy never frees frames it doesn't own.
func Create(kind Kind, parent *AddressSpace, arch Arch, allocFn FrameAllocatorFn, freeFn FrameFreeFn) (*AddressSpace, error) {
	if kind.Has(KindKernel) {
		kernelSpaceOnce.Do(func() {
			kernelSpace = newSpace(KindKernel, arch, allocFn, freeFn, KernelHeapBase, KernelHeapSize)
			kernelSpace.refCount = 1
		})
		atomic.AddInt32(&kernelSpace.refCount, 1)
		return kernelSpace, nil
	}

	if kind.Has(KindInherit) && !kind.Has(KindApplication) {
		if parent == nil {
			return nil, errors.New(errors.InvalidParam, "INHERIT-only address space requires a parent")
		}
		atomic.AddInt32(&parent.refCount, 1)
		return parent, nil
	}

	space := newSpace(KindApplication, arch, allocFn, freeFn, UserHeapBase, UserHeapSize)
	space.refCount = 1

	if kernelSpace != nil {
		mirrorEntries(kernelSpace, space)
	}
	if kind.Has(KindInherit) {
		if parent == nil {
			return nil, errors.New(errors.InvalidParam, "INHERIT address space requires a parent")
		}
		mirrorEntries(parent, space)
	}

	return space, nil
}

func newSpace(kind Kind, arch Arch, allocFn FrameAllocatorFn, freeFn FrameFreeFn, heapBase Page, heapSize mem.Size) *AddressSpace {
	return &AddressSpace{
		kind:       kind,
		arch:       arch,
		allocFrame: allocFn,
		freeFrame:  freeFn,
		heap:       newHeapPool(heapBase, heapSize),
		entries:    make(map[Page]*pageEntry),
		handlers:   make(map[uintptr]MappingHandler),
		root:       atomic.AddUintptr(&nextRoot, 1),
	}
}

func mirrorEntries(src, dst *AddressSpace) {
	src.mu.Lock()
	defer src.mu.Unlock()
	for page, e := range src.entries {
		dst.entries[page] = &pageEntry{frame: e.frame, flags: e.flags, inherited: true}
	}
}

// Destroy decrements the reference count; at zero it frees every
// non-persistent, non-inherited committed frame this space owns and
// releases the space's bookkeeping structures. The kernel singleton is
// never actually torn down (its ref count never legitimately reaches zero
// while the system is up).
func (s *AddressSpace) Destroy() error {
	if atomic.AddInt32(&s.refCount, -1) > 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.inherited || !e.frame.IsValid() {
			continue
		}
		if e.flags.Has(FlagPersistent) {
			continue
		}
		s.freeFrame(e.frame, 1)
	}
	s.entries = nil
	s.mappings = nil
	return nil
}

// Switch installs this space as the active one via Arch. The caller is
// responsible for pinning the calling CPU for the duration of the switch.
func (s *AddressSpace) Switch() {
	s.arch.Install(s.root)
}

// maskForFlags derives a frame-allocator mask from mapping flags.
func maskForFlags(flags Flag) pmm.AllocMask {
	if flags.Has(FlagLowFirst) {
		return pmm.AllocMaskLow32
	}
	return pmm.AllocMaskAny
}

// Map establishes a new mapping per opts and returns its base virtual page.
func (s *AddressSpace) Map(opts MapOptions) (Page, error) {
	return s.mapInternal(opts, nil, pmm.InvalidFrame)
}

// MapContiguous behaves like Map but backs the mapping with a caller-chosen
// contiguous physical run starting at startFrame instead of allocating one.
func (s *AddressSpace) MapContiguous(opts MapOptions, startFrame pmm.Frame) (Page, error) {
	opts.Flags |= FlagCommit
	return s.mapInternal(opts, nil, startFrame)
}

// MapReserved records opts.Length as claimed virtual space with no physical
// backing; future auto-placement will skip it.
func (s *AddressSpace) MapReserved(opts MapOptions) (Page, error) {
	opts.Flags &^= FlagCommit
	return s.mapInternal(opts, nil, pmm.InvalidFrame)
}

// mapFrames installs an explicit per-page frame vector (used by Clone and by
// Region.AttachTo, where the caller already knows which physical pages back
// the mapping).
func (s *AddressSpace) mapFrames(opts MapOptions, frames []pmm.Frame) (Page, error) {
	return s.mapInternal(opts, frames, pmm.InvalidFrame)
}

func (s *AddressSpace) mapInternal(opts MapOptions, explicitFrames []pmm.Frame, contigStart pmm.Frame) (Page, error) {
	if opts.Length == 0 {
		return 0, errors.New(errors.InvalidParam, "mapping length must be > 0")
	}
	pages := opts.Length.Pages()

	s.mu.Lock()

	var base Page
	var pool *heapPool

	switch opts.Placement {
	case PlacementFixed:
		base = PageFromAddress(opts.Hint)
		for p := base; p < base+Page(pages); p++ {
			if e, ok := s.entries[p]; ok && e.frame.IsValid() {
				s.mu.Unlock()
				return 0, errors.New(errors.Exists, "fixed range at 0x%x already committed", opts.Hint)
			}
		}
		// If the fixed range falls inside this space's own heap pool, carve
		// it out so a later auto-placed Map can't hand out overlapping
		// virtual addresses; a fixed hint outside the pool's range (the
		// common case for low, pool-independent mappings) just leaves the
		// pool untouched.
		if s.heap != nil && s.heap.reserveAt(base, pages) {
			pool = s.heap
		}
	case PlacementGlobal:
		pool = kernelSpace.heap
		var ok bool
		base, ok = pool.reserve(pages)
		if !ok {
			s.mu.Unlock()
			return 0, errors.New(errors.OutOfMemory, "no global virtual space for %d page(s)", pages)
		}
	default: // PlacementProcess, PlacementThread
		pool = s.heap
		var ok bool
		base, ok = pool.reserve(pages)
		if !ok {
			s.mu.Unlock()
			return 0, errors.New(errors.OutOfMemory, "no virtual space for %d page(s)", pages)
		}
	}

	frames := make([]pmm.Frame, pages)
	switch {
	case explicitFrames != nil:
		copy(frames, explicitFrames)
	case contigStart.IsValid():
		for i := range frames {
			frames[i] = contigStart + pmm.Frame(i)
		}
	case opts.Flags.Has(FlagCommit):
		mask := maskForFlags(opts.Flags)
		for i := range frames {
			f, err := s.allocFrame(mask, 1)
			if err != nil {
				// Roll back any frames already allocated this call.
				for j := 0; j < i; j++ {
					s.freeFrame(frames[j], 1)
				}
				if pool != nil {
					pool.release(base, pages)
				}
				s.mu.Unlock()
				return 0, err
			}
			frames[i] = f
		}
	default:
		for i := range frames {
			frames[i] = pmm.InvalidFrame
		}
	}

	for i := Page(0); i < Page(pages); i++ {
		s.entries[base+i] = &pageEntry{frame: frames[i], flags: opts.Flags}
	}
	s.mappings = append(s.mappings, &mappingInfo{base: base, pages: pages, flags: opts.Flags, pool: pool})

	s.mu.Unlock()
	s.arch.InvalidateAll()

	return base, nil
}

// Unmap invalidates the entries covering [page, page+length) and frees their
// backing frames unless the entry is PERSISTENT or inherited. The
// corresponding heap extent, if any, is returned to the owning pool.
func (s *AddressSpace) Unmap(page Page, length mem.Size) error {
	pages := length.Pages()

	s.mu.Lock()

	var mi *mappingInfo
	for _, m := range s.mappings {
		if m.base == page {
			mi = m
			break
		}
	}

	for p := page; p < page+Page(pages); p++ {
		e, ok := s.entries[p]
		if !ok {
			continue
		}
		if !e.inherited && e.frame.IsValid() && !e.flags.Has(FlagPersistent) {
			s.freeFrame(e.frame, 1)
		}
		delete(s.entries, p)
	}

	if mi != nil {
		if mi.pool != nil {
			mi.pool.release(mi.base, mi.pages)
		}
		filtered := s.mappings[:0]
		for _, m := range s.mappings {
			if m != mi {
				filtered = append(filtered, m)
			}
		}
		s.mappings = filtered
	}

	s.mu.Unlock()
	s.arch.InvalidateAll()
	return nil
}

// Commit backs every currently-reserved page in [page, page+length) with a
// physical frame: either the corresponding entry of paddrs (if non-nil) or a
// freshly allocated one.
func (s *AddressSpace) Commit(page Page, length mem.Size, paddrs []pmm.Frame) error {
	pages := length.Pages()

	s.mu.Lock()

	for i := uint64(0); i < pages; i++ {
		p := page + Page(i)
		e, ok := s.entries[p]
		if !ok {
			s.mu.Unlock()
			return errors.New(errors.NotFound, "no reservation at page 0x%x", p.Address())
		}
		if e.frame.IsValid() {
			continue
		}

		if paddrs != nil {
			e.frame = paddrs[i]
		} else {
			f, err := s.allocFrame(maskForFlags(e.flags), 1)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			e.frame = f
		}
		e.flags |= FlagCommit
	}

	s.mu.Unlock()
	s.arch.InvalidateAll()
	return nil
}

// ChangeProtection overwrites the protection-relevant flags for every page
// in [page, page+length) with attrs (preserving FlagCommit/FlagPersistent
// from the existing entries) and returns the flags the first page held
// beforehand.
func (s *AddressSpace) ChangeProtection(page Page, length mem.Size, attrs Flag) (Flag, error) {
	pages := length.Pages()

	s.mu.Lock()

	var prev Flag
	for i := uint64(0); i < pages; i++ {
		p := page + Page(i)
		e, ok := s.entries[p]
		if !ok {
			s.mu.Unlock()
			return 0, errors.New(errors.NotFound, "no mapping at page 0x%x", p.Address())
		}
		if i == 0 {
			prev = e.flags
		}
		carry := e.flags & (FlagCommit | FlagPersistent)
		e.flags = attrs | carry
	}

	for _, m := range s.mappings {
		if page < m.base+Page(m.pages) && page+Page(pages) > m.base {
			m.flags = attrs | (m.flags & (FlagCommit | FlagPersistent))
		}
	}

	s.mu.Unlock()
	s.arch.InvalidateAll()
	return prev, nil
}

// Clone creates in dst a COMMIT+PERSISTENT mapping over the same physical
// pages as [srcPage, srcPage+length) in s. The source range must already be
// fully committed.
func (s *AddressSpace) Clone(dst *AddressSpace, srcPage Page, length mem.Size, flags Flag, placement Placement) (Page, error) {
	frames, err := s.GetMapping(srcPage, int(length.Pages()))
	if err != nil {
		return 0, err
	}
	for _, f := range frames {
		if f == 0 {
			return 0, errors.New(errors.InvalidParam, "cannot clone an unmapped source page")
		}
	}

	// Translate the spec's "0 for unbacked" sentinel back to real frame
	// numbers for mapFrames' consumption (every entry is non-zero here).
	backing := make([]pmm.Frame, len(frames))
	for i, f := range frames {
		backing[i] = pmm.Frame(f)
	}

	opts := MapOptions{Length: length, Flags: flags | FlagCommit | FlagPersistent, Placement: placement}
	return dst.mapFrames(opts, backing)
}

// GetMapping scatter-gathers the backing frames for [page, page+nPages),
// reporting 0 for any page that is unbacked.
func (s *AddressSpace) GetMapping(page Page, nPages int) ([]pmm.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pmm.Frame, nPages)
	for i := 0; i < nPages; i++ {
		p := page + Page(i)
		e, ok := s.entries[p]
		if !ok || !e.frame.IsValid() {
			out[i] = 0
			continue
		}
		out[i] = e.frame
	}
	return out, nil
}

// Query reports the base, size and attributes of the mapping containing
// page.
func (s *AddressSpace) Query(page Page) (Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.mappings {
		if page >= m.base && page < m.base+Page(m.pages) {
			return Descriptor{Base: m.base, Pages: m.pages, Flags: m.flags}, nil
		}
	}
	return Descriptor{}, errors.New(errors.NotFound, "no mapping contains page 0x%x", page.Address())
}

// RegisterHandler installs a fault/signal delivery handler for vaddr.
func (s *AddressSpace) RegisterHandler(vaddr uintptr, h MappingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[vaddr] = h
}

// Handler returns the handler registered for vaddr, if any.
func (s *AddressSpace) Handler(vaddr uintptr) (MappingHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[vaddr]
	return h, ok
}

// RefCount returns the current reference count, for tests and diagnostics.
func (s *AddressSpace) RefCount() int32 {
	return atomic.LoadInt32(&s.refCount)
}

// Kind returns the address space's kind bitmask.
func (s *AddressSpace) Kind() Kind {
	return s.kind
}

// ContextID returns a value stable for the lifetime of this address space
// and distinct from every other live space, for use as the "context" half
// of a PRIVATE futex key. It is the space's own identity, not its root
// table pointer, so it stays valid even if a future Arch swaps page tables
// under the same AddressSpace.
func (s *AddressSpace) ContextID() uintptr {
	return uintptr(unsafe.Pointer(s))
}

// Kernel returns the process-wide kernel address space singleton without
// affecting its reference count, for collaborators (like kernel/thread)
// that need to map into shared kernel space without taking ownership of its
// lifetime. ok is false before the first Create(KindKernel, ...) call.
func Kernel() (space *AddressSpace, ok bool) {
	return kernelSpace, kernelSpace != nil
}

// ResetKernelSpaceForTest clears the process-wide kernel singleton so tests
// can start from a clean state. Not for use outside tests.
func ResetKernelSpaceForTest() {
	kernelSpaceOnce = sync.Once{}
	kernelSpace = nil
}
