package vmm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/pmm"
)

// accessMask is the subset of Flag bits a Region's caller is allowed to pick
// when attaching it into an address space; commit/persistence bits are
// always forced by AttachTo.
const accessMask = FlagUserspace | FlagReadOnly | FlagExecutable | FlagNoCache

// Region is a handle-identified, independently-owned set of physical pages
// that outlives any single address space and can be attached into more than
// one of them, producing independent virtual mappings over the same
// physical memory (spec: memory regions back shared-memory IPC attachments).
//
// Unlike a plain mapping, a Region's frames are freed only when the last
// attachment referencing it goes away, tracked here by refCount rather than
// by any one AddressSpace's bookkeeping.
type Region struct {
	mu sync.Mutex

	Handle uuid.UUID
	frames []pmm.Frame
	access Flag
	size   mem.Size

	refCount  int
	freeFrame FrameFreeFn
}

// NewRegion wraps frames (already allocated by the caller) as an attachable
// Region. access bounds the strongest permission any AttachTo call may
// request. The region is registered process-wide so a handle received
// across an IPC boundary (kernel/ipc) can be resolved back to its *Region.
func NewRegion(frames []pmm.Frame, access Flag, freeFn FrameFreeFn) *Region {
	cp := make([]pmm.Frame, len(frames))
	copy(cp, frames)
	r := &Region{
		Handle:    uuid.New(),
		frames:    cp,
		access:    access & accessMask,
		size:      mem.Size(len(frames)) * mem.PageSize,
		refCount:  1,
		freeFrame: freeFn,
	}
	regionRegistry.Store(r.Handle, r)
	return r
}

var regionRegistry sync.Map // uuid.UUID -> *Region

// LookupRegion resolves a region handle received from another context back
// to its *Region, for the IPC layer's SHM parameter delivery.
func LookupRegion(handle uuid.UUID) (*Region, bool) {
	v, ok := regionRegistry.Load(handle)
	if !ok {
		return nil, false
	}
	return v.(*Region), true
}

// Size returns the region's size in bytes.
func (r *Region) Size() mem.Size {
	return r.size
}

// Frames returns a copy of the region's backing physical frames.
func (r *Region) Frames() []pmm.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]pmm.Frame, len(r.frames))
	copy(cp, r.frames)
	return cp
}

// AttachTo maps the region's frames into space, producing a new virtual
// mapping that shares the underlying physical pages with every other
// attachment of this region. requested is masked down to the region's
// access bound; the resulting mapping is always FlagCommit|FlagPersistent
// since the region, not the mapping, owns the frames.
func (r *Region) AttachTo(space *AddressSpace, requested Flag, placement Placement, hint uintptr) (Page, error) {
	r.mu.Lock()
	frames := make([]pmm.Frame, len(r.frames))
	copy(frames, r.frames)
	r.refCount++
	r.mu.Unlock()

	opts := MapOptions{
		Hint:      hint,
		Length:    r.size,
		Flags:     (requested & r.access) | FlagCommit | FlagPersistent | FlagDomain,
		Placement: placement,
	}
	page, err := space.mapFrames(opts, frames)
	if err != nil {
		r.mu.Lock()
		r.refCount--
		r.mu.Unlock()
		return 0, err
	}
	return page, nil
}

// Detach drops one reference to the region, freeing its physical frames
// once the last attachment (and the creator's own initial reference) has
// gone.
func (r *Region) Detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refCount <= 0 {
		return errors.New(errors.InvalidParam, "region %s already fully detached", r.Handle)
	}
	r.refCount--
	if r.refCount > 0 {
		return nil
	}
	for _, f := range r.frames {
		r.freeFrame(f, 1)
	}
	r.frames = nil
	regionRegistry.Delete(r.Handle)
	return nil
}

// RefCount returns the number of live references (creator plus attachments)
// to the region.
func (r *Region) RefCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refCount
}
