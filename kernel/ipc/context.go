package ipc

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem/vmm"
)

// Context owns one stream buffer (a plain in-process byte ring) and the
// notify-handle bookkeeping Send/Respond use to rendezvous a reply with the
// call that is waiting for it (spec 3: "Per owner thread: a handle, a
// memory region ..., and addressing metadata").
type Context struct {
	Handle          uuid.UUID
	CreatorThreadID uuid.UUID
	Space           *vmm.AddressSpace

	buffer *StreamBuffer

	mu      sync.Mutex
	pending map[uuid.UUID]chan []Param
}

// NewContext allocates a context with its own in-process stream buffer of the
// given byte capacity and records space (the owner thread's address space) as
// the space SHM parameters sent to it are attached into. The buffer itself is
// not mapped into any address space.
func NewContext(creatorThreadID uuid.UUID, space *vmm.AddressSpace, capacity int) *Context {
	return &Context{
		Handle:          uuid.New(),
		CreatorThreadID: creatorThreadID,
		Space:           space,
		buffer:          NewStreamBuffer(capacity),
		pending:         make(map[uuid.UUID]chan []Param),
	}
}

// Registry resolves context handles to *Context, the "destination handle"
// lookup Send performs (spec 4.G step 1).
type Registry struct {
	mu       sync.Mutex
	contexts map[uuid.UUID]*Context
}

// NewRegistry returns an empty context registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[uuid.UUID]*Context)}
}

// Create allocates a context and registers it.
func (r *Registry) Create(creatorThreadID uuid.UUID, space *vmm.AddressSpace, capacity int) *Context {
	ctx := NewContext(creatorThreadID, space, capacity)
	r.mu.Lock()
	r.contexts[ctx.Handle] = ctx
	r.mu.Unlock()
	return ctx
}

// Get resolves handle to its Context, or NotFound.
func (r *Registry) Get(handle uuid.UUID) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[handle]
	if !ok {
		return nil, errors.New(errors.NotFound, "no ipc context %s", handle)
	}
	return ctx, nil
}

// Destroy closes and unregisters a context's stream buffer.
func (r *Registry) Destroy(handle uuid.UUID) error {
	r.mu.Lock()
	ctx, ok := r.contexts[handle]
	delete(r.contexts, handle)
	r.mu.Unlock()
	if !ok {
		return errors.New(errors.NotFound, "no ipc context %s", handle)
	}
	ctx.buffer.Close()
	return nil
}

// attachSHMParams clones every ParamSHM's region into dest's address space,
// keeping the parameter's *Region reference (shared by sender and recipient)
// and recording the recipient-side page address as Offset (spec 4.G step 3, SHM case:
// "replace the pointer with the new recipient-side pointer").
func attachSHMParams(msg *Message, dest *Context) error {
	for i := range msg.Params {
		p := &msg.Params[i]
		if p.Type != ParamSHM {
			continue
		}
		if p.SHM.Region == nil {
			return errors.New(errors.NotFound, "shm parameter references an unknown region")
		}
		page, err := p.SHM.Region.AttachTo(dest.Space, vmm.FlagReadOnly, vmm.PlacementProcess, 0)
		if err != nil {
			return err
		}
		p.SHM.Offset = uint64(page.Address())
	}
	return nil
}

func detachSHMParams(msg *Message) {
	for i := range msg.Params {
		if msg.Params[i].Type == ParamSHM && msg.Params[i].SHM.Region != nil {
			_ = msg.Params[i].SHM.Region.Detach()
		}
	}
}

// Send implements the send path against one destination (spec 4.G steps
// 1-5): resolve dest, clone SHM parameters into dest's space,
// reserve+write+commit the wire packet, and — unless FlagAsync is set — block on a
// reply until Respond signals it or deadline passes.
//
// On any failure after the packet has been committed, the reservation
// cannot be un-committed (the stream buffer has no rollback), so the
// invariant "a failed send never leaves partial state visible" is upheld
// one step earlier instead: SHM attachment happens before WritePacket, so a
// failed attach never commits a packet at all.
func (ctx *Context) Send(registry *Registry, destHandle uuid.UUID, msg *Message, deadline time.Time) (*Message, error) {
	dest, err := registry.Get(destHandle)
	if err != nil {
		return nil, err
	}

	async := msg.Base.Flags&FlagAsync != 0
	var replyCh chan []Param
	if !async {
		replyCh = make(chan []Param, 1)
		msg.Response.NotifyHandle = uuid.New()
		msg.Response.DMAHandle = ctx.Handle
		msg.Response.Method = NotifyThreadWake

		ctx.mu.Lock()
		ctx.pending[msg.Response.NotifyHandle] = replyCh
		ctx.mu.Unlock()
	}

	if err := attachSHMParams(msg, dest); err != nil {
		if !async {
			ctx.mu.Lock()
			delete(ctx.pending, msg.Response.NotifyHandle)
			ctx.mu.Unlock()
		}
		return nil, err
	}

	wire, err := encodeMessage(msg, dest.buffer.Capacity()-headerSize)
	if err != nil {
		detachSHMParams(msg)
		return nil, err
	}

	if err := dest.buffer.WritePacket(wire, deadline); err != nil {
		detachSHMParams(msg)
		if !async {
			ctx.mu.Lock()
			delete(ctx.pending, msg.Response.NotifyHandle)
			ctx.mu.Unlock()
		}
		return nil, err
	}

	if async {
		return nil, nil
	}

	var timeoutC <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case out := <-replyCh:
		ctx.mu.Lock()
		delete(ctx.pending, msg.Response.NotifyHandle)
		ctx.mu.Unlock()
		return &Message{Base: msg.Base, Params: out}, nil
	case <-timeoutC:
		ctx.mu.Lock()
		delete(ctx.pending, msg.Response.NotifyHandle)
		ctx.mu.Unlock()
		return nil, errors.New(errors.Timeout, "ipc send to %s timed out awaiting reply", destHandle)
	}
}

// Recv pulls and decodes the next message committed to ctx's own stream
// buffer, blocking until one is available or deadline passes.
func (ctx *Context) Recv(deadline time.Time) (*Message, error) {
	wire, err := ctx.buffer.ReadPacket(deadline)
	if err != nil {
		return nil, err
	}
	return decodeMessage(wire)
}

// Respond implements the respond path (spec 4.G): deliver outParams to
// whichever Send call is waiting on msg's notify handle. CleanupMessage
// must still be called by the recipient once outParams have been consumed.
func Respond(registry *Registry, msg *Message, outParams []Param) error {
	sender, err := registry.Get(msg.Response.DMAHandle)
	if err != nil {
		return err
	}

	sender.mu.Lock()
	ch, ok := sender.pending[msg.Response.NotifyHandle]
	sender.mu.Unlock()
	if !ok {
		return errors.New(errors.NotFound, "no pending send awaiting notify handle %s", msg.Response.NotifyHandle)
	}

	select {
	case ch <- outParams:
	default:
	}
	return nil
}

// CleanupMessage detaches every SHM parameter's recipient-side mapping,
// matching the invariant that SHM parameters "remain mapped in the
// recipient until the recipient's CleanupMessage unmaps them".
func CleanupMessage(msg *Message) {
	detachSHMParams(msg)
}
