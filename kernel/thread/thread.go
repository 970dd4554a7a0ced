// Package thread implements the thread object and context layer (spec
// component D): thread state, stack contexts, fork semantics for the
// futex layer's async continuation, and finished-thread cleanup.
//
// Grounded on original_source/kernel/System/Threading.c's
// ThreadingCreateThread: a thread's flags pick its address space kind, a
// trampoline runs its entry point, and on return the thread is marked
// FINISHED and handed to a reaper rather than torn down in place (spec
// design note: destruction is two-phase so no structure is freed while an
// index may still be dereferenced on another CPU — here, another
// goroutine).
package thread

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/valikernel/core/kernel/cpu"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/vmm"
	"github.com/valikernel/core/kernel/sched"
)

// Flag is a bitmask of thread creation flags and lifecycle state, mirroring
// THREADING_* from the historical kernel: some bits (Userspace, Inherit,
// CPUBound) only matter at creation time; others (Idle, Finished,
// Transition, EnterSleep) are state the thread accrues over its life.
type Flag uint32

const (
	FlagKernel Flag = 1 << iota
	FlagUserspace
	FlagInherit
	FlagCPUBound
	FlagIdle
	FlagFinished
	FlagTransition
	FlagEnterSleep
)

// Has reports whether f has every bit in want set.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Entry is a thread's body. It returns the thread's exit code.
type Entry func(arg any) int

// CreateOptions configures ThreadCreate (Table.Create).
type CreateOptions struct {
	Name      string
	Entry     Entry
	Arg       any
	Flags     Flag
	Affinity  cpu.AffinityMask
	StackSize mem.Size
	// Parent is required when Flags carries FlagInherit (the new space, or
	// the shared space, is derived from Parent.Space).
	Parent *Thread
}

// Thread is one schedulable unit of execution: identity, owning address
// space, stack contexts, and the scheduler object the scheduler package
// manipulates directly.
type Thread struct {
	ID       uuid.UUID
	ParentID uuid.UUID
	Name     string
	Space    *vmm.AddressSpace
	Obj      *sched.Object

	kernelStack stack
	userStack   stack // zero value if this is a kernel-only thread

	mu       sync.Mutex
	flags    Flag
	exitCode int
	done     chan struct{}
	signals  []Signal

	entry Entry
	arg   any
}

// Signal is one pending asynchronous notification queued for delivery the
// next time this thread returns to user mode (spec 4.H: "before resuming
// user mode, processes any queued asynchronous signals").
type Signal struct {
	Number uint32
	Arg    uintptr
}

// QueueSignal appends sig to the thread's pending list. Safe to call from
// any goroutine, including one acting on behalf of another thread
// (ThreadSignal).
func (t *Thread) QueueSignal(sig Signal) {
	t.mu.Lock()
	t.signals = append(t.signals, sig)
	t.mu.Unlock()
}

// DrainSignals removes and returns every signal queued since the last call,
// in FIFO order. The syscall dispatcher calls this once per return to user
// mode.
func (t *Thread) DrainSignals() []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.signals) == 0 {
		return nil
	}
	out := t.signals
	t.signals = nil
	return out
}

// HasFlag reports whether f is currently set on the thread.
func (t *Thread) HasFlag(f Flag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags.Has(f)
}

func (t *Thread) setFlag(f Flag) {
	t.mu.Lock()
	t.flags |= f
	t.mu.Unlock()
}

func (t *Thread) clearFlag(f Flag) {
	t.mu.Lock()
	t.flags &^= f
	t.mu.Unlock()
}

// ExitCode returns the thread's exit code; only meaningful once
// HasFlag(FlagFinished) is true.
func (t *Thread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// KernelStackTop returns the address execution begins at on the kernel
// stack (stacks grow down from the top).
func (t *Thread) KernelStackTop() uintptr { return t.kernelStack.top() }

// UserStackTop returns the address a usermode thread's user stack begins
// at, or 0 for a kernel-only thread.
func (t *Thread) UserStackTop() uintptr {
	if t.userStack.size == 0 {
		return 0
	}
	return t.userStack.top()
}

// run is the generic entry trampoline (spec: "on first schedule, calls
// entry(arg), sets FINISHED on return, and yields"). It is launched as its
// own goroutine by Table.Create — the hosted stand-in for "first schedule
// dispatches this thread".
func (t *Thread) run(table *Table) {
	code := t.entry(t.arg)
	table.finish(t, code)
}

// Table is the arena owning every live Thread: the spec's "global thread
// table" that everything else references by handle (t.ID) instead of by
// pointer, so destruction can be deferred to a reaper without dangling
// references elsewhere.
type Table struct {
	mu      sync.Mutex
	threads map[uuid.UUID]*Thread
	reaper  []uuid.UUID

	arch       vmm.Arch
	allocFrame vmm.FrameAllocatorFn
	freeFrame  vmm.FrameFreeFn
}

// NewTable returns an empty thread table. arch/allocFrame/freeFrame are
// forwarded to vmm.Create for every address space this table builds.
func NewTable(arch vmm.Arch, allocFrame vmm.FrameAllocatorFn, freeFrame vmm.FrameFreeFn) *Table {
	return &Table{
		threads:    make(map[uuid.UUID]*Thread),
		arch:       arch,
		allocFrame: allocFrame,
		freeFrame:  freeFrame,
	}
}

func (table *Table) add(t *Thread) {
	table.mu.Lock()
	table.threads[t.ID] = t
	table.mu.Unlock()
}

// Get looks up a thread by handle.
func (table *Table) Get(id uuid.UUID) (*Thread, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	t, ok := table.threads[id]
	if !ok {
		return nil, errors.New(errors.NotFound, "no thread %s", id)
	}
	return t, nil
}

// spaceForFlags resolves which address space a new thread should run in,
// per spec 4.D's KERNEL / USERMODE / USERMODE|INHERIT / INHERIT table.
func (table *Table) spaceForFlags(opts CreateOptions) (*vmm.AddressSpace, error) {
	switch {
	case opts.Flags.Has(FlagUserspace) && opts.Flags.Has(FlagInherit):
		if opts.Parent == nil {
			return nil, errors.New(errors.InvalidParam, "USERMODE|INHERIT requires a parent thread")
		}
		return vmm.Create(vmm.KindApplication|vmm.KindInherit, opts.Parent.Space, table.arch, table.allocFrame, table.freeFrame)
	case opts.Flags.Has(FlagUserspace):
		return vmm.Create(vmm.KindApplication, nil, table.arch, table.allocFrame, table.freeFrame)
	case opts.Flags.Has(FlagInherit):
		if opts.Parent == nil {
			return nil, errors.New(errors.InvalidParam, "INHERIT requires a parent thread")
		}
		return vmm.Create(vmm.KindInherit, opts.Parent.Space, table.arch, table.allocFrame, table.freeFrame)
	default:
		return vmm.Create(vmm.KindKernel, nil, table.arch, table.allocFrame, table.freeFrame)
	}
}

// Create implements ThreadCreate: it allocates a thread object, resolves
// its address space, builds its kernel (and, if USERMODE, user) stack
// context, registers it in the table, and launches its trampoline
// goroutine. The thread is returned not yet armed (Obj.Priority ==
// sched.NewPriority) — the caller is expected to hand Obj to a
// sched.Registry.ReadyThread to actually schedule it.
func (table *Table) Create(opts CreateOptions) (*Thread, error) {
	if opts.Entry == nil {
		return nil, errors.New(errors.InvalidParam, "thread entry must not be nil")
	}
	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	// Kernel stacks live in the shared kernel space; create it on first use.
	if _, ok := vmm.Kernel(); !ok {
		if _, err := vmm.Create(vmm.KindKernel, nil, table.arch, table.allocFrame, table.freeFrame); err != nil {
			return nil, err
		}
	}

	space, err := table.spaceForFlags(opts)
	if err != nil {
		return nil, err
	}

	kstack, err := newKernelStack(stackSize)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		ID:          uuid.New(),
		Name:        opts.Name,
		Space:       space,
		flags:       opts.Flags,
		kernelStack: kstack,
		entry:       opts.Entry,
		arg:         opts.Arg,
		done:        make(chan struct{}),
	}
	if opts.Parent != nil {
		t.ParentID = opts.Parent.ID
	}

	affinity := opts.Affinity
	if opts.Flags.Has(FlagCPUBound) && affinity == cpu.AffinityAny {
		affinity = 0
	}
	t.Obj = sched.NewObject(t.ID, affinity)

	if opts.Flags.Has(FlagUserspace) {
		ustack, err := newUserStack(space, stackSize)
		if err != nil {
			return nil, err
		}
		t.userStack = ustack
	}

	table.add(t)
	go t.run(table)
	return t, nil
}

// finish implements the trampoline's post-return contract: mark FINISHED,
// record the exit code, close the join latch, and move the thread to the
// reaper list. It never frees the thread's address space — that's
// Table.Reap's job, run from a non-holding context per spec 5's
// "Reaping" rule.
func (table *Table) finish(t *Thread, code int) {
	t.mu.Lock()
	t.exitCode = code
	t.flags |= FlagFinished
	t.mu.Unlock()
	close(t.done)

	table.mu.Lock()
	table.reaper = append(table.reaper, t.ID)
	table.mu.Unlock()
}

// Reap drains the list of finished threads and destroys their address
// spaces, returning the threads it reaped. Intended to be called
// periodically by a dedicated low-priority worker, never by the thread
// that just finished.
// Reap tears down every thread queued for cleanup since the last call,
// destroying each one's address space. A single space failing to destroy
// never stops the rest of the
// batch from reaping; every such failure is collected with multierr and
// returned together so a caller logs one combined error per sweep instead
// of only ever seeing the first.
func (table *Table) Reap() ([]*Thread, error) {
	table.mu.Lock()
	ids := table.reaper
	table.reaper = nil
	table.mu.Unlock()

	var errs error
	reaped := make([]*Thread, 0, len(ids))
	for _, id := range ids {
		table.mu.Lock()
		t := table.threads[id]
		delete(table.threads, id)
		table.mu.Unlock()
		if t == nil {
			continue
		}
		if err := t.Space.Destroy(); err != nil {
			errs = multierr.Append(errs, errors.Wrap(errors.Busy, err, "reap: destroying space for thread %s", t.ID))
		}
		reaped = append(reaped, t)
	}
	return reaped, errs
}

// Join implements ThreadJoin: it blocks the caller until t transitions to
// FINISHED or timeout elapses (timeout <= 0 waits forever), then returns
// its exit code.
func (t *Thread) Join(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-t.done
		return t.ExitCode(), nil
	}
	select {
	case <-t.done:
		return t.ExitCode(), nil
	case <-time.After(timeout):
		return 0, errors.New(errors.Timeout, "thread %s did not finish within %s", t.ID, timeout)
	}
}

// Fork implements ThreadFork: it clones the parent's kernel stack mapping
// into a fresh, independent stack region within the parent's own address
// space, spawns a new thread that shares that space (the "continuation")
// to run body, and returns errors.Forked — the sentinel the futex layer
// uses to know the primary thread should return to user space immediately
// while the continuation keeps running toward a block.
//
// Unlike every other error kind, Forked is not a failure: the returned
// *Thread is valid and its trampoline goroutine is already running, and the caller's async syscall
// path is expected to check errors.OfKind(err, errors.Forked) rather than
// err != nil.
func (table *Table) Fork(parent *Thread, body Entry, arg any) (*Thread, error) {
	kernel, ok := vmm.Kernel()
	if !ok {
		return nil, errors.New(errors.NotSupported, "kernel address space not initialized")
	}
	dstBase, err := kernel.Clone(parent.Space, parent.kernelStack.base, parent.kernelStack.size, vmm.FlagStack, vmm.PlacementGlobal)
	if err != nil {
		return nil, err
	}

	child := &Thread{
		ID:          uuid.New(),
		ParentID:    parent.ID,
		Name:        parent.Name + ":fork",
		Space:       parent.Space,
		flags:       parent.flags &^ (FlagFinished | FlagTransition | FlagEnterSleep),
		kernelStack: stack{base: dstBase, size: parent.kernelStack.size},
		entry:       body,
		arg:         arg,
		done:        make(chan struct{}),
	}
	child.Obj = sched.NewObject(child.ID, parent.Obj.Affinity)

	table.add(child)
	go child.run(table)

	return child, errors.Wrap(errors.Forked, nil, "forked continuation %s from %s", child.ID, parent.ID)
}
