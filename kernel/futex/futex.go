// Package futex implements the keyed wait-queue layer (spec component F):
// compare-and-block on a user-visible int32, op-and-wake, and the
// PRIVATE/SHARED key derivation that lets unrelated address spaces share a
// futex keyed by physical page.
//
// Grounded on _examples/original_source/kernel/sync/futex.c: a 64-bucket
// hash table of per-address wait items, a waiter count incremented before
// the compare-and-block re-check (so a concurrent Wake can never miss a
// waiter that has already passed its own check), and a bounded backoff
// retry recovering the case where a waiter's count transitions 0→nonzero
// between the snapshot and the pop loop.
package futex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem/vmm"
	"github.com/valikernel/core/kernel/sched"
)

const bucketCount = 64

// Flag mirrors FUTEX_FLAG_*.
type Flag uint32

const (
	// FlagPrivate keys the futex by (address space, virtual address)
	// instead of resolving to a physical frame. Cheaper, but only visible
	// within the address space that created it.
	FlagPrivate Flag = 1 << iota
	// FlagOp marks a Wait call that also carries a WakeOpSpec to apply and
	// fire before blocking.
	FlagOp
)

// Has reports whether f has every bit in want set.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Op identifies a WakeOp's read-modify-write operation on the second word.
type Op int

const (
	OpSet Op = iota
	OpAdd
	OpOr
	OpAndN
	OpXor
)

// Predicate identifies a WakeOp's comparison against the futex's value
// before the operation was applied.
type Predicate int

const (
	PredEQ Predicate = iota
	PredNE
	PredLT
	PredLE
	PredGT
	PredGE
)

// Operation bundles a WakeOp's modify step and its wake predicate — the
// unpacked equivalent of the historical bit-packed 32-bit operation word.
type Operation struct {
	Op    Op
	Value int32
	Pred  Predicate
	Cmp   int32
}

func applyOp(addr *int32, op Operation) {
	switch op.Op {
	case OpSet:
		atomic.StoreInt32(addr, op.Value)
	case OpAdd:
		atomic.AddInt32(addr, op.Value)
	case OpOr:
		for {
			old := atomic.LoadInt32(addr)
			if atomic.CompareAndSwapInt32(addr, old, old|op.Value) {
				return
			}
		}
	case OpAndN:
		for {
			old := atomic.LoadInt32(addr)
			if atomic.CompareAndSwapInt32(addr, old, old&^op.Value) {
				return
			}
		}
	case OpXor:
		for {
			old := atomic.LoadInt32(addr)
			if atomic.CompareAndSwapInt32(addr, old, old^op.Value) {
				return
			}
		}
	}
}

func comparePredicate(initial int32, op Operation) bool {
	switch op.Pred {
	case PredEQ:
		return initial == op.Cmp
	case PredNE:
		return initial != op.Cmp
	case PredLT:
		return initial < op.Cmp
	case PredLE:
		return initial <= op.Cmp
	case PredGT:
		return initial > op.Cmp
	case PredGE:
		return initial >= op.Cmp
	default:
		return false
	}
}

// Result reports why Wait returned.
type Result int

const (
	ResultOK Result = iota
	ResultInterrupted
	ResultTimeout
	// ResultForked means Wait handed the rest of the wait off to a forked
	// continuation and returned immediately; the caller must treat this as
	// a success-with-fork, not a failure (errors.Forked).
	ResultForked
	ResultNotSupported
)

// Key identifies one futex: context is 0 for SHARED (physical-frame-keyed)
// futexes and an address-space identity for PRIVATE ones.
type Key struct {
	context uintptr
	addr    uintptr
}

func hashKey(k Key) uint64 {
	x := uint64(k.context) ^ uint64(k.addr)*0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

type item struct {
	key Key

	mu      sync.Mutex
	queue   []*sched.Object
	waiters int32
}

func (it *item) removeLocked(obj *sched.Object) {
	for i, o := range it.queue {
		if o == obj {
			it.queue = append(it.queue[:i], it.queue[i+1:]...)
			return
		}
	}
}

type bucket struct {
	mu    sync.Mutex
	items map[Key]*item
}

// Table is the hashed 64-bucket futex table, one per kernel instance.
type Table struct {
	buckets [bucketCount]*bucket
}

// NewTable returns an empty futex table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = &bucket{items: make(map[Key]*item)}
	}
	return t
}

func (t *Table) bucketFor(k Key) *bucket {
	return t.buckets[hashKey(k)&(bucketCount-1)]
}

func (t *Table) getOrCreate(k Key) *item {
	b := t.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[k]
	if !ok {
		it = &item{key: k}
		b.items[k] = it
	}
	return it
}

func (t *Table) lookup(k Key) (*item, bool) {
	b := t.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[k]
	return it, ok
}

func keyFor(space *vmm.AddressSpace, addr *int32, flags Flag) (Key, error) {
	vaddr := uintptr(unsafe.Pointer(addr))
	if flags.Has(FlagPrivate) {
		return Key{context: space.ContextID(), addr: vaddr}, nil
	}

	frames, err := space.GetMapping(vmm.PageFromAddress(vaddr), 1)
	if err != nil {
		return Key{}, err
	}
	if frames[0] == 0 {
		return Key{}, errors.New(errors.NotFound, "futex address is not mapped")
	}
	return Key{context: 0, addr: uintptr(frames[0].Address())}, nil
}

// WakeOpSpec carries the optional op-and-wake side effect a Wait call may
// perform on a second address right before it blocks (spec 4.F step 5).
type WakeOpSpec struct {
	Addr2  *int32
	Count2 int
	Op     Operation
}

// ForkFn mirrors ThreadFork for an async syscall context: when non-nil,
// Wait hands continuation to it instead of blocking the calling goroutine
// directly. A nil error means the fork succeeded and continuation has been
// (or will be) run on the forked thread; Wait then returns ResultForked.
type ForkFn func(continuation func()) error

// Wait implements FutexWait. deadline's zero value means wait forever.
func (t *Table) Wait(space *vmm.AddressSpace, obj *sched.Object, addr *int32, expected int32, flags Flag, wakeOp *WakeOpSpec, deadline time.Time, fork ForkFn) (Result, error) {
	key, err := keyFor(space, addr, flags)
	if err != nil {
		return ResultNotSupported, err
	}
	it := t.getOrCreate(key)
	atomic.AddInt32(&it.waiters, 1)

	if fork != nil {
		err := fork(func() {
			t.checkAndBlock(it, obj, addr, expected, flags, space, wakeOp, deadline)
		})
		if err != nil {
			atomic.AddInt32(&it.waiters, -1)
			return ResultNotSupported, err
		}
		return ResultForked, errors.New(errors.Forked, "futex wait forked a continuation")
	}

	return t.checkAndBlock(it, obj, addr, expected, flags, space, wakeOp, deadline), nil
}

// checkAndBlock is the re-check/enqueue/block/dequeue-on-timeout sequence
// shared by the synchronous path and a forked continuation. It always
// balances the waiters increment Wait performed before calling it.
func (t *Table) checkAndBlock(it *item, obj *sched.Object, addr *int32, expected int32, flags Flag, space *vmm.AddressSpace, wakeOp *WakeOpSpec, deadline time.Time) Result {
	if atomic.LoadInt32(addr) != expected {
		atomic.AddInt32(&it.waiters, -1)
		return ResultInterrupted
	}

	it.mu.Lock()
	it.queue = append(it.queue, obj)
	it.mu.Unlock()

	if flags.Has(FlagOp) && wakeOp != nil {
		applyOp(wakeOp.Addr2, wakeOp.Op)
		_, _ = t.Wake(space, wakeOp.Addr2, wakeOp.Count2, flags)
	}

	result := sched.Block(obj, deadline)
	atomic.AddInt32(&it.waiters, -1)

	if result == sched.BlockTimeout {
		it.mu.Lock()
		it.removeLocked(obj)
		it.mu.Unlock()
		return ResultTimeout
	}
	return ResultOK
}

func (t *Table) popWaiters(it *item, count int) int {
	woken := 0
	it.mu.Lock()
	for woken < count && len(it.queue) > 0 {
		obj := it.queue[0]
		it.queue = it.queue[1:]
		it.mu.Unlock()
		sched.QueueObject(obj)
		woken++
		it.mu.Lock()
	}
	it.mu.Unlock()
	return woken
}

// Wake implements FutexWake: it pops up to count waiters from the item
// keyed by addr and re-queues them. Returns NotFound if nothing has ever
// waited at addr.
func (t *Table) Wake(space *vmm.AddressSpace, addr *int32, count int, flags Flag) (int, error) {
	key, err := keyFor(space, addr, flags)
	if err != nil {
		return 0, err
	}
	it, ok := t.lookup(key)
	if !ok {
		return 0, errors.New(errors.NotFound, "no futex registered at the given address")
	}

	snapshot := atomic.LoadInt32(&it.waiters)
	woken := t.popWaiters(it, count)

	// A waiter may have incremented it.waiters and be mid-enqueue when the
	// snapshot above was taken as 0; atomic.LoadInt32 seeing it nonzero now
	// is the signal that such a waiter is in flight. Rather than a
	// hand-rolled spin/sleep retry, give that race a short
	// exponential-backoff window to resolve: each attempt re-pops whatever
	// has landed in the queue since the last look, backing off further
	// each time it still finds nothing. An ordinary Wake with nobody ever
	// waiting never enters this block.
	if snapshot == 0 && woken < count && atomic.LoadInt32(&it.waiters) != 0 {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Microsecond
		bo.MaxInterval = 500 * time.Microsecond
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
		defer cancel()

		extra, err := backoff.Retry(ctx, func() (int, error) {
			if atomic.LoadInt32(&it.waiters) == 0 {
				return 0, errors.New(errors.NotFound, "no late waiter arrived")
			}
			if got := t.popWaiters(it, count-woken); got > 0 {
				return got, nil
			}
			return 0, errors.New(errors.NotFound, "no late waiter arrived")
		}, backoff.WithBackOff(bo))
		if err == nil {
			woken += extra
		}
	}
	return woken, nil
}

// WakeOp implements FutexWakeOperation: apply op to *addr2, wake count
// waiters on addr unconditionally, then wake count2 waiters on addr2 only
// if op's predicate holds against the value *addr held before op was applied.
func (t *Table) WakeOp(space *vmm.AddressSpace, addr *int32, count int, addr2 *int32, count2 int, op Operation, flags Flag) (int, error) {
	initial := atomic.LoadInt32(addr)
	applyOp(addr2, op)

	woken, err := t.Wake(space, addr, count, flags)
	if err != nil && !errors.OfKind(err, errors.NotFound) {
		return woken, err
	}

	if comparePredicate(initial, op) {
		woken2, err2 := t.Wake(space, addr2, count2, flags)
		switch {
		case err2 == nil:
			woken += woken2
		case !errors.OfKind(err2, errors.NotFound):
			return woken, err2
		}
	}
	return woken, nil
}
