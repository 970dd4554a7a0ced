package syscall

import (
	"sync"

	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/thread"
)

// Handler is one syscall table entry. args are the five coerced
// pointer-sized slots from the trap frame; current is the calling thread,
// whose Space a handler resolving pointers/handles operates against.
type Handler func(current *thread.Thread, args [5]uintptr) (uintptr, error)

// TrapFrame is the hosted stand-in for the raw CPU trap frame a real
// syscall trampoline decodes: the number that selects a table entry, its
// five argument slots, and the slot the result is written back into before
// resuming user mode.
type TrapFrame struct {
	Number Number
	Args   [5]uintptr
	Result uintptr
}

func reservedHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	return 0, errors.New(errors.NotSupported, "syscall entry not registered")
}

// Table is the fixed-size numbered entry table (spec 4.H: "A fixed-size
// numbered table of entry pointers; entry 0..N-1 may be called").
type Table struct {
	mu      sync.RWMutex
	entries [TableSize]Handler
}

// NewTable returns a table with every slot defaulting to a NotSupported
// stub, including the driver-privileged range (spec.md §6, "Drivers
// (privileged)") which stays reserved-but-unimplemented until a privileged
// collaborator registers real entries — keeping the numbering stable.
func NewTable() *Table {
	t := &Table{}
	for i := range t.entries {
		t.entries[i] = reservedHandler
	}
	return t
}

// Register installs h at slot n, replacing whatever was there (including
// the default NotSupported stub). Returns InvalidParam if n is out of
// range.
func (t *Table) Register(n Number, h Handler) error {
	if int(n) < 0 || int(n) >= TableSize {
		return errors.New(errors.InvalidParam, "syscall number %d out of range", n)
	}
	if h == nil {
		return errors.New(errors.InvalidParam, "nil handler for syscall %d", n)
	}
	t.mu.Lock()
	t.entries[n] = h
	t.mu.Unlock()
	return nil
}

// Lookup resolves n to its current handler. Every in-range slot always has
// one (NewTable pre-fills the whole table), so this only fails on an
// out-of-range number.
func (t *Table) Lookup(n Number) (Handler, error) {
	if int(n) < 0 || int(n) >= TableSize {
		return nil, errors.New(errors.InvalidParam, "syscall number %d out of range", n)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[n], nil
}

// SignalDeliverer pushes one pending signal onto current's return path to
// user mode — the hosted stand-in for "pushing a signal frame onto the user
// stack via the context-push-interceptor operation" (spec 4.H). No
// implementation is wired at boot (kmain passes nil, so queued signals
// accumulate undelivered); a test may supply one that just records calls.
type SignalDeliverer func(current *thread.Thread, sig thread.Signal) error

// Dispatcher ties a Table to the signal-delivery step that runs after every
// call, implementing the full spec 4.H sequence: read number, fetch entry,
// coerce args, invoke, store result, deliver queued signals.
type Dispatcher struct {
	table   *Table
	deliver SignalDeliverer
}

// NewDispatcher builds a Dispatcher over table. deliver may be nil, in
// which case queued signals accumulate undelivered (useful in tests that
// don't care about signal delivery).
func NewDispatcher(table *Table, deliver SignalDeliverer) *Dispatcher {
	return &Dispatcher{table: table, deliver: deliver}
}

// Dispatch implements spec 4.H's sequence for one trap. The handler's own
// error (if any) is returned to the caller after signal delivery has still
// run — a failed call does not suppress a queued signal.
func (d *Dispatcher) Dispatch(frame *TrapFrame, current *thread.Thread) error {
	h, err := d.table.Lookup(frame.Number)
	if err != nil {
		return err
	}

	result, callErr := h(current, frame.Args)
	frame.Result = result

	if current != nil && d.deliver != nil {
		for _, sig := range current.DrainSignals() {
			if derr := d.deliver(current, sig); derr != nil && callErr == nil {
				callErr = derr
			}
		}
	}
	return callErr
}
