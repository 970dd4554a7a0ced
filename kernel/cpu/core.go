// Package cpu implements the per-CPU core table (spec component B): the
// stable identity each scheduling decision is made against, plus the
// bookkeeping a core needs about its own current/idle thread and interrupt
// nesting.
//
// This module runs hosted on the Go runtime rather than bare metal, so a
// Core here stands in for a goroutine that drives one simulated CPU rather
// than a real APIC-addressed processor; the table itself, and every
// invariant it enforces, is unchanged.
package cpu

import (
	"sync"

	"github.com/google/uuid"
	"github.com/valikernel/core/kernel/errors"
)

// CoreID is the stable identity of a CPU core, assigned at boot and never
// reused.
type CoreID int

// AffinityMask constrains which cores a thread may run on. AffinityAny
// leaves the choice to the scheduler's load-balancing policy.
type AffinityMask uint8

// AffinityAny means "unbound, pick the least loaded core" (spec 4.E).
const AffinityAny AffinityMask = 0xFF

// Pinned reports whether mask names exactly one core.
func (m AffinityMask) Pinned() bool { return m != AffinityAny }

// Core is one entry of the per-CPU core table: an identity plus the two
// thread handles (current, idle) and the interrupt-nesting depth a
// scheduler needs to reason about that core.
type Core struct {
	mu sync.Mutex

	id      CoreID
	current uuid.UUID
	idle    uuid.UUID

	interruptDepth int
	halted         bool
}

func newCore(id CoreID) *Core {
	return &Core{id: id}
}

// ID returns the core's stable identity.
func (c *Core) ID() CoreID { return c.id }

// CurrentThread returns the handle of the thread presently running on this
// core, or the zero UUID before the first thread is scheduled.
func (c *Core) CurrentThread() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetCurrent records id as the thread presently running on this core.
func (c *Core) SetCurrent(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = id
}

// IdleThread returns the handle of this core's idle thread.
func (c *Core) IdleThread() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// SetIdle records id as this core's idle thread. Called once during boot.
func (c *Core) SetIdle(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = id
}

// DisableInterrupts increments the interrupt-disable nesting depth. While
// depth > 0 the scheduler must not preempt the thread running on this core.
func (c *Core) DisableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interruptDepth++
}

// EnableInterrupts decrements the nesting depth.
func (c *Core) EnableInterrupts() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interruptDepth == 0 {
		return errors.New(errors.InvalidParam, "core %d: EnableInterrupts without matching Disable", c.id)
	}
	c.interruptDepth--
	return nil
}

// InterruptsEnabled reports whether this core is currently preemptible.
func (c *Core) InterruptsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptDepth == 0
}

// Halt marks the core as parked (no ready thread); Resume clears it. These
// track idle-loop state for diagnostics, since a hosted Core never actually
// stops its driving goroutine.
func (c *Core) Halt()   { c.mu.Lock(); c.halted = true; c.mu.Unlock() }
func (c *Core) Resume() { c.mu.Lock(); c.halted = false; c.mu.Unlock() }

// Halted reports whether Halt was called more recently than Resume.
func (c *Core) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Table is the process-wide per-CPU core table, indexed by CoreID.
type Table struct {
	cores []*Core
}

// NewTable builds a table of n cores, numbered 0..n-1.
func NewTable(n int) *Table {
	if n <= 0 {
		n = 1
	}
	t := &Table{cores: make([]*Core, n)}
	for i := range t.cores {
		t.cores[i] = newCore(CoreID(i))
	}
	return t
}

// Core returns the core with the given id.
func (t *Table) Core(id CoreID) (*Core, error) {
	if int(id) < 0 || int(id) >= len(t.cores) {
		return nil, errors.New(errors.InvalidParam, "no such core %d", id)
	}
	return t.cores[id], nil
}

// Len returns the number of cores in the table.
func (t *Table) Len() int { return len(t.cores) }

// All returns every core in the table, in ID order.
func (t *Table) All() []*Core {
	out := make([]*Core, len(t.cores))
	copy(out, t.cores)
	return out
}

// LeastLoaded picks the core with the smallest load as reported by load,
// breaking ties toward the lowest CoreID. Used to resolve AffinityAny.
func (t *Table) LeastLoaded(load func(CoreID) int) CoreID {
	best := CoreID(0)
	bestLoad := load(best)
	for _, c := range t.cores[1:] {
		if l := load(c.id); l < bestLoad {
			best, bestLoad = c.id, l
		}
	}
	return best
}
