package sched

import (
	"time"

	"github.com/google/uuid"
	"github.com/valikernel/core/kernel/cpu"
)

// Priority identifies a ready queue. NewPriority (-1) means "not yet armed";
// ReadyThread resets it to 0, the top normal queue.
type Priority int

// NewPriority is the sentinel a freshly-created or just-woken Object carries
// until the scheduler arms it.
const NewPriority Priority = -1

// Object is the per-thread data the scheduler manipulates: queue linkage,
// priority, quantum, and wait state. It is the "scheduler object" of spec
// component E, deliberately kept free of any reference to the thread's
// stack or address space so kernel/thread can embed one without an import
// cycle.
type Object struct {
	ThreadID uuid.UUID
	Affinity cpu.AffinityMask

	Priority Priority
	Quantum  time.Duration
	CPU      cpu.CoreID

	// WakeResource and SleepRemaining back SchedulerSleep/ApplyTick/
	// WakeByResource. SleepRemaining == 0 means "wait on resource only,
	// no timeout" (spec: "timeout to 0" means infinite wait).
	WakeResource   uintptr
	SleepRemaining time.Duration

	// wake is the rendezvous channel SchedulerBlock/QueueObject use to
	// suspend and resume the goroutine standing in for this thread. It is
	// a reusable 1-slot latch: QueueObject's send and Block's receive
	// drain it on every cycle.
	wake chan struct{}
}

// NewObject returns an Object ready to be passed to ReadyThread for the
// first time.
func NewObject(threadID uuid.UUID, affinity cpu.AffinityMask) *Object {
	return &Object{
		ThreadID: threadID,
		Affinity: affinity,
		Priority: NewPriority,
		wake:     make(chan struct{}, 1),
	}
}

// BlockResult reports why SchedulerBlock returned.
type BlockResult int

const (
	// BlockWoken means QueueObject was called for this object.
	BlockWoken BlockResult = iota
	// BlockTimeout means the deadline elapsed first.
	BlockTimeout
)
