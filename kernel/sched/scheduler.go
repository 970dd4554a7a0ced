// Package sched implements the per-CPU multilevel feedback queue scheduler
// (spec component E): priority runqueues, quantum accounting, priority
// boosting, a sleep/IO queue, and the generic block/wake rendezvous the
// futex and IPC layers suspend threads through.
//
// Grounded directly on the historical scheduler (original_source/kernel/
// System/Scheduler.c): 61 priority levels (0 highest, 60 the system-queue
// ceiling a preempted thread's priority can never cross), a 10ms initial
// quantum that grows as priority*2+initial on preemption, and a 1000ms
// boost interval that resets every queued thread back to queue 0.
package sched

import (
	"sync"
	"time"

	"github.com/valikernel/core/kernel/cpu"
	"github.com/valikernel/core/kernel/errors"
)

// Config carries the scheduler's compile-time knobs (spec 6: "Scheduler
// configuration").
type Config struct {
	Levels         int
	SystemCeiling  Priority // highest priority index a preempt may promote into
	InitialQuantum time.Duration
	BoostInterval  time.Duration
}

// DefaultConfig matches the historical 61-level, 10ms/1000ms scheduler
// (spec's resolution of the open question on priority-level count).
func DefaultConfig() Config {
	return Config{
		Levels:         61,
		SystemCeiling:  60,
		InitialQuantum: 10 * time.Millisecond,
		BoostInterval:  1000 * time.Millisecond,
	}
}

// Scheduler is one CPU core's independent runqueue set.
type Scheduler struct {
	mu sync.Mutex

	core cpu.CoreID
	cfg  Config

	queues     [][]*Object
	sleepQueue []*Object
	boostAccum time.Duration
}

// NewScheduler returns an empty scheduler for the given core.
func NewScheduler(core cpu.CoreID, cfg Config) *Scheduler {
	return &Scheduler{
		core:   core,
		cfg:    cfg,
		queues: make([][]*Object, cfg.Levels),
	}
}

// Len reports the number of threads currently sitting in a ready queue,
// used by Registry.ReadyThread to pick the least-loaded core for unbound
// affinity.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// readyLocal arms obj (resetting a new/woken priority to queue 0) and
// appends it to this scheduler's matching queue. Unlike ReadyThread it
// never re-evaluates affinity: it's used to re-enqueue a thread that is
// already running on this CPU.
func (s *Scheduler) readyLocal(obj *Object) {
	if obj.Priority < 0 {
		obj.Priority = 0
		obj.Quantum = s.cfg.InitialQuantum
	}
	obj.CPU = s.core

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[obj.Priority] = append(s.queues[obj.Priority], obj)
}

// boostLocked moves every thread in queues 1..N back to queue 0 with a
// fresh quantum (spec invariant 4: priority boost after boost_interval).
// Caller holds s.mu.
func (s *Scheduler) boostLocked() {
	for i := 1; i < len(s.queues); i++ {
		for _, obj := range s.queues[i] {
			obj.Priority = 0
			obj.Quantum = s.cfg.InitialQuantum
			s.queues[0] = append(s.queues[0], obj)
		}
		s.queues[i] = nil
	}
}

// PickNext implements SchedulerGetNextTask: it accounts prev's consumed
// quantum toward the boost timer, boosts if due, re-enqueues prev (bumping
// its priority if preemptive is true and it hasn't hit the system-queue
// ceiling), then returns the head of the highest non-empty queue. Pass
// prev == nil when the outgoing thread must not be re-queued (finished,
// idle, or just disarmed for sleep/block).
func (s *Scheduler) PickNext(prev *Object, preemptive bool) *Object {
	slice := s.cfg.InitialQuantum
	if prev != nil {
		slice = prev.Quantum
		if preemptive && prev.Priority < s.cfg.SystemCeiling {
			prev.Priority++
			prev.Quantum = time.Duration(prev.Priority)*2*time.Millisecond + s.cfg.InitialQuantum
		}
		s.readyLocal(prev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.boostAccum += slice
	if s.boostAccum >= s.cfg.BoostInterval {
		s.boostLocked()
		s.boostAccum = 0
	}

	for i := range s.queues {
		if len(s.queues[i]) > 0 {
			next := s.queues[i][0]
			s.queues[i] = s.queues[i][1:]
			return next
		}
	}
	return nil
}

// Sleep implements SchedulerSleep: the object is parked on this core's
// sleep/IO queue with the given resource key and timeout (0 means wait on
// resource only, no deadline). The caller must not also hold obj in any
// ready queue — call this instead of readying it.
func (s *Scheduler) Sleep(obj *Object, resource uintptr, timeout time.Duration) {
	obj.WakeResource = resource
	obj.SleepRemaining = timeout

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleepQueue = append(s.sleepQueue, obj)
}

// ApplyTick decrements every timed sleeper's remaining wait by tick,
// re-arming (priority reset to top, per SchedulerApplyMs) any that reach
// zero. It returns the objects that were woken.
func (s *Scheduler) ApplyTick(tick time.Duration) []*Object {
	s.mu.Lock()
	var woken, kept []*Object
	for _, obj := range s.sleepQueue {
		if obj.SleepRemaining == 0 {
			kept = append(kept, obj)
			continue
		}
		if obj.SleepRemaining <= tick {
			obj.SleepRemaining = 0
			obj.WakeResource = 0
			obj.Priority = NewPriority
			woken = append(woken, obj)
		} else {
			obj.SleepRemaining -= tick
			kept = append(kept, obj)
		}
	}
	s.sleepQueue = kept
	s.mu.Unlock()

	for _, obj := range woken {
		s.readyLocal(obj)
	}
	return woken
}

// WakeByResource pops every sleeper waiting on resource and re-arms them at
// top priority, returning how many were woken. A resource value of 0 never
// matches (it is the "no resource" sentinel for pure-timeout sleeps).
func (s *Scheduler) WakeByResource(resource uintptr) int {
	if resource == 0 {
		return 0
	}

	s.mu.Lock()
	var woken, kept []*Object
	for _, obj := range s.sleepQueue {
		if obj.WakeResource == resource {
			obj.SleepRemaining = 0
			obj.WakeResource = 0
			obj.Priority = NewPriority
			woken = append(woken, obj)
		} else {
			kept = append(kept, obj)
		}
	}
	s.sleepQueue = kept
	s.mu.Unlock()

	for _, obj := range woken {
		s.readyLocal(obj)
	}
	return len(woken)
}

// Block implements SchedulerBlock: it suspends the calling goroutine
// (standing in for the thread obj represents) until QueueObject(obj) is
// called or deadline passes. The caller is responsible for having already
// placed obj on its own wait queue (futex bucket, IPC notify list, ...)
// under its own lock before calling Block — mirroring the spec's "under the
// caller's lock, then triggers a yield".
func Block(obj *Object, deadline time.Time) BlockResult {
	if deadline.IsZero() {
		<-obj.wake
		return BlockWoken
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-obj.wake:
		return BlockWoken
	case <-timer.C:
		return BlockTimeout
	}
}

// QueueObject implements SchedulerQueueObject: it wakes a goroutine
// currently parked in Block(obj, ...). Safe to call even if obj is not
// presently blocked; the wake is latched for the next Block call.
func QueueObject(obj *Object) {
	select {
	case obj.wake <- struct{}{}:
	default:
	}
}

// Registry owns one Scheduler per CPU core and resolves unbound affinity to
// the least-loaded core at ready time.
type Registry struct {
	cores *cpu.Table
	cfg   Config
	scheds []*Scheduler
}

// NewRegistry builds a Scheduler for every core in cores.
func NewRegistry(cores *cpu.Table, cfg Config) *Registry {
	r := &Registry{cores: cores, cfg: cfg, scheds: make([]*Scheduler, cores.Len())}
	for _, c := range cores.All() {
		r.scheds[c.ID()] = NewScheduler(c.ID(), cfg)
	}
	return r
}

// Scheduler returns the scheduler owning the given core.
func (r *Registry) Scheduler(id cpu.CoreID) (*Scheduler, error) {
	if int(id) < 0 || int(id) >= len(r.scheds) {
		return nil, errors.New(errors.InvalidParam, "no scheduler for core %d", id)
	}
	return r.scheds[id], nil
}

// ReadyThread implements SchedulerReadyThread across the whole registry: it
// arms a new object's priority/quantum, resolves AffinityAny to the
// least-loaded core, appends the object to that core's queue, and resumes
// the core if it was halted.
func (r *Registry) ReadyThread(obj *Object) error {
	if obj.Priority < 0 {
		obj.Priority = 0
		obj.Quantum = r.cfg.InitialQuantum
	}

	var target cpu.CoreID
	if obj.Affinity == cpu.AffinityAny {
		target = r.cores.LeastLoaded(func(id cpu.CoreID) int { return r.scheds[id].Len() })
	} else {
		target = cpu.CoreID(obj.Affinity)
	}
	obj.CPU = target

	sched, err := r.Scheduler(target)
	if err != nil {
		return err
	}

	sched.mu.Lock()
	sched.queues[obj.Priority] = append(sched.queues[obj.Priority], obj)
	sched.mu.Unlock()

	core, err := r.cores.Core(target)
	if err != nil {
		return err
	}
	if core.Halted() {
		core.Resume()
	}
	return nil
}
