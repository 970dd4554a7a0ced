// Package kmain wires components A through H into one running kernel core:
// the physical frame allocator, the per-CPU core table, the address-space
// engine, the scheduler, the thread table, the futex table, IPC, and the
// syscall dispatch table. It is the hosted stand-in for the historical
// kernel's boot sequence (original_source/kernel/Main.c): allocate, then
// build each subsystem on top of the last, then start one drive loop per
// core.
package kmain

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valikernel/core/kernel/cpu"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/futex"
	"github.com/valikernel/core/kernel/ipc"
	"github.com/valikernel/core/kernel/klog"
	"github.com/valikernel/core/kernel/mem/pmm"
	"github.com/valikernel/core/kernel/mem/pmm/allocator"
	"github.com/valikernel/core/kernel/mem/vmm"
	"github.com/valikernel/core/kernel/sched"
	"github.com/valikernel/core/kernel/syscall"
	"github.com/valikernel/core/kernel/thread"
)

// Config describes the boot-time shape of the kernel: how much memory to
// hand the frame allocator, how many CPUs to simulate, and the scheduler
// knobs (spec 6: "Scheduler configuration").
type Config struct {
	Memory     []allocator.MemoryRegion
	CoreCount  int
	Scheduler  sched.Config
	TickPeriod time.Duration // per-core drive loop period; defaults to the scheduler's initial quantum
	ReapPeriod time.Duration // finished-thread reaper period; defaults to TickPeriod * 4
}

// Kernel is the assembled set of live subsystems a booted core exposes to
// callers (syscall handlers, tests driving end-to-end scenarios, cmd/vali).
type Kernel struct {
	Cores     *cpu.Table
	Sched     *sched.Registry
	Threads   *thread.Table
	Futex     *futex.Table
	IPC       *ipc.Registry
	Syscalls  *syscall.Table
	Dispatch  *syscall.Dispatcher
	allocator *allocator.BitmapAllocator
}

// allocFrame/freeFrame adapt BitmapAllocator's method set to the
// vmm.FrameAllocatorFn/FrameFreeFn shape every address space is built with.
func (k *Kernel) allocFrame(mask pmm.AllocMask, count uint64) (pmm.Frame, error) {
	return k.allocator.Allocate(mask, count)
}

func (k *Kernel) freeFrame(start pmm.Frame, count uint64) {
	k.allocator.Free(start, count)
}

// Boot assembles every subsystem per cfg and returns the live Kernel without
// starting any drive loop — callers that only want to exercise the wiring
// (tests) can stop here. Run starts the per-core
// loops separately so boot-time wiring errors are distinguishable from a
// runtime core fault.
func Boot(cfg Config) (*Kernel, error) {
	if cfg.CoreCount <= 0 {
		cfg.CoreCount = 1
	}
	schedCfg := cfg.Scheduler
	if schedCfg.Levels == 0 {
		schedCfg = sched.DefaultConfig()
	}

	k := &Kernel{allocator: &allocator.BitmapAllocator{}}
	if err := k.allocator.Init(cfg.Memory); err != nil {
		return nil, errors.Wrap(errors.OutOfMemory, err, "boot: frame allocator init failed")
	}

	k.Cores = cpu.NewTable(cfg.CoreCount)
	k.Sched = sched.NewRegistry(k.Cores, schedCfg)

	arch := vmm.NewSimulatedArch()
	k.Threads = thread.NewTable(arch, k.allocFrame, k.freeFrame)

	k.Futex = futex.NewTable()
	k.IPC = ipc.NewRegistry()

	k.Syscalls = syscall.NewTable()
	if err := syscall.RegisterDefaults(k.Syscalls); err != nil {
		return nil, errors.Wrap(errors.InvalidParam, err, "boot: syscall table registration failed")
	}
	k.Dispatch = syscall.NewDispatcher(k.Syscalls, nil)

	klog.L().Info("kernel boot complete", "cores", cfg.CoreCount, "priorityLevels", schedCfg.Levels)
	return k, nil
}

// Run starts one drive-loop goroutine per core plus a reaper goroutine,
// using errgroup so a fatal error on any one of them cancels the rest and
// is reported with its origin (the errgroup's shared context stands in for
// spec 5's cross-core fatal broadcast). Run blocks until ctx is cancelled or
// a drive loop returns an error, then returns that error (nil on clean
// shutdown).
func (k *Kernel) Run(ctx context.Context, cfg Config) error {
	tick := cfg.TickPeriod
	if tick <= 0 {
		tick = cfg.Scheduler.InitialQuantum
	}
	if tick <= 0 {
		tick = sched.DefaultConfig().InitialQuantum
	}
	reapEvery := cfg.ReapPeriod
	if reapEvery <= 0 {
		reapEvery = 4 * tick
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, core := range k.Cores.All() {
		core := core
		g.Go(func() error { return k.driveCore(gctx, core, tick) })
	}
	g.Go(func() error { return k.reapLoop(gctx, reapEvery) })

	return g.Wait()
}

// driveCore runs one core's periodic bookkeeping: apply the tick to its
// scheduler's sleep queue (waking deadline-expired sleepers, spec 5
// "Cancellation/timeouts"). Boosts happen only inside PickNext, which this
// loop does not call. It never itself dispatches a
// thread's code — on this hosted runtime, a Thread's body already runs as
// its own goroutine (thread.Table.Create's trampoline); PickNext/ApplyTick
// exist to keep the ready-queue and sleep-queue bookkeeping accurate for
// callers that inspect it (diagnostics, tests), matching spec 3's per-core
// "ready queues array, current/idle thread, ... sleep/IO queue" without
// requiring this module to also implement a cooperative bytecode
// interpreter for thread bodies.
func (k *Kernel) driveCore(ctx context.Context, core *cpu.Core, tick time.Duration) error {
	scheduler, err := k.Sched.Scheduler(core.ID())
	if err != nil {
		return err
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			scheduler.ApplyTick(tick)
		}
	}
}

// reapLoop periodically hands finished threads to Table.Reap, the hosted
// stand-in for spec 5's "low-priority kernel worker walks [the zombie list]
// and performs AddressSpaceDestroy + context free".
func (k *Kernel) reapLoop(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := k.Threads.Reap(); err != nil {
				klog.L().Error(err, "reap loop: one or more address spaces failed to destroy")
			}
		}
	}
}
