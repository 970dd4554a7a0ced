package syscall

import (
	"encoding/binary"
	"time"

	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/vmm"
	"github.com/valikernel/core/kernel/sched"
	"github.com/valikernel/core/kernel/thread"
)

// AllocFlag is the flags word ORed into MemoryAllocate's third argument
// (spec.md §6, "Syscall numbering flag semantics").
type AllocFlag uint32

const (
	AllocCommit AllocFlag = 1 << iota
	AllocClean
	AllocUncacheable
	AllocFixed
	AllocStack
	AllocExecutable
	AllocWrite
	AllocRead
	AllocClone
	AllocLowFirst
)

func allocFlagsToVMM(af AllocFlag) vmm.Flag {
	vf := vmm.FlagUserspace
	if af&AllocCommit != 0 {
		vf |= vmm.FlagCommit
	}
	if af&AllocUncacheable != 0 {
		vf |= vmm.FlagNoCache
	}
	if af&AllocStack != 0 {
		vf |= vmm.FlagStack
	}
	if af&AllocExecutable != 0 {
		vf |= vmm.FlagExecutable
	}
	if af&AllocLowFirst != 0 {
		vf |= vmm.FlagLowFirst
	}
	if af&AllocRead != 0 && af&AllocWrite == 0 {
		vf |= vmm.FlagReadOnly
	}
	return vf
}

func currentSpace(current *thread.Thread) (*vmm.AddressSpace, error) {
	if current == nil || current.Space == nil {
		return nil, errors.New(errors.NotSupported, "syscall has no current address space")
	}
	return current.Space, nil
}

// memoryAllocateHandler implements MemoryAllocate(hint, len, flags) -> ptr.
// A FIXED flag (spec.md §6: "A set FIXED makes hint an exact requirement")
// selects PlacementFixed; otherwise the space auto-places within its heap
// pool. The returned value is the mapping's virtual address in the
// simulated space (Page.Address), not a dereferenceable host pointer — this module's address spaces are
// bookkeeping over pmm.Frame numbers, not a real backing arena, so no
// syscall handler in this table may read or write through a user address.
func memoryAllocateHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	space, err := currentSpace(current)
	if err != nil {
		return 0, err
	}
	af := AllocFlag(args[2])
	placement := vmm.PlacementProcess
	if af&AllocFixed != 0 {
		placement = vmm.PlacementFixed
	}
	page, err := space.Map(vmm.MapOptions{
		Hint:      args[0],
		Length:    mem.Size(args[1]),
		Flags:     allocFlagsToVMM(af),
		Placement: placement,
	})
	if err != nil {
		return 0, err
	}
	return page.Address(), nil
}

// memoryFreeHandler implements MemoryFree(ptr, len).
func memoryFreeHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	space, err := currentSpace(current)
	if err != nil {
		return 0, err
	}
	return 0, space.Unmap(vmm.PageFromAddress(args[0]), mem.Size(args[1]))
}

// memoryProtectHandler implements MemoryProtect(ptr, len, flags) -> prev.
func memoryProtectHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	space, err := currentSpace(current)
	if err != nil {
		return 0, err
	}
	prev, err := space.ChangeProtection(vmm.PageFromAddress(args[0]), mem.Size(args[1]), allocFlagsToVMM(AllocFlag(args[2])))
	return uintptr(prev), err
}

// signalExitRequested is delivered to a thread that called ThreadExit, so
// its next return-to-user-mode point can unwind instead of resuming. It
// only records the request; the FINISHED transition itself still happens
// when the thread's entry trampoline returns (Table.finish in the thread
// package), since a hosted goroutine cannot unwind its own call stack from
// inside a syscall handler the way a real trap return can.
const signalExitRequested uint32 = 0xfffe

func threadExitHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	if current == nil {
		return 0, errors.New(errors.NotSupported, "ThreadExit with no current thread")
	}
	current.QueueSignal(thread.Signal{Number: signalExitRequested, Arg: args[0]})
	return 0, nil
}

func threadYieldHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	if current == nil || current.Obj == nil {
		return 0, errors.New(errors.NotSupported, "ThreadYield with no current thread")
	}
	sched.QueueObject(current.Obj)
	return 0, nil
}

// threadSleepHandler implements ThreadSleep(millis): blocks the caller's
// scheduler object until the deadline elapses.
func threadSleepHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	if current == nil || current.Obj == nil {
		return 0, errors.New(errors.NotSupported, "ThreadSleep with no current thread")
	}
	deadline := time.Now().Add(time.Duration(args[0]) * time.Millisecond)
	result := sched.Block(current.Obj, deadline)
	return uintptr(result), nil
}

// threadGetIDHandler implements ThreadGetId, returning the first 8 bytes of
// the thread's uuid.UUID, read big-endian, as a uintptr-sized handle.
func threadGetIDHandler(current *thread.Thread, args [5]uintptr) (uintptr, error) {
	if current == nil {
		return 0, errors.New(errors.NotSupported, "ThreadGetId with no current thread")
	}
	return uintptr(binary.BigEndian.Uint64(current.ID[:8])), nil
}

// RegisterDefaults installs every syscall entry this module can implement
// without a generic user-memory marshaling primitive: Memory map/unmap/
// protect, and the subset of Thread entries that only touch the caller's
// own scheduler object.
//
// FutexWait/FutexWake, SHMCreate/SHMExport/SHMMap/SHMMetrics, MemoryQuery,
// IpcContextCreate/Send/Respond, and ThreadCreate all need either an
// out-parameter written back into user memory or a real user-mode entry
// pointer — neither of which a hosted address space backed only by
// pmm.Frame bookkeeping can honor — so they stay at the NewTable default
// (NotSupported); their semantics are fully implemented and tested as
// direct Go APIs on kernel/futex, kernel/ipc, and kernel/thread instead of
// through this trap-argument ABI. The Handles, System, and Drivers
// categories stay reserved for the same reason this module builds no
// generic handle-table or driver-registration object.
func RegisterDefaults(table *Table) error {
	entries := map[Number]Handler{
		MemoryAllocate: memoryAllocateHandler,
		MemoryFree:     memoryFreeHandler,
		MemoryProtect:  memoryProtectHandler,
		ThreadExit:     threadExitHandler,
		ThreadYield:    threadYieldHandler,
		ThreadSleep:    threadSleepHandler,
		ThreadGetID:    threadGetIDHandler,
	}
	for n, h := range entries {
		if err := table.Register(n, h); err != nil {
			return err
		}
	}
	return nil
}
