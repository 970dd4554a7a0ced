package thread

import (
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/vmm"
)

// DefaultStackSize is used when CreateOptions.StackSize is left zero.
const DefaultStackSize = 32 * mem.Kb

// stack describes one mapped, guarded execution stack.
type stack struct {
	base vmm.Page
	size mem.Size
}

// top returns the address execution should start at: stacks grow down, so
// this is base+size, not base.
func (s stack) top() uintptr {
	return s.base.Address() + uintptr(s.size)
}

// newKernelStack commits stackSize bytes in the shared kernel address space
// (every thread, kernel or user, executes kernel-mode code on a
// kernel-space stack — spec 4.D: "a kernel stack context whose initial
// frame is the generic entry trampoline").
func newKernelStack(stackSize mem.Size) (stack, error) {
	kernel, ok := vmm.Kernel()
	if !ok {
		return stack{}, errors.New(errors.NotSupported, "kernel address space not initialized")
	}
	base, err := kernel.Map(vmm.MapOptions{
		Length:    stackSize,
		Flags:     vmm.FlagCommit | vmm.FlagStack,
		Placement: vmm.PlacementGlobal,
	})
	if err != nil {
		return stack{}, err
	}
	return stack{base: base, size: stackSize}, nil
}

// newUserStack commits stackSize bytes of user-accessible stack in space,
// preceded by an unmapped guard page (spec 4.D: "a newly mapped user-stack
// region with a guard page below").
func newUserStack(space *vmm.AddressSpace, stackSize mem.Size) (stack, error) {
	if _, err := space.MapReserved(vmm.MapOptions{
		Length:    mem.PageSize,
		Flags:     vmm.FlagGuardPage | vmm.FlagUserspace,
		Placement: vmm.PlacementThread,
	}); err != nil {
		return stack{}, err
	}

	base, err := space.Map(vmm.MapOptions{
		Length:    stackSize,
		Flags:     vmm.FlagCommit | vmm.FlagUserspace | vmm.FlagStack,
		Placement: vmm.PlacementThread,
	})
	if err != nil {
		return stack{}, err
	}
	return stack{base: base, size: stackSize}, nil
}
