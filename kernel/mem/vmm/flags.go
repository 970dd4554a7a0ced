package vmm

// Flag is a bitmask of mapping attributes, passed to Map and returned by
// Query/ChangeProtection.
type Flag uint32

const (
	// FlagCommit backs every page in the mapping with a physical frame
	// immediately. Without it the range is only reserved.
	FlagCommit Flag = 1 << iota
	// FlagUserspace allows user-mode access; without it the mapping is
	// kernel-only.
	FlagUserspace
	// FlagReadOnly disallows writes.
	FlagReadOnly
	// FlagExecutable allows instruction fetch.
	FlagExecutable
	// FlagNoCache disables caching for the mapping (MMIO-style regions).
	FlagNoCache
	// FlagLowFirst restricts auto-allocated backing frames to those below
	// the 4GiB boundary; if none is free the allocation fails rather than
	// falling back to higher frames.
	FlagLowFirst
	// FlagPersistent marks the mapping's frames as not to be freed when
	// the mapping is unmapped.
	FlagPersistent
	// FlagStack marks the mapping as a thread stack.
	FlagStack
	// FlagGuardPage reserves (but never commits) the page; any access
	// faults.
	FlagGuardPage
	// FlagDomain marks the mapping as belonging to a shared domain rather
	// than a single address space (used by shared-memory regions).
	FlagDomain
)

// Has reports whether f has every bit in want set.
func (f Flag) Has(want Flag) bool { return f&want == want }

// Placement controls where Map chooses a virtual address when no FIXED hint
// is supplied.
type Placement uint8

const (
	// PlacementProcess auto-places within the calling address space's
	// heap pool.
	PlacementProcess Placement = iota
	// PlacementFixed requires the hint address exactly; Map fails with
	// errors.Exists if the range is already committed.
	PlacementFixed
	// PlacementGlobal auto-places within the kernel address space's heap
	// pool regardless of which address space the call was made against.
	PlacementGlobal
	// PlacementThread auto-places within a per-thread reserved region
	// (used for thread stacks).
	PlacementThread
)

// Kind identifies the category of an address space, mirroring the
// KERNEL/APPLICATION/INHERIT flags from the spec's address-space Create
// operation. INHERIT is a modifier bit, combinable with Application.
type Kind uint8

const (
	KindKernel Kind = 1 << iota
	KindApplication
	KindInherit
)

// Has reports whether k has every bit in want set.
func (k Kind) Has(want Kind) bool { return k&want == want }
