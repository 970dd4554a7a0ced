// Package syscall implements the numbered syscall dispatch table (spec
// component H): a fixed-size table of entries keyed by stable number, trap
// frame argument coercion, and post-dispatch signal delivery.
//
// Grounded on original_source/kernel/arch/x86/interrupts/api.c's
// syscall trampoline: the trap frame carries a number plus five raw
// argument slots, the table entry is invoked with those slots coerced to
// its own signature, and the result is written back before the thread
// returns to user mode.
package syscall

// Number identifies one syscall table slot. The numbering is stable: once
// assigned, a Number is never reassigned to a different operation, even if
// its entry is later replaced or left NotSupported (spec 6: "stable
// numbering").
type Number uint32

// Memory category.
const (
	MemoryAllocate Number = iota
	MemoryFree
	MemoryProtect
	MemoryQuery
)

// Shared memory category.
const (
	SHMCreate Number = iota + 16
	SHMExport
	SHMAttach
	SHMMap
	SHMCommit
	SHMUnmap
	SHMDetach
	SHMMetrics
)

// Threads category.
const (
	ThreadCreate Number = iota + 32
	ThreadExit
	ThreadJoin
	ThreadSignal
	ThreadSleep
	ThreadYield
	ThreadGetID
	ThreadSetName
	ThreadGetName
)

// Futex category.
const (
	FutexWait Number = iota + 48
	FutexWake
)

// IPC category.
const (
	IPCContextCreate Number = iota + 56
	IPCContextSend
	IPCContextRespond
)

// Handles category.
const (
	HandleCreate Number = iota + 64
	HandleDestroy
	HandleLookup
	HandleSetActivity
	HandleSetCreate
	HandleSetControl
	HandleSetListen
)

// System category.
const (
	SystemQuery Number = iota + 80
	SystemTime
	SystemTick
	PerformanceFrequency
	PerformanceTick
)

// Drivers category (privileged). These numbers are reserved at boot with
// entries that return errors.NotSupported until a privileged collaborator
// registers a real implementation — this module implements no drivers, but
// must not let a future driver module need renumbering.
const (
	DriverInterruptRegister Number = iota + 96
	DriverInterruptUnregister
	DriverACPIQuery
	DriverIOSpaceRegister
	DriverIOSpaceAcquire
	DriverIOSpaceRelease
	DriverDeviceLoad
)

// TableSize is the fixed number of slots a Table allocates. Chosen to leave
// headroom past the highest reserved driver number.
const TableSize = 128
