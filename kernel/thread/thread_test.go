package thread

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valikernel/core/kernel/cpu"
	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem/pmm"
	"github.com/valikernel/core/kernel/mem/vmm"
	"github.com/valikernel/core/kernel/sched"
)

// fakeAllocator hands out ever-increasing frames; mirrors kernel/mem/vmm's
// own test double since thread.Table drives vmm.Create directly.
type fakeAllocator struct {
	mu   sync.Mutex
	next pmm.Frame
}

func newFakeAllocator() *fakeAllocator { return &fakeAllocator{next: 1} }

func (a *fakeAllocator) alloc(mask pmm.AllocMask, count uint64) (pmm.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.next
	a.next += pmm.Frame(count)
	return f, nil
}

func (a *fakeAllocator) free(start pmm.Frame, count uint64) {}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	alloc := newFakeAllocator()
	return NewTable(vmm.NewSimulatedArch(), alloc.alloc, alloc.free)
}

func blockForever(arg any) int {
	<-arg.(chan struct{})
	return 7
}

func TestCreateKernelThreadHasNoUserStack(t *testing.T) {
	table := newTestTable(t)

	done := make(chan struct{})
	th, err := table.Create(CreateOptions{
		Name:     "kworker",
		Entry:    blockForever,
		Arg:      done,
		Affinity: cpu.AffinityAny,
	})
	require.NoError(t, err)
	require.NotZero(t, th.KernelStackTop())
	require.Zero(t, th.UserStackTop())
	require.Equal(t, vmm.KindKernel, th.Space.Kind())

	close(done)
	code, err := th.Join(time.Second)
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestCreateUserspaceThreadGetsPrivateSpaceAndUserStack(t *testing.T) {
	table := newTestTable(t)

	done := make(chan struct{})
	th, err := table.Create(CreateOptions{
		Name:  "init",
		Entry: blockForever,
		Arg:   done,
		Flags: FlagUserspace,
	})
	require.NoError(t, err)
	require.NotZero(t, th.UserStackTop())
	require.Equal(t, vmm.KindApplication, th.Space.Kind())

	close(done)
	_, err = th.Join(time.Second)
	require.NoError(t, err)
}

func TestCreateInheritSharesParentSpace(t *testing.T) {
	table := newTestTable(t)

	parentDone := make(chan struct{})
	parent, err := table.Create(CreateOptions{
		Name:  "parent",
		Entry: blockForever,
		Arg:   parentDone,
		Flags: FlagUserspace,
	})
	require.NoError(t, err)

	childDone := make(chan struct{})
	child, err := table.Create(CreateOptions{
		Name:   "child",
		Entry:  blockForever,
		Arg:    childDone,
		Flags:  FlagInherit,
		Parent: parent,
	})
	require.NoError(t, err)
	require.Same(t, parent.Space, child.Space)

	close(parentDone)
	close(childDone)
	_, _ = parent.Join(time.Second)
	_, _ = child.Join(time.Second)
}

func TestCreateInheritWithoutParentFails(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Create(CreateOptions{Name: "orphan", Entry: blockForever, Flags: FlagInherit})
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.InvalidParam))
}

func TestCreateRejectsNilEntry(t *testing.T) {
	table := newTestTable(t)
	_, err := table.Create(CreateOptions{Name: "bad"})
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.InvalidParam))
}

func TestJoinBlocksUntilFinishAndReturnsExitCode(t *testing.T) {
	table := newTestTable(t)

	release := make(chan struct{})
	th, err := table.Create(CreateOptions{Name: "w", Entry: blockForever, Arg: release})
	require.NoError(t, err)

	var joined int32
	result := make(chan int, 1)
	go func() {
		code, err := th.Join(0)
		require.NoError(t, err)
		atomic.StoreInt32(&joined, 1)
		result <- code
	}()

	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&joined), "join must not return before the thread finishes")

	close(release)
	require.Equal(t, 7, <-result)
	require.True(t, th.HasFlag(FlagFinished))
}

func TestJoinTimesOutBeforeFinish(t *testing.T) {
	table := newTestTable(t)
	release := make(chan struct{})
	th, err := table.Create(CreateOptions{Name: "slow", Entry: blockForever, Arg: release})
	require.NoError(t, err)
	defer close(release)

	_, err = th.Join(10 * time.Millisecond)
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.Timeout))
}

func TestReapRemovesFinishedThreadsAndDestroysSpace(t *testing.T) {
	table := newTestTable(t)
	release := make(chan struct{})
	th, err := table.Create(CreateOptions{Name: "r", Entry: blockForever, Arg: release, Flags: FlagUserspace})
	require.NoError(t, err)

	close(release)
	_, err = th.Join(time.Second)
	require.NoError(t, err)

	reaped, err := table.Reap()
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	require.Same(t, th, reaped[0])

	_, err = table.Get(th.ID)
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.NotFound))
}

func TestForkReturnsForkedKindAndScheduledChild(t *testing.T) {
	table := newTestTable(t)

	parentRelease := make(chan struct{})
	parent, err := table.Create(CreateOptions{Name: "p", Entry: blockForever, Arg: parentRelease, Flags: FlagUserspace})
	require.NoError(t, err)

	childRelease := make(chan struct{})
	child, err := table.Fork(parent, blockForever, childRelease)
	require.True(t, errors.OfKind(err, errors.Forked))
	require.NotNil(t, child)
	require.Equal(t, parent.ID, child.ParentID)
	require.Same(t, parent.Space, child.Space)
	require.NotEqual(t, parent.kernelStack.base, child.kernelStack.base)

	close(parentRelease)
	close(childRelease)
	_, _ = parent.Join(time.Second)
	_, _ = child.Join(time.Second)
}

func TestObjectArmedAtNewPriority(t *testing.T) {
	table := newTestTable(t)
	release := make(chan struct{})
	th, err := table.Create(CreateOptions{Name: "o", Entry: blockForever, Arg: release})
	require.NoError(t, err)
	require.Equal(t, sched.NewPriority, th.Obj.Priority)
	close(release)
	_, _ = th.Join(time.Second)
}
