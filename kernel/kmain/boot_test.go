package kmain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valikernel/core/kernel/cpu"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/pmm/allocator"
	"github.com/valikernel/core/kernel/mem/vmm"
	"github.com/valikernel/core/kernel/syscall"
	"github.com/valikernel/core/kernel/thread"
)

func testConfig() Config {
	return Config{
		Memory: []allocator.MemoryRegion{
			{PhysAddress: 0, Length: 64 * mem.Mb, Available: true},
		},
		CoreCount:  2,
		TickPeriod: 5 * time.Millisecond,
		ReapPeriod: 10 * time.Millisecond,
	}
}

func TestBootAssemblesEverySubsystem(t *testing.T) {
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	k, err := Boot(testConfig())
	require.NoError(t, err)
	require.Equal(t, 2, k.Cores.Len())
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Threads)
	require.NotNil(t, k.Futex)
	require.NotNil(t, k.IPC)
	require.NotNil(t, k.Syscalls)
}

func TestBootRejectsEmptyMemoryMapGracefully(t *testing.T) {
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	k, err := Boot(Config{CoreCount: 1})
	require.NoError(t, err)

	frame, err := k.allocFrame(0, 1)
	require.Error(t, err)
	require.False(t, frame.IsValid())
}

func TestRunDrivesCoresUntilContextCancelled(t *testing.T) {
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	cfg := testConfig()
	k, err := Boot(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, k.Run(ctx, cfg))
}

func TestRunReapsFinishedThreads(t *testing.T) {
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	cfg := testConfig()
	cfg.ReapPeriod = 5 * time.Millisecond
	k, err := Boot(cfg)
	require.NoError(t, err)

	th, err := k.Threads.Create(thread.CreateOptions{
		Name:     "short-lived",
		Entry:    func(arg any) int { return 3 },
		Affinity: cpu.AffinityAny,
	})
	require.NoError(t, err)
	_, err = th.Join(time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, k.Run(ctx, cfg))

	_, err = k.Threads.Get(th.ID)
	require.Error(t, err)
}

func TestDispatchThroughBootedKernel(t *testing.T) {
	vmm.ResetKernelSpaceForTest()
	t.Cleanup(vmm.ResetKernelSpaceForTest)

	k, err := Boot(testConfig())
	require.NoError(t, err)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	th, err := k.Threads.Create(thread.CreateOptions{
		Name:     "syscall-caller",
		Entry:    func(arg any) int { <-arg.(chan struct{}); return 0 },
		Arg:      done,
		Flags:    thread.FlagUserspace,
		Affinity: cpu.AffinityAny,
	})
	require.NoError(t, err)

	frame := &syscall.TrapFrame{Number: syscall.ThreadYield}
	require.NoError(t, k.Dispatch.Dispatch(frame, th))
}
