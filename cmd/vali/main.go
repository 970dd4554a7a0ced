// Command vali boots one instance of the kernel core and keeps it running
// until interrupted, the hosted equivalent of the rt0 trampoline handing
// control to Kmain on real hardware.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valikernel/core/kernel/klog"
	"github.com/valikernel/core/kernel/kmain"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/pmm/allocator"
)

func main() {
	cfg := kmain.Config{
		Memory: []allocator.MemoryRegion{
			{PhysAddress: 0, Length: 256 * mem.Mb, Available: true},
		},
		CoreCount:  4,
		TickPeriod: 10 * time.Millisecond,
	}

	k, err := kmain.Boot(cfg)
	if err != nil {
		klog.L().Error(err, "boot failed")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := k.Run(ctx, cfg); err != nil {
		klog.L().Error(err, "kernel core faulted")
		os.Exit(1)
	}
}
