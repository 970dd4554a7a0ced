package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/valikernel/core/kernel/mem"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		require.True(t, frame.IsValid(), "expected frame %d to be valid", frameIndex)
		require.Equal(t, uintptr(frameIndex<<mem.PageShift), frame.Address())
	}

	require.False(t, InvalidFrame.IsValid())
}

func TestFrameOrderRoundTrip(t *testing.T) {
	f := Frame(42).WithOrder(mem.PageOrder(3))
	require.Equal(t, mem.PageOrder(3), f.PageOrder())
	require.Equal(t, Frame(42), f.Number())
	require.Equal(t, mem.PageSize<<3, f.Size())
}
