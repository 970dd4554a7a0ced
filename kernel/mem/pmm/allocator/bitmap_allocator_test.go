package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/valikernel/core/kernel/errors"
	"github.com/valikernel/core/kernel/mem"
	"github.com/valikernel/core/kernel/mem/pmm"
)

func testRegions() []MemoryRegion {
	return []MemoryRegion{
		{PhysAddress: 0, Length: 16 * mem.Mb, Available: true},
		{PhysAddress: 16 * mem.Mb, Length: 4 * mem.Mb, Available: false}, // reserved hole
		{PhysAddress: 20 * mem.Mb, Length: 16 * mem.Mb, Available: true},
	}
}

func TestAllocateAndFree(t *testing.T) {
	var a BitmapAllocator
	require.NoError(t, a.Init(testRegions()))

	stats := a.Stats()
	require.Equal(t, uint64(0), stats.ReservedPages)
	require.Equal(t, stats.TotalPages, stats.FreePages)

	f, err := a.Allocate(pmm.AllocMaskAny, 1)
	require.NoError(t, err)
	require.True(t, f.IsValid())

	require.Equal(t, uint64(1), a.Stats().ReservedPages)

	a.Free(f, 1)
	require.Equal(t, uint64(0), a.Stats().ReservedPages)
}

func TestAllocateContiguousRun(t *testing.T) {
	var a BitmapAllocator
	require.NoError(t, a.Init(testRegions()))

	start, err := a.Allocate(pmm.AllocMaskAny, 8)
	require.NoError(t, err)

	for f := start; f < start+8; f++ {
		require.False(t, a.pools[a.poolForFrame(f)].isFree(f))
	}

	a.Free(start, 8)
	for f := start; f < start+8; f++ {
		require.True(t, a.pools[a.poolForFrame(f)].isFree(f))
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	var a BitmapAllocator
	require.NoError(t, a.Init(testRegions()))

	total := a.Stats().TotalPages
	_, err := a.Allocate(pmm.AllocMaskAny, total+1)
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.OutOfMemory))
}

func TestAllocateZeroCountIsInvalidParam(t *testing.T) {
	var a BitmapAllocator
	require.NoError(t, a.Init(testRegions()))

	_, err := a.Allocate(pmm.AllocMaskAny, 0)
	require.True(t, errors.OfKind(err, errors.InvalidParam))
}

func TestAllocateRespectsLowMemoryMask(t *testing.T) {
	regions := []MemoryRegion{
		{PhysAddress: 0, Length: 1 << 24, Available: true}, // exactly 16MiB
	}
	var a BitmapAllocator
	require.NoError(t, a.Init(regions))

	f, err := a.Allocate(pmm.AllocMaskLow24, 1)
	require.NoError(t, err)
	require.Less(t, f.Address()+uintptr(mem.PageSize), uintptr(1<<24)+1)
}

func TestReserveSkipsUnknownPools(t *testing.T) {
	var a BitmapAllocator
	require.NoError(t, a.Init(testRegions()))

	// A frame inside the reserved hole between pools must never become
	// reserved-accounted, since it belongs to no pool.
	holeFrame := pmm.Frame((16 * mem.Mb) >> mem.PageShift)
	a.Reserve(holeFrame, 1)
	require.Equal(t, uint64(0), a.Stats().ReservedPages)
}

func TestDoubleFreeIsNoop(t *testing.T) {
	var a BitmapAllocator
	require.NoError(t, a.Init(testRegions()))

	f, err := a.Allocate(pmm.AllocMaskAny, 1)
	require.NoError(t, err)

	a.Free(f, 1)
	a.Free(f, 1) // must not underflow reservedPages
	require.Equal(t, uint64(0), a.Stats().ReservedPages)
}
