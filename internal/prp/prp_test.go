package prp

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverkit/go-nvme/dma"
)

const pageSize = 4096

// offsetAllocator shifts every translation by a constant, so tests can
// verify the builder goes through Translate for each page instead of
// assuming physical contiguity.
type offsetAllocator struct {
	*dma.HeapAllocator
	shift uintptr
}

func (o offsetAllocator) Translate(addr uintptr) uintptr { return addr + o.shift }

func newTestAlloc() offsetAllocator {
	return offsetAllocator{HeapAllocator: dma.NewHeapAllocator(), shift: 0x5000_0000}
}

// virt recovers the virtual address of a list page from its translated one.
func (o offsetAllocator) virt(phys uint64) uintptr { return uintptr(phys) - o.shift }

func listEntries(base uintptr, n int) []uint64 {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), n*8)
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return out
}

func TestBuildSinglePage(t *testing.T) {
	alloc := newTestAlloc()
	b := NewBuilder(alloc, pageSize)
	defer b.Close()

	base := alloc.Allocate(pageSize)
	defer alloc.Deallocate(base)

	// An in-page offset is fine as long as the buffer stays in one page.
	addr := base + 512
	l, err := b.Build(addr, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(alloc.Translate(addr)), l.PRP1)
	assert.Zero(t, l.PRP2)
	b.Release(l)
}

func TestBuildTwoPages(t *testing.T) {
	alloc := newTestAlloc()
	b := NewBuilder(alloc, pageSize)
	defer b.Close()

	base := alloc.Allocate(2 * pageSize)
	defer alloc.Deallocate(base)

	l, err := b.Build(base, 2*pageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(alloc.Translate(base)), l.PRP1)
	assert.Equal(t, uint64(alloc.Translate(base+pageSize)), l.PRP2)
	b.Release(l)
}

func TestBuildAlignmentErrors(t *testing.T) {
	alloc := newTestAlloc()
	b := NewBuilder(alloc, pageSize)
	defer b.Close()

	base := alloc.Allocate(4 * pageSize)
	defer alloc.Deallocate(base)

	_, err := b.Build(base+2, 512)
	assert.ErrorIs(t, err, ErrNotDwordAligned)

	// Multi-page buffers must start on a page boundary.
	_, err = b.Build(base+512, 3*pageSize)
	assert.ErrorIs(t, err, ErrNotPageAligned)
}

func TestBuildChainedListCoverage(t *testing.T) {
	alloc := newTestAlloc()
	b := NewBuilder(alloc, pageSize)
	defer b.Close()

	const pages = 16
	base := alloc.Allocate(pages * pageSize)
	defer alloc.Deallocate(base)

	l, err := b.Build(base, pages*pageSize)
	require.NoError(t, err)

	assert.Equal(t, uint64(alloc.Translate(base)), l.PRP1)

	// PRP2 points at one list page holding the 15 remaining data pages,
	// each translated independently.
	entries := listEntries(alloc.virt(l.PRP2), pages-1)
	for i, entry := range entries {
		want := uint64(alloc.Translate(base + uintptr(i+1)*pageSize))
		assert.Equal(t, want, entry, "entry %d", i)
	}
	b.Release(l)
}

func TestBuildChainAcrossListPages(t *testing.T) {
	alloc := newTestAlloc()
	b := NewBuilder(alloc, pageSize)
	defer b.Close()

	// 514 data pages: 513 beyond PRP1, needing a 511-entry list chained to
	// a 2-entry list.
	const pages = 514
	const perPage = pageSize / 8
	base := alloc.Allocate(pages * pageSize)
	defer alloc.Deallocate(base)

	l, err := b.Build(base, pages*pageSize)
	require.NoError(t, err)

	first := listEntries(alloc.virt(l.PRP2), perPage)
	for i := 0; i < perPage-1; i++ {
		want := uint64(alloc.Translate(base + uintptr(i+1)*pageSize))
		require.Equal(t, want, first[i], "first list entry %d", i)
	}

	// The final slot of the first list chains to the second.
	second := listEntries(alloc.virt(first[perPage-1]), 2)
	assert.Equal(t, uint64(alloc.Translate(base+uintptr(perPage)*pageSize)), second[0])
	assert.Equal(t, uint64(alloc.Translate(base+uintptr(perPage+1)*pageSize)), second[1])

	b.Release(l)
}

func TestListPagePooling(t *testing.T) {
	heap := dma.NewHeapAllocator()
	alloc := offsetAllocator{HeapAllocator: heap, shift: 0}
	b := NewBuilder(alloc, pageSize)

	base := alloc.Allocate(8 * pageSize)

	l, err := b.Build(base, 8*pageSize)
	require.NoError(t, err)
	liveWithList := heap.Live()

	// Releasing keeps the list page pooled, not freed.
	b.Release(l)
	assert.Equal(t, liveWithList, heap.Live())

	// The next build reuses it instead of allocating another.
	l2, err := b.Build(base, 8*pageSize)
	require.NoError(t, err)
	assert.Equal(t, liveWithList, heap.Live())
	b.Release(l2)

	// Close drains the pool.
	b.Close()
	alloc.Deallocate(base)
	assert.Equal(t, 0, heap.Live())
}
