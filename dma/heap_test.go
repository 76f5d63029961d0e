package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocatorAlignment(t *testing.T) {
	h := NewHeapAllocator()

	for _, size := range []int{1, 512, 4096, 3 * 4096} {
		addr := h.Allocate(size)
		require.NotZero(t, addr)
		assert.Zero(t, addr&(heapAlign-1), "size %d not page aligned", size)
		h.Deallocate(addr)
	}
	assert.Equal(t, 0, h.Live())
}

func TestHeapAllocatorIdentityTranslate(t *testing.T) {
	h := NewHeapAllocator()
	addr := h.Allocate(4096)
	defer h.Deallocate(addr)

	assert.Equal(t, addr, h.Translate(addr))
	assert.Equal(t, addr+100, h.Translate(addr+100))
}

func TestRegionLifecycle(t *testing.T) {
	h := NewHeapAllocator()

	r := AllocRegion(h, 8192)
	assert.Equal(t, 8192, r.Size())
	assert.Equal(t, r.Addr(), r.Phys())
	assert.Equal(t, 1, h.Live())

	b := r.Bytes()
	require.Len(t, b, 8192)
	b[0] = 0xAA
	b[8191] = 0x55

	r.Zero()
	assert.Zero(t, b[0])
	assert.Zero(t, b[8191])

	r.Free()
	assert.Equal(t, 0, h.Live())
	assert.Nil(t, r.Bytes())
}
