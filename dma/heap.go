package dma

import (
	"sync"
	"unsafe"
)

const heapAlign = 4096

// HeapAllocator implements Allocator on the Go heap with identity
// translation. The Go collector does not move heap objects, so a virtual
// address is stable for the lifetime of the allocation and can double as the
// "physical" address when driver and device share one address space — which
// is exactly the situation in tests, benchmarks and the SoftController.
//
// It is not suitable for driving real hardware: a real environment supplies
// its own Allocator backed by a frame allocator and page tables.
type HeapAllocator struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
}

// NewHeapAllocator returns an empty heap-backed allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{regions: make(map[uintptr][]byte)}
}

// Allocate returns a page-aligned, zeroed region of at least size bytes.
func (h *HeapAllocator) Allocate(size int) uintptr {
	if size <= 0 {
		size = 1
	}
	buf := make([]byte, size+heapAlign)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + heapAlign - 1) &^ (heapAlign - 1)

	h.mu.Lock()
	h.regions[aligned] = buf // keeps the backing array reachable
	h.mu.Unlock()

	return aligned
}

// Deallocate drops the region, letting the collector reclaim it.
func (h *HeapAllocator) Deallocate(addr uintptr) {
	h.mu.Lock()
	delete(h.regions, addr)
	h.mu.Unlock()
}

// Translate is the identity: one shared address space.
func (h *HeapAllocator) Translate(addr uintptr) uintptr { return addr }

// Live returns the number of outstanding allocations. Tests use it to verify
// the driver releases everything it allocates.
func (h *HeapAllocator) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

var _ Allocator = (*HeapAllocator)(nil)
