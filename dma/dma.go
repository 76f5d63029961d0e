// Package dma defines the memory capability the driver is given by its
// embedding environment. The driver never allocates device-visible memory on
// its own: every ring, PRP list and identify buffer goes through an Allocator
// supplied at initialization.
package dma

import "unsafe"

// Allocator provides device-reachable memory and virtual-to-physical
// translation. Implementations must return memory that is physically
// contiguous per allocation, at least page aligned, and whose translation
// stays stable until Deallocate.
type Allocator interface {
	// Allocate returns the virtual base address of a new region of at
	// least size bytes. The region contents are undefined.
	Allocate(size int) uintptr

	// Deallocate releases a region previously returned by Allocate.
	Deallocate(addr uintptr)

	// Translate maps a virtual address inside an allocated region to the
	// physical/bus address the device uses.
	Translate(addr uintptr) uintptr
}

// Region is a single allocation with its translated base address.
type Region struct {
	addr  uintptr
	phys  uintptr
	size  int
	alloc Allocator
}

// AllocRegion allocates size bytes through a and records the physical base.
func AllocRegion(a Allocator, size int) Region {
	addr := a.Allocate(size)
	return Region{
		addr:  addr,
		phys:  a.Translate(addr),
		size:  size,
		alloc: a,
	}
}

// Addr returns the virtual base address.
func (r Region) Addr() uintptr { return r.addr }

// Phys returns the physical base address.
func (r Region) Phys() uintptr { return r.phys }

// Size returns the region length in bytes.
func (r Region) Size() int { return r.size }

// Bytes exposes the region as a byte slice.
func (r Region) Bytes() []byte {
	if r.addr == 0 || r.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r.addr)), r.size)
}

// Zero clears the region. Rings must be zeroed before being handed to the
// controller so stale phase bits cannot be mistaken for completions.
func (r Region) Zero() {
	b := r.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// Free returns the region to its allocator. The Region must not be used
// afterwards.
func (r *Region) Free() {
	if r.alloc != nil && r.addr != 0 {
		r.alloc.Deallocate(r.addr)
	}
	r.addr, r.phys, r.size = 0, 0, 0
}
