// Package prp translates caller buffers into the physical region descriptors
// a command carries. Buffers spanning at most two pages fit in the two inline
// descriptor fields; anything larger needs out-of-line list pages, which are
// recycled through a small pool to avoid allocating on every command.
package prp

import (
	"encoding/binary"
	"errors"

	"github.com/driverkit/go-nvme/dma"
)

var (
	// ErrNotDwordAligned reports a buffer address with the low two bits set.
	ErrNotDwordAligned = errors.New("buffer not dword aligned")
	// ErrNotPageAligned reports a multi-page buffer that does not start on
	// a page boundary.
	ErrNotPageAligned = errors.New("multi-page buffer not page aligned")
)

// poolCap bounds how many list pages are kept for reuse.
const poolCap = 32

// List is the descriptor set for one command: the two inline fields plus any
// out-of-line list pages backing PRP2. It must be returned to the builder
// with Release once the command has completed.
type List struct {
	PRP1  uint64
	PRP2  uint64
	pages []dma.Region
}

// Builder constructs descriptor lists for one controller's page size.
type Builder struct {
	alloc    dma.Allocator
	pageSize int
	pool     []dma.Region
}

// NewBuilder returns a builder using the given allocator for list pages.
// pageSize is the memory page size programmed into the controller.
func NewBuilder(alloc dma.Allocator, pageSize int) *Builder {
	return &Builder{alloc: alloc, pageSize: pageSize}
}

// PageSize returns the page size the builder was configured with.
func (b *Builder) PageSize() int { return b.pageSize }

// Build produces the descriptors covering [addr, addr+length). Every page is
// translated independently through the allocator capability; physical
// contiguity is never assumed.
//
// A buffer crossing a page boundary must start page aligned, because the
// device transfers page-at-a-time from the second descriptor onward. All
// buffers must be at least dword aligned.
func (b *Builder) Build(addr uintptr, length int) (List, error) {
	if addr&0x3 != 0 {
		return List{}, ErrNotDwordAligned
	}

	ps := uintptr(b.pageSize)
	offset := int(addr & (ps - 1))
	pages := (offset + length + b.pageSize - 1) / b.pageSize

	prp1 := uint64(b.alloc.Translate(addr))
	if pages <= 1 {
		return List{PRP1: prp1}, nil
	}
	if offset != 0 {
		return List{}, ErrNotPageAligned
	}
	if pages == 2 {
		return List{PRP1: prp1, PRP2: uint64(b.alloc.Translate(addr + ps))}, nil
	}

	// Three or more pages: PRP2 points at a chained list of page addresses.
	// Each list page holds pageSize/8 entries; in every page but the last,
	// the final entry chains to the next list page.
	perPage := b.pageSize / 8
	remaining := pages - 1
	listsNeeded := (remaining - 1 + perPage - 2) / (perPage - 1)

	l := List{PRP1: prp1, pages: make([]dma.Region, 0, listsNeeded)}
	entry := 0 // index into the remaining data pages
	for li := 0; li < listsNeeded; li++ {
		region := b.takeListPage()
		buf := region.Bytes()

		count := remaining - entry
		if li < listsNeeded-1 {
			count = perPage - 1
		}
		for i := 0; i < count; i++ {
			page := addr + ps*uintptr(1+entry+i)
			binary.LittleEndian.PutUint64(buf[8*i:], uint64(b.alloc.Translate(page)))
		}
		entry += count
		l.pages = append(l.pages, region)
	}

	for li := 0; li < len(l.pages)-1; li++ {
		buf := l.pages[li].Bytes()
		binary.LittleEndian.PutUint64(buf[8*(perPage-1):], uint64(l.pages[li+1].Phys()))
	}
	l.PRP2 = uint64(l.pages[0].Phys())

	return l, nil
}

// Release returns a list's pages to the pool, or to the allocator once the
// pool is full.
func (b *Builder) Release(l List) {
	for _, region := range l.pages {
		if len(b.pool) < poolCap {
			b.pool = append(b.pool, region)
		} else {
			region.Free()
		}
	}
}

// Close frees all pooled list pages.
func (b *Builder) Close() {
	for i := range b.pool {
		b.pool[i].Free()
	}
	b.pool = nil
}

func (b *Builder) takeListPage() dma.Region {
	if n := len(b.pool); n > 0 {
		r := b.pool[n-1]
		b.pool = b.pool[:n-1]
		return r
	}
	return dma.AllocRegion(b.alloc, b.pageSize)
}
