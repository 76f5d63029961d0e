// Package queue implements the circular-buffer mechanics shared by the admin
// and I/O queue pairs: submission tail arithmetic, completion head and
// phase-tag tracking, and command-id bookkeeping. It operates on ring memory
// it is handed and knows nothing about doorbells or allocation.
package queue

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/driverkit/go-nvme/internal/wire"
)

// ErrRingFull is returned by Push when advancing the tail would collide with
// the head. The caller maps this to its public queue-full error.
var ErrRingFull = errors.New("submission ring full")

// SubRing is the driver-side state of one submission ring.
type SubRing struct {
	base  uintptr
	depth uint32
	head  uint32
	tail  uint32
}

// NewSubRing wraps zeroed ring memory of depth 64-byte slots.
func NewSubRing(base uintptr, depth uint32) *SubRing {
	return &SubRing{base: base, depth: depth}
}

// Depth returns the number of slots.
func (r *SubRing) Depth() uint32 { return r.depth }

// Tail returns the local tail index.
func (r *SubRing) Tail() uint32 { return r.tail }

// Push writes e into the slot at the tail and advances it. The tail may
// never pass the head by more than depth-1 entries; a full ring is reported,
// never overwritten. The returned value is the new tail for the doorbell.
func (r *SubRing) Push(e *wire.SubmissionEntry) (uint32, error) {
	next := (r.tail + 1) % r.depth
	if next == r.head {
		return 0, ErrRingFull
	}
	slot := unsafe.Slice((*byte)(unsafe.Pointer(r.base+uintptr(r.tail)*wire.SubmissionEntrySize)), wire.SubmissionEntrySize)
	e.MarshalInto(slot)
	r.tail = next
	return next, nil
}

// SetHead records the submission head reported in a completion entry,
// freeing the slots the device has consumed.
func (r *SubRing) SetHead(head uint16) { r.head = uint32(head) % r.depth }

// CompRing is the driver-side state of one completion ring.
type CompRing struct {
	base  uintptr
	depth uint32
	head  uint32
	phase bool
}

// NewCompRing wraps zeroed ring memory of depth 16-byte slots. The expected
// phase starts at 1: the ring is zeroed, so no stale slot can match.
func NewCompRing(base uintptr, depth uint32) *CompRing {
	return &CompRing{base: base, depth: depth, phase: true}
}

// Depth returns the number of slots.
func (r *CompRing) Depth() uint32 { return r.depth }

// Head returns the local head index.
func (r *CompRing) Head() uint32 { return r.head }

// Phase returns the currently expected phase tag.
func (r *CompRing) Phase() bool { return r.phase }

// TryPop inspects the slot at the head. A slot is a new completion only when
// its phase tag equals the expected value; anything else is stale ring
// content and is never delivered. On a match the head advances, the expected
// phase flips when the head wraps to zero, and the new head (for the
// doorbell) is returned.
//
// The status dword is loaded atomically before the rest of the slot: the
// device stores it last, so observing the right phase guarantees the
// remaining bytes are in place.
func (r *CompRing) TryPop() (wire.CompletionEntry, uint32, bool) {
	slotBase := r.base + uintptr(r.head)*wire.CompletionEntrySize
	dw3 := atomic.LoadUint32((*uint32)(unsafe.Pointer(slotBase + 12)))
	status := uint16(dw3 >> 16)
	if (status&1 == 1) != r.phase {
		return wire.CompletionEntry{}, 0, false
	}

	var e wire.CompletionEntry
	slot := unsafe.Slice((*byte)(unsafe.Pointer(slotBase)), wire.CompletionEntrySize)
	wire.UnmarshalCompletion(slot, &e)

	r.head = (r.head + 1) % r.depth
	if r.head == 0 {
		r.phase = !r.phase
	}
	return e, r.head, true
}

// Post writes a completion into the ring from the device side, storing the
// status dword last so the driver's phase check cannot observe a torn entry.
// Used by the SoftController.
func (r *CompRing) Post(e *wire.CompletionEntry) {
	slotBase := r.base + uintptr(r.head)*wire.CompletionEntrySize
	slot := unsafe.Slice((*byte)(unsafe.Pointer(slotBase)), wire.CompletionEntrySize)

	var staged [wire.CompletionEntrySize]byte
	if r.phase {
		e.Status |= 1
	} else {
		e.Status &^= 1
	}
	e.MarshalInto(staged[:])
	copy(slot[:12], staged[:12])
	atomic.StoreUint32((*uint32)(unsafe.Pointer(slotBase+12)),
		uint32(staged[12])|uint32(staged[13])<<8|uint32(staged[14])<<16|uint32(staged[15])<<24)

	r.head = (r.head + 1) % r.depth
	if r.head == 0 {
		r.phase = !r.phase
	}
}
