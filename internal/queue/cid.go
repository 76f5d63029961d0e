package queue

import "errors"

// Command-id bookkeeping for one queue pair. Ids are unique among in-flight
// commands and are only reused after their completion has been consumed.

var (
	// ErrNoFreeCID is returned when depth commands are already outstanding.
	ErrNoFreeCID = errors.New("no free command id")
	// ErrUnknownCID is returned for a completion whose command id does not
	// match any outstanding command.
	ErrUnknownCID = errors.New("completion for unknown command id")
)

type cidState uint8

const (
	cidFree cidState = iota
	cidInFlight
	cidDone
)

type cidSlot struct {
	state  cidState
	status uint16
	result uint32
}

// CIDTable tracks up to depth outstanding command ids.
type CIDTable struct {
	slots []cidSlot
	free  []uint16
}

// NewCIDTable builds a table for a queue of the given depth.
func NewCIDTable(depth uint32) *CIDTable {
	t := &CIDTable{
		slots: make([]cidSlot, depth),
		free:  make([]uint16, 0, depth),
	}
	for i := int(depth) - 1; i >= 0; i-- {
		t.free = append(t.free, uint16(i))
	}
	return t
}

// Acquire hands out a free command id.
func (t *CIDTable) Acquire() (uint16, error) {
	n := len(t.free)
	if n == 0 {
		return 0, ErrNoFreeCID
	}
	cid := t.free[n-1]
	t.free = t.free[:n-1]
	t.slots[cid] = cidSlot{state: cidInFlight}
	return cid, nil
}

// Outstanding returns the number of in-flight command ids.
func (t *CIDTable) Outstanding() int { return len(t.slots) - len(t.free) }

// Complete records the device's verdict for an in-flight command id.
// Completions arrive in ring order, not submission order; the id is the only
// link back to the logical operation.
func (t *CIDTable) Complete(cid uint16, status uint16, result uint32) error {
	if int(cid) >= len(t.slots) || t.slots[cid].state != cidInFlight {
		return ErrUnknownCID
	}
	t.slots[cid] = cidSlot{state: cidDone, status: status, result: result}
	return nil
}

// Take returns the recorded status and result once the command id has
// completed, releasing the id for reuse.
func (t *CIDTable) Take(cid uint16) (status uint16, result uint32, done bool) {
	if int(cid) >= len(t.slots) || t.slots[cid].state != cidDone {
		return 0, 0, false
	}
	s := t.slots[cid]
	t.slots[cid] = cidSlot{}
	t.free = append(t.free, cid)
	return s.status, s.result, true
}

// Release abandons an acquired id that was never submitted (for example when
// the ring turned out to be full).
func (t *CIDTable) Release(cid uint16) {
	if int(cid) < len(t.slots) && t.slots[cid].state == cidInFlight {
		t.slots[cid] = cidSlot{}
		t.free = append(t.free, cid)
	}
}
