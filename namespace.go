package nvme

import (
	"math"

	"github.com/driverkit/go-nvme/internal/wire"
)

// Namespace describes one logical volume on the controller. It is built once
// during identify and immutable afterwards.
type Namespace struct {
	// ID is the namespace identifier, 1-based.
	ID uint32
	// BlockSize is the formatted logical block size in bytes.
	BlockSize uint32
	// BlockCount is the namespace capacity in logical blocks.
	BlockCount uint64
}

// Size returns the namespace capacity in bytes.
func (ns *Namespace) Size() uint64 {
	return ns.BlockCount * uint64(ns.BlockSize)
}

// newNamespace validates identify data into a Namespace. The formatted block
// size must be a power of two of at least 512 bytes, the capacity must be
// non-zero, and the byte capacity must fit in 64 bits.
func newNamespace(id uint32, data wire.NamespaceData) (*Namespace, error) {
	blockSize := uint32(0)
	if data.LBAShift < 32 {
		blockSize = 1 << data.LBAShift
	}
	if blockSize < MinBlockSize {
		return nil, NewError("IDENTIFY_NS", ErrCodeUnsupportedNamespace,
			"block size below 512 or not a power of two")
	}
	if data.Capacity == 0 {
		return nil, NewError("IDENTIFY_NS", ErrCodeUnsupportedNamespace,
			"namespace has zero capacity")
	}
	if data.Capacity > math.MaxUint64/uint64(blockSize) {
		return nil, NewError("IDENTIFY_NS", ErrCodeUnsupportedNamespace,
			"byte capacity overflows addressable range")
	}
	return &Namespace{ID: id, BlockSize: blockSize, BlockCount: data.Capacity}, nil
}
