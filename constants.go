// Package nvme is a polled-mode driver core for NVMe controllers in
// environments without operating system services. The caller supplies a
// mapped register base address and a dma.Allocator capability; the driver
// brings the controller to ready, discovers namespaces, and moves blocks
// through paired submission/completion rings.
package nvme

// Queue sizing defaults.
const (
	// AdminQueueDepth is the fixed depth of the admin queue pair.
	AdminQueueDepth = 64

	// DefaultQueueDepth is used when CreateIOQueuePair is called with a
	// non-positive depth.
	DefaultQueueDepth = 64

	// MinBlockSize is the smallest logical block size a namespace may report.
	MinBlockSize = 512

	// maxBlocksPerCommand bounds one read/write: the block-count field on
	// the wire is 16 bits, zero based.
	maxBlocksPerCommand = 65536
)
