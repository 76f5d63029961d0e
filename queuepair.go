package nvme

import (
	"fmt"
	"runtime"
	"time"

	"github.com/driverkit/go-nvme/dma"
	"github.com/driverkit/go-nvme/internal/logging"
	"github.com/driverkit/go-nvme/internal/prp"
	"github.com/driverkit/go-nvme/internal/queue"
	"github.com/driverkit/go-nvme/internal/regs"
	"github.com/driverkit/go-nvme/internal/wire"
)

// QueuePair owns one submission ring and one completion ring and runs the
// command protocol over them. I/O queue pairs are bound to a namespace and
// carry Read/Write/Flush; the admin queue pair (queue id 0) is owned by the
// Controller.
//
// A queue pair performs no internal locking. The intended pattern is one
// queue pair per worker goroutine; sharing one across goroutines requires
// external mutual exclusion.
type QueuePair struct {
	id    uint16
	ns    *Namespace // nil on the admin queue
	depth uint32

	sq   *queue.SubRing
	cq   *queue.CompRing
	cids *queue.CIDTable
	db   regs.Doorbells
	regs regs.Block
	prps *prp.Builder

	sqMem dma.Region
	cqMem dma.Region

	// maxTransfer caps one command's data length in bytes; 0 means the
	// controller reported no limit.
	maxTransfer int

	metrics *Metrics
	log     *logging.Logger
	closed  bool
}

func newQueuePair(id uint16, ns *Namespace, depth uint32, sqMem, cqMem dma.Region,
	block regs.Block, alloc dma.Allocator, pageSize, maxTransfer int,
	metrics *Metrics, log *logging.Logger) *QueuePair {
	return &QueuePair{
		id:          id,
		ns:          ns,
		depth:       depth,
		sq:          queue.NewSubRing(sqMem.Addr(), depth),
		cq:          queue.NewCompRing(cqMem.Addr(), depth),
		cids:        queue.NewCIDTable(depth),
		db:          block.Doorbells(),
		regs:        block,
		prps:        prp.NewBuilder(alloc, pageSize),
		sqMem:       sqMem,
		cqMem:       cqMem,
		maxTransfer: maxTransfer,
		metrics:     metrics,
		log:         log.WithQueue(id),
	}
}

// ID returns the queue identifier.
func (qp *QueuePair) ID() uint16 { return qp.id }

// Depth returns the ring depth in entries.
func (qp *QueuePair) Depth() int { return int(qp.depth) }

// Namespace returns the namespace this queue pair is bound to, or nil for
// the admin queue.
func (qp *QueuePair) Namespace() *Namespace { return qp.ns }

// Outstanding returns the number of commands submitted but not yet resolved.
func (qp *QueuePair) Outstanding() int { return qp.cids.Outstanding() }

// Read transfers length bytes starting at lba from the namespace into the
// buffer at addr. length must be a positive multiple of the namespace block
// size; the buffer must satisfy the descriptor builder's alignment contract.
// The call busy-polls until the command completes.
func (qp *QueuePair) Read(addr uintptr, length int, lba uint64) error {
	return qp.readWrite(false, addr, length, lba)
}

// Write transfers length bytes from the buffer at addr into the namespace
// starting at lba. Same contract as Read.
func (qp *QueuePair) Write(addr uintptr, length int, lba uint64) error {
	return qp.readWrite(true, addr, length, lba)
}

func (qp *QueuePair) readWrite(write bool, addr uintptr, length int, lba uint64) error {
	op := "READ"
	if write {
		op = "WRITE"
	}

	start := time.Now()
	err := qp.doReadWrite(op, write, addr, length, lba)
	latency := uint64(time.Since(start).Nanoseconds())
	if write {
		qp.metrics.RecordWrite(uint64(length), latency, err == nil)
	} else {
		qp.metrics.RecordRead(uint64(length), latency, err == nil)
	}
	return err
}

func (qp *QueuePair) doReadWrite(op string, write bool, addr uintptr, length int, lba uint64) error {
	if qp.closed {
		return NewQueueError(op, qp.id, ErrCodeQueueClosed, "queue pair has been deleted")
	}
	if qp.ns == nil {
		return NewQueueError(op, qp.id, ErrCodeInvalidParameters, "admin queue carries no data commands")
	}
	blockSize := int(qp.ns.BlockSize)
	if length <= 0 || length%blockSize != 0 {
		return NewQueueError(op, qp.id, ErrCodeInvalidBufferSize,
			fmt.Sprintf("length %d is not a positive multiple of block size %d", length, blockSize))
	}
	blocks := length / blockSize
	if blocks > maxBlocksPerCommand {
		return NewQueueError(op, qp.id, ErrCodeTransferTooLarge,
			fmt.Sprintf("%d blocks exceeds the %d-block command limit", blocks, maxBlocksPerCommand))
	}
	if qp.maxTransfer > 0 && length > qp.maxTransfer {
		return NewQueueError(op, qp.id, ErrCodeTransferTooLarge,
			fmt.Sprintf("length %d exceeds controller transfer limit %d", length, qp.maxTransfer))
	}
	if uint64(blocks) > qp.ns.BlockCount || lba > qp.ns.BlockCount-uint64(blocks) {
		return NewQueueError(op, qp.id, ErrCodeInvalidParameters,
			fmt.Sprintf("range [%d, %d) exceeds namespace capacity %d blocks", lba, lba+uint64(blocks), qp.ns.BlockCount))
	}

	descs, err := qp.prps.Build(addr, length)
	if err != nil {
		return NewQueueError(op, qp.id, ErrCodeInvalidAlignment, err.Error())
	}
	defer qp.prps.Release(descs)

	cmd := wire.ReadWrite(write, qp.ns.ID, lba, uint16(blocks-1), descs.PRP1, descs.PRP2)
	_, err = qp.execSync(op, &cmd)
	return err
}

// Flush asks the controller to commit volatile write-cache contents for this
// queue pair's namespace to stable media.
func (qp *QueuePair) Flush() error {
	start := time.Now()
	err := qp.doFlush()
	qp.metrics.RecordFlush(uint64(time.Since(start).Nanoseconds()), err == nil)
	return err
}

func (qp *QueuePair) doFlush() error {
	if qp.closed {
		return NewQueueError("FLUSH", qp.id, ErrCodeQueueClosed, "queue pair has been deleted")
	}
	if qp.ns == nil {
		return NewQueueError("FLUSH", qp.id, ErrCodeInvalidParameters, "admin queue carries no data commands")
	}
	cmd := wire.SubmissionEntry{Opcode: wire.IOFlush, NSID: qp.ns.ID}
	_, err := qp.execSync("FLUSH", &cmd)
	return err
}

// execSync submits one command and busy-polls until its completion arrives.
// It returns the command-specific result dword. Completions for other
// outstanding commands encountered while polling are recorded in the command
// table, not lost.
//
// There is no internal timeout: the loop spins until the device answers or
// reports fatal status. Callers needing a deadline wrap this externally.
func (qp *QueuePair) execSync(op string, cmd *wire.SubmissionEntry) (uint32, error) {
	cid, err := qp.cids.Acquire()
	if err != nil {
		return 0, NewQueueError(op, qp.id, ErrCodeQueueFull, "all command ids outstanding")
	}
	cmd.CID = cid

	tail, err := qp.sq.Push(cmd)
	if err != nil {
		qp.cids.Release(cid)
		return 0, NewQueueError(op, qp.id, ErrCodeQueueFull, "submission ring full")
	}
	qp.db.RingSQTail(qp.id, tail)
	qp.log.Debug("command submitted", "opcode", cmd.Opcode, "cid", cid)

	for {
		if entry, head, ok := qp.cq.TryPop(); ok {
			qp.sq.SetHead(entry.SQHead)
			if cerr := qp.cids.Complete(entry.CID, entry.Status, entry.Result); cerr != nil {
				qp.log.Warn("dropping completion with unknown command id", "cid", entry.CID)
			}
			qp.db.RingCQHead(qp.id, head)

			status, result, done := qp.cids.Take(cid)
			if !done {
				continue
			}
			if raw := status >> 1 & 0x7ff; raw != 0 {
				qp.log.Warn("command failed", "cid", cid, "status", raw)
				return result, NewCommandError(op, qp.id, raw)
			}
			return result, nil
		}

		if qp.regs.Fatal() {
			return 0, NewQueueError(op, qp.id, ErrCodeControllerFatal, "fatal status while awaiting completion")
		}
		qp.metrics.CompletionPolls.Add(1)
		runtime.Gosched()
	}
}

// destroy releases the queue pair's memory and marks it closed. Called by the
// Controller after the delete commands have completed (or during teardown).
func (qp *QueuePair) destroy() {
	if qp.closed {
		return
	}
	qp.closed = true
	qp.prps.Close()
	qp.sqMem.Free()
	qp.cqMem.Free()
}
