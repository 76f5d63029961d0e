package nvme

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/driverkit/go-nvme/dma"
	"github.com/driverkit/go-nvme/internal/logging"
	"github.com/driverkit/go-nvme/internal/regs"
	"github.com/driverkit/go-nvme/internal/wire"
)

// Options tunes controller initialization. The zero value is usable.
type Options struct {
	// Logger receives structured driver logs. Defaults to the package
	// logger.
	Logger *logging.Logger

	// Metrics receives operation counters. A fresh instance is created
	// when nil.
	Metrics *Metrics

	// IOQueues is the number of I/O queue pairs requested from the
	// controller during feature negotiation. Defaults to 8. The device
	// may grant fewer.
	IOQueues uint16
}

// ControllerInfo carries the identify-controller fields the driver surfaces.
type ControllerInfo struct {
	SerialNumber     string
	ModelNumber      string
	FirmwareRevision string
	// MaxTransferBytes is the largest data length one command may carry.
	// Zero means the controller reported no limit.
	MaxTransferBytes int
}

// Controller is an enabled NVMe controller. It owns the register block and
// the admin queue pair, and hands out I/O queue pairs.
//
// Admin operations (identify, queue creation/deletion, Close) share the admin
// queue pair and must be externally serialized if called concurrently. I/O on
// distinct queue pairs needs no cross-queue synchronization.
type Controller struct {
	block regs.Block
	caps  regs.Capabilities
	alloc dma.Allocator

	pageSize int
	admin    *QueuePair
	info     ControllerInfo

	// Queue id negotiation and bookkeeping.
	wantQueues uint16
	grantedSQ  uint16
	grantedCQ  uint16
	negotiated bool
	nextQID    uint16
	freeQIDs   []uint16
	ioQueues   map[uint16]*QueuePair

	metrics *Metrics
	log     *logging.Logger
	closed  bool
}

// Init brings the controller at base through its enable sequence and returns
// a handle once CSTS.RDY is observed set. base is an already-mapped register
// block; alloc provides every piece of device-visible memory the driver
// needs. On failure the controller is left disabled and any rings allocated
// so far are released.
func Init(base uintptr, alloc dma.Allocator, opts *Options) (*Controller, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	wantQueues := opts.IOQueues
	if wantQueues == 0 {
		wantQueues = 8
	}
	if alloc == nil {
		return nil, NewError("INIT", ErrCodeInvalidParameters, "nil allocator")
	}

	block := regs.NewBlock(base)
	caps := block.Cap()
	timeout := caps.Timeout()
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}

	pageSize := caps.MinPageSize()
	log.Info("initializing controller",
		"version", fmt.Sprintf("%d.%d", block.Version()>>16, block.Version()>>8&0xff),
		"max_queue_entries", caps.MaxQueueEntries(),
		"page_size", pageSize,
		"timeout_ms", timeout.Milliseconds())

	// Disable first so the admin queue registers can be programmed, then
	// wait for the device to acknowledge by clearing RDY.
	block.SetConfig(block.Config() &^ regs.CCEnable)
	if err := awaitReady(block, false, timeout); err != nil {
		return nil, WrapError("INIT", ErrCodeInitTimeout, err)
	}
	block.MaskInterrupts(0xFFFFFFFF)

	sqMem := dma.AllocRegion(alloc, AdminQueueDepth*wire.SubmissionEntrySize)
	cqMem := dma.AllocRegion(alloc, AdminQueueDepth*wire.CompletionEntrySize)
	sqMem.Zero()
	cqMem.Zero()

	block.SetAdminQueueAttrs(AdminQueueDepth-1, AdminQueueDepth-1)
	block.SetAdminSQBase(uint64(sqMem.Phys()))
	block.SetAdminCQBase(uint64(cqMem.Phys()))

	// MPS encodes the page size as a power of two above 4 KiB. IOSQES and
	// IOCQES are fixed by the entry sizes (2^6 and 2^4 bytes).
	mps := uint32(bits.TrailingZeros(uint(pageSize)) - 12)
	cc := uint32(6)<<regs.CCShiftIOSQES | uint32(4)<<regs.CCShiftIOCQES | mps<<regs.CCShiftMPS | regs.CCEnable
	block.SetConfig(cc)

	if err := awaitReady(block, true, timeout); err != nil {
		block.SetConfig(block.Config() &^ regs.CCEnable)
		sqMem.Free()
		cqMem.Free()
		return nil, err
	}

	c := &Controller{
		block:      block,
		caps:       caps,
		alloc:      alloc,
		pageSize:   pageSize,
		wantQueues: wantQueues,
		nextQID:    1,
		ioQueues:   make(map[uint16]*QueuePair),
		metrics:    metrics,
		log:        log,
	}
	c.admin = newQueuePair(0, nil, AdminQueueDepth, sqMem, cqMem, block, alloc, pageSize, 0, metrics, log)

	if err := c.identifyController(); err != nil {
		c.teardown()
		return nil, err
	}
	log.Info("controller ready",
		"model", c.info.ModelNumber,
		"serial", c.info.SerialNumber,
		"firmware", c.info.FirmwareRevision,
		"max_transfer", c.info.MaxTransferBytes)
	return c, nil
}

// awaitReady polls CSTS.RDY for the wanted value, bounded by the
// capability-reported timeout. CSTS.CFS set at any point aborts immediately.
func awaitReady(block regs.Block, want bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if block.Fatal() {
			return NewError("INIT", ErrCodeControllerFatal, "fatal status during enable sequence")
		}
		if block.Ready() == want {
			return nil
		}
		if time.Now().After(deadline) {
			return NewError("INIT", ErrCodeInitTimeout,
				fmt.Sprintf("ready bit not %v within %s", want, timeout))
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Info returns the identify-controller fields.
func (c *Controller) Info() ControllerInfo { return c.info }

// PageSize returns the memory page size programmed into the controller.
func (c *Controller) PageSize() int { return c.pageSize }

// MaxQueueDepth returns the largest I/O queue depth the controller supports.
func (c *Controller) MaxQueueDepth() int { return c.caps.MaxQueueEntries() }

// Metrics returns the controller's metrics instance.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// adminExec runs one admin command synchronously and records it.
func (c *Controller) adminExec(op string, cmd *wire.SubmissionEntry) (uint32, error) {
	start := time.Now()
	result, err := c.admin.execSync(op, cmd)
	c.metrics.RecordAdmin(uint64(time.Since(start).Nanoseconds()), err == nil)
	return result, err
}

func (c *Controller) identifyController() error {
	buf := dma.AllocRegion(c.alloc, wire.IdentifyDataSize)
	defer buf.Free()

	cmd := wire.IdentifyController(uint64(buf.Phys()))
	if _, err := c.adminExec("IDENTIFY_CTRL", &cmd); err != nil {
		return err
	}
	data := wire.ParseControllerData(buf.Bytes())
	c.info = ControllerInfo{
		SerialNumber:     data.SerialNumber,
		ModelNumber:      data.ModelNumber,
		FirmwareRevision: data.FirmwareRevision,
	}
	if data.MDTS > 0 {
		c.info.MaxTransferBytes = (1 << data.MDTS) * c.pageSize
	}
	return nil
}

// IdentifyNamespaces returns the active namespaces with ids greater than
// baseNSID, in ascending order. Namespaces whose reported geometry is
// unusable (block size below 512, zero capacity, capacity overflow) are
// skipped; if nothing usable remains the call fails with
// ErrCodeUnsupportedNamespace.
func (c *Controller) IdentifyNamespaces(baseNSID uint32) ([]*Namespace, error) {
	if c.closed {
		return nil, NewError("IDENTIFY_NS", ErrCodeQueueClosed, "controller closed")
	}

	buf := dma.AllocRegion(c.alloc, wire.IdentifyDataSize)
	defer buf.Free()

	cmd := wire.IdentifyNSIDList(baseNSID, uint64(buf.Phys()))
	if _, err := c.adminExec("IDENTIFY_NSLIST", &cmd); err != nil {
		return nil, err
	}
	ids := wire.ParseNSIDList(buf.Bytes())

	var namespaces []*Namespace
	for _, id := range ids {
		cmd := wire.IdentifyNamespace(id, uint64(buf.Phys()))
		if _, err := c.adminExec("IDENTIFY_NS", &cmd); err != nil {
			return nil, err
		}
		ns, err := newNamespace(id, wire.ParseNamespaceData(buf.Bytes()))
		if err != nil {
			c.log.WithNamespace(id).Warn("skipping unusable namespace", "reason", err.Error())
			continue
		}
		c.log.WithNamespace(id).Info("namespace discovered",
			"block_size", ns.BlockSize, "blocks", ns.BlockCount)
		namespaces = append(namespaces, ns)
	}
	if len(namespaces) == 0 {
		return nil, NewError("IDENTIFY_NS", ErrCodeUnsupportedNamespace, "no usable namespace found")
	}
	return namespaces, nil
}

// negotiateQueues runs Set Features / Number of Queues once, before the
// first I/O queue is created. The granted counts bound how many queue pairs
// may exist at a time.
func (c *Controller) negotiateQueues() error {
	if c.negotiated {
		return nil
	}
	cmd := wire.SetNumberOfQueues(c.wantQueues, c.wantQueues)
	result, err := c.adminExec("SET_NUM_QUEUES", &cmd)
	if err != nil {
		return err
	}
	c.grantedSQ, c.grantedCQ = wire.GrantedQueues(result)
	c.negotiated = true
	c.log.Info("queue count negotiated",
		"requested", c.wantQueues, "granted_sq", c.grantedSQ, "granted_cq", c.grantedCQ)
	return nil
}

func (c *Controller) maxIOQueues() int {
	n := int(c.grantedSQ)
	if int(c.grantedCQ) < n {
		n = int(c.grantedCQ)
	}
	return n
}

// CreateIOQueuePair registers a new I/O queue pair of the given depth, bound
// to ns. A non-positive depth selects DefaultQueueDepth; depths are rounded
// down to a power of two and clamped to the controller maximum. The
// completion queue is created before the submission queue that feeds it, as
// the protocol requires.
func (c *Controller) CreateIOQueuePair(ns *Namespace, depth int) (*QueuePair, error) {
	if c.closed {
		return nil, NewError("CREATE_QP", ErrCodeQueueClosed, "controller closed")
	}
	if ns == nil {
		return nil, NewError("CREATE_QP", ErrCodeInvalidParameters, "nil namespace")
	}
	if err := c.negotiateQueues(); err != nil {
		return nil, err
	}
	if len(c.ioQueues) >= c.maxIOQueues() {
		return nil, NewError("CREATE_QP", ErrCodeInvalidParameters,
			fmt.Sprintf("controller granted only %d I/O queues", c.maxIOQueues()))
	}

	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if max := c.caps.MaxQueueEntries(); depth > max {
		depth = max
	}
	// Keep depth a power of two so the ring indices wrap cleanly.
	if depth&(depth-1) != 0 {
		depth = 1 << (bits.Len(uint(depth)) - 1)
	}
	if depth < 2 {
		return nil, NewError("CREATE_QP", ErrCodeInvalidParameters, "queue depth below 2")
	}

	qid := c.takeQID()

	cqMem := dma.AllocRegion(c.alloc, depth*wire.CompletionEntrySize)
	cqMem.Zero()
	cmd := wire.CreateIOCompletionQueue(qid, uint64(cqMem.Phys()), uint16(depth-1))
	if _, err := c.adminExec("CREATE_CQ", &cmd); err != nil {
		cqMem.Free()
		c.releaseQID(qid)
		return nil, err
	}

	sqMem := dma.AllocRegion(c.alloc, depth*wire.SubmissionEntrySize)
	sqMem.Zero()
	cmd = wire.CreateIOSubmissionQueue(qid, uint64(sqMem.Phys()), uint16(depth-1), qid)
	if _, err := c.adminExec("CREATE_SQ", &cmd); err != nil {
		sqMem.Free()
		del := wire.DeleteIOCompletionQueue(qid)
		if _, derr := c.adminExec("DELETE_CQ", &del); derr != nil {
			c.log.WithError(derr).Error("orphaned completion queue after failed submission queue creation", "qid", qid)
		}
		cqMem.Free()
		c.releaseQID(qid)
		return nil, err
	}

	qp := newQueuePair(qid, ns, uint32(depth), sqMem, cqMem, c.block, c.alloc,
		c.pageSize, c.info.MaxTransferBytes, c.metrics, c.log)
	c.ioQueues[qid] = qp
	c.log.Info("io queue pair created", "qid", qid, "depth", depth, "nsid", ns.ID)
	return qp, nil
}

// DeleteIOQueuePair tears down qp: the submission queue is deleted before
// the completion queue it feeds (reverse creation order), then the ring
// memory is released. The queue pair is unusable afterwards; operations on
// it fail with ErrCodeQueueClosed.
func (c *Controller) DeleteIOQueuePair(qp *QueuePair) error {
	if c.closed {
		return NewError("DELETE_QP", ErrCodeQueueClosed, "controller closed")
	}
	if qp == nil || qp.closed {
		return NewError("DELETE_QP", ErrCodeQueueClosed, "queue pair already deleted")
	}
	if _, ok := c.ioQueues[qp.id]; !ok {
		return NewError("DELETE_QP", ErrCodeInvalidParameters,
			fmt.Sprintf("queue pair %d does not belong to this controller", qp.id))
	}

	cmd := wire.DeleteIOSubmissionQueue(qp.id)
	if _, err := c.adminExec("DELETE_SQ", &cmd); err != nil {
		return err
	}
	cmd = wire.DeleteIOCompletionQueue(qp.id)
	if _, err := c.adminExec("DELETE_CQ", &cmd); err != nil {
		return err
	}

	delete(c.ioQueues, qp.id)
	c.releaseQID(qp.id)
	qp.destroy()
	c.log.Info("io queue pair deleted", "qid", qp.id)
	return nil
}

// Close deletes all live I/O queue pairs, disables the controller, and
// releases the admin rings. The handle is unusable afterwards.
func (c *Controller) Close() error {
	if c.closed {
		return nil
	}

	var firstErr error
	for qid, qp := range c.ioQueues {
		if err := c.DeleteIOQueuePair(qp); err != nil {
			c.log.WithError(err).Warn("failed to delete queue pair during close", "qid", qid)
			if firstErr == nil {
				firstErr = err
			}
			qp.destroy()
			delete(c.ioQueues, qid)
		}
	}

	c.closed = true
	c.block.SetConfig(c.block.Config() &^ regs.CCEnable)
	timeout := c.caps.Timeout()
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}
	if err := awaitReady(c.block, false, timeout); err != nil {
		c.log.WithError(err).Warn("controller did not acknowledge disable")
		if firstErr == nil {
			firstErr = err
		}
	}
	c.admin.destroy()
	c.metrics.Stop()
	c.log.Info("controller closed")
	return firstErr
}

// teardown releases init-time resources after a partial failure.
func (c *Controller) teardown() {
	c.block.SetConfig(c.block.Config() &^ regs.CCEnable)
	c.admin.destroy()
	c.closed = true
}

func (c *Controller) takeQID() uint16 {
	if n := len(c.freeQIDs); n > 0 {
		qid := c.freeQIDs[n-1]
		c.freeQIDs = c.freeQIDs[:n-1]
		return qid
	}
	qid := c.nextQID
	c.nextQID++
	return qid
}

func (c *Controller) releaseQID(qid uint16) {
	c.freeQIDs = append(c.freeQIDs, qid)
}
