package nvme

import (
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"github.com/driverkit/go-nvme/dma"
	"github.com/driverkit/go-nvme/internal/queue"
	"github.com/driverkit/go-nvme/internal/regs"
	"github.com/driverkit/go-nvme/internal/wire"
)

// SoftController is a software device model for tests, benchmarks and
// examples. It backs a register block with plain memory, runs a goroutine
// that emulates the controller state machine, and services submission rings
// against an in-memory disk. The driver runs against it exactly as it would
// against mapped hardware: same registers, same rings, same doorbells.
//
// One namespace (id 1) is exposed. Memory translation is the identity, via
// dma.HeapAllocator.
type SoftController struct {
	cfg      SoftConfig
	alloc    *dma.HeapAllocator
	regsMem  dma.Region
	block    regs.Block
	db       regs.Doorbells
	disk     []byte
	lbaShift uint8

	mu       sync.Mutex
	sqs      map[uint16]*softSQ
	cqs      map[uint16]*softCQ
	failNext map[uint8]uint16
	fatal    bool

	stop chan struct{}
	done chan struct{}
}

// SoftConfig tunes the device model. The zero value selects the defaults.
type SoftConfig struct {
	BlockSize int    // logical block size, default 512
	Blocks    int    // namespace capacity in blocks, default 8192
	MDTS      uint8  // identify-controller transfer limit exponent, default 0 (no limit)
	IOQueues  uint16 // I/O queue count granted during negotiation, default 8

	Serial   string
	Model    string
	Firmware string
}

// softSQ is the device-side view of one submission ring.
type softSQ struct {
	base  uintptr
	depth uint32
	head  uint32
	cqid  uint16
}

// softCQ is the device-side view of one completion ring.
type softCQ struct {
	ring *queue.CompRing
}

const softPageSize = 4096

// NewSoftController starts a device model. Callers must Close it after the
// driver has been shut down.
func NewSoftController(cfg *SoftConfig) *SoftController {
	c := SoftConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.BlockSize == 0 {
		c.BlockSize = 512
	}
	if c.Blocks == 0 {
		c.Blocks = 8192
	}
	if c.IOQueues == 0 {
		c.IOQueues = 8
	}
	if c.Serial == "" {
		c.Serial = "SOFT0001"
	}
	if c.Model == "" {
		c.Model = "go-nvme soft controller"
	}
	if c.Firmware == "" {
		c.Firmware = "1.0"
	}

	shift := uint8(0)
	for 1<<shift < c.BlockSize {
		shift++
	}

	alloc := dma.NewHeapAllocator()
	regsMem := dma.AllocRegion(alloc, 64<<10)
	regsMem.Zero()

	s := &SoftController{
		cfg:      c,
		alloc:    alloc,
		regsMem:  regsMem,
		block:    regs.NewBlock(regsMem.Addr()),
		db:       regs.NewDoorbells(regsMem.Addr(), 0),
		disk:     make([]byte, c.Blocks*c.BlockSize),
		lbaShift: shift,
		sqs:      make(map[uint16]*softSQ),
		cqs:      make(map[uint16]*softCQ),
		failNext: make(map[uint8]uint16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	// MQES 1023, TO 2 (1 s), stride 0, 4 KiB pages only.
	s.block.SetCapabilities(0x3FF | uint64(2)<<24)
	s.block.SetVersion(1<<16 | 4<<8)

	go s.run()
	return s
}

// Base returns the register base address to hand to Init.
func (s *SoftController) Base() uintptr { return s.regsMem.Addr() }

// Allocator returns the allocator the driver should use against this model.
func (s *SoftController) Allocator() *dma.HeapAllocator { return s.alloc }

// Disk exposes the backing store for test assertions.
func (s *SoftController) Disk() []byte { return s.disk }

// FailNext arranges for the next command with the given opcode to complete
// with the given status instead of executing.
func (s *SoftController) FailNext(opcode uint8, sct, sc uint8) {
	s.mu.Lock()
	s.failNext[opcode] = uint16(sct&0x7)<<8 | uint16(sc)
	s.mu.Unlock()
}

// SetFatal latches CSTS.CFS and stops servicing commands, emulating an
// unrecoverable controller failure.
func (s *SoftController) SetFatal() {
	s.mu.Lock()
	s.fatal = true
	s.block.SetStatus(s.block.Status() | regs.CSTSFatal)
	s.mu.Unlock()
}

// Close stops the device goroutine and releases the register memory. The
// driver must be closed first.
func (s *SoftController) Close() {
	close(s.stop)
	<-s.done
	s.regsMem.Free()
}

func (s *SoftController) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.step()
		time.Sleep(2 * time.Microsecond)
	}
}

// step advances the device model by one pass: enable-state transitions first,
// then one drain of every submission ring.
func (s *SoftController) step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal {
		return
	}

	enabled := s.block.Config()&regs.CCEnable != 0
	csts := s.block.Status()
	ready := csts&regs.CSTSReady != 0

	switch {
	case enabled && !ready:
		s.attachAdminQueues()
		s.block.SetStatus(csts | regs.CSTSReady)
		return
	case !enabled && ready:
		s.sqs = make(map[uint16]*softSQ)
		s.cqs = make(map[uint16]*softCQ)
		// Stale doorbell values would be mistaken for pending entries on
		// a later re-enable.
		for qid := uint16(0); qid <= s.cfg.IOQueues; qid++ {
			s.db.RingSQTail(qid, 0)
			s.db.RingCQHead(qid, 0)
		}
		s.block.SetStatus(csts &^ regs.CSTSReady)
		return
	case !enabled:
		return
	}

	// Admin ring first so queue creation lands before I/O rings are
	// inspected in the same pass.
	s.serviceSQ(0)
	for qid := uint16(1); qid <= s.cfg.IOQueues; qid++ {
		s.serviceSQ(qid)
	}
}

// attachAdminQueues reads the admin ring geometry the driver programmed into
// AQA/ASQ/ACQ. Translation is the identity, so the physical base addresses
// are directly dereferenceable.
func (s *SoftController) attachAdminQueues() {
	aqa := s.block.AdminQueueAttrs()
	sqDepth := aqa&0xFFF + 1
	cqDepth := aqa>>16&0xFFF + 1
	s.sqs[0] = &softSQ{base: uintptr(s.block.AdminSQBase()), depth: sqDepth}
	s.cqs[0] = &softCQ{ring: queue.NewCompRing(uintptr(s.block.AdminCQBase()), cqDepth)}
}

func (s *SoftController) serviceSQ(qid uint16) {
	sq, ok := s.sqs[qid]
	if !ok {
		return
	}
	tail := s.db.SQTail(qid) % sq.depth
	for sq.head != tail {
		slot := memSlice(sq.base+uintptr(sq.head)*wire.SubmissionEntrySize, wire.SubmissionEntrySize)
		var cmd wire.SubmissionEntry
		wire.UnmarshalSubmission(slot, &cmd)
		sq.head = (sq.head + 1) % sq.depth

		status, result := s.execute(qid, &cmd)

		cq, ok := s.cqs[sq.cqid]
		if !ok {
			continue
		}
		entry := wire.CompletionEntry{
			Result: result,
			SQHead: uint16(sq.head),
			SQID:   qid,
			CID:    cmd.CID,
			Status: status << 1,
		}
		cq.ring.Post(&entry)

		// Re-read the doorbell: the executed command may have been a
		// queue deletion that invalidated this ring.
		if _, ok := s.sqs[qid]; !ok {
			return
		}
		tail = s.db.SQTail(qid) % sq.depth
	}
}

// execute runs one command and returns the packed status (SCT bits 10:8, SC
// bits 7:0) and the result dword.
func (s *SoftController) execute(qid uint16, cmd *wire.SubmissionEntry) (uint16, uint32) {
	if status, ok := s.failNext[cmd.Opcode]; ok {
		delete(s.failNext, cmd.Opcode)
		return status, 0
	}
	if qid == 0 {
		return s.executeAdmin(cmd)
	}
	return s.executeIO(cmd)
}

func packStatus(sct, sc uint8) uint16 { return uint16(sct&0x7)<<8 | uint16(sc) }

func (s *SoftController) executeAdmin(cmd *wire.SubmissionEntry) (uint16, uint32) {
	switch cmd.Opcode {
	case wire.AdminIdentify:
		return s.identify(cmd)

	case wire.AdminSetFeatures:
		if cmd.CDW10&0xFF != uint32(wire.FeatureNumberOfQueues) {
			return packStatus(wire.StatusTypeGeneric, wire.StatusInvalidField), 0
		}
		reqSQ := uint16(cmd.CDW11&0xFFFF) + 1
		reqCQ := uint16(cmd.CDW11>>16) + 1
		grantSQ := minU16(reqSQ, s.cfg.IOQueues)
		grantCQ := minU16(reqCQ, s.cfg.IOQueues)
		return 0, uint32(grantCQ-1)<<16 | uint32(grantSQ-1)

	case wire.AdminCreateIOCompletionQueue:
		qid := uint16(cmd.CDW10)
		depth := uint32(cmd.CDW10>>16) + 1
		if qid == 0 || qid > s.cfg.IOQueues {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		if _, exists := s.cqs[qid]; exists {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		if depth < 2 || depth > 1024 {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueSize), 0
		}
		s.cqs[qid] = &softCQ{ring: queue.NewCompRing(uintptr(cmd.PRP1), depth)}
		return 0, 0

	case wire.AdminCreateIOSubmissionQueue:
		qid := uint16(cmd.CDW10)
		depth := uint32(cmd.CDW10>>16) + 1
		cqid := uint16(cmd.CDW11 >> 16)
		if qid == 0 || qid > s.cfg.IOQueues {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		if _, exists := s.sqs[qid]; exists {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		if _, exists := s.cqs[cqid]; !exists {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		if depth < 2 || depth > 1024 {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueSize), 0
		}
		s.sqs[qid] = &softSQ{base: uintptr(cmd.PRP1), depth: depth, cqid: cqid}
		return 0, 0

	case wire.AdminDeleteIOSubmissionQueue:
		qid := uint16(cmd.CDW10)
		if _, exists := s.sqs[qid]; qid == 0 || !exists {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		delete(s.sqs, qid)
		return 0, 0

	case wire.AdminDeleteIOCompletionQueue:
		qid := uint16(cmd.CDW10)
		if _, exists := s.cqs[qid]; qid == 0 || !exists {
			return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueID), 0
		}
		for _, sq := range s.sqs {
			if sq.cqid == qid {
				return packStatus(wire.StatusTypeCommandSpecific, wire.StatusInvalidQueueDeletion), 0
			}
		}
		delete(s.cqs, qid)
		return 0, 0
	}
	return packStatus(wire.StatusTypeGeneric, wire.StatusInvalidOpcode), 0
}

func (s *SoftController) identify(cmd *wire.SubmissionEntry) (uint16, uint32) {
	buf := memSlice(uintptr(cmd.PRP1), wire.IdentifyDataSize)
	for i := range buf {
		buf[i] = 0
	}

	switch cmd.CDW10 & 0xFF {
	case wire.CNSController:
		putASCII(buf[4:24], s.cfg.Serial)
		putASCII(buf[24:64], s.cfg.Model)
		putASCII(buf[64:72], s.cfg.Firmware)
		buf[77] = s.cfg.MDTS
		return 0, 0

	case wire.CNSNamespace:
		if cmd.NSID != 1 {
			// Inactive namespace: all-zero structure, still success.
			return 0, 0
		}
		binary.LittleEndian.PutUint64(buf[0:8], uint64(s.cfg.Blocks))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(s.cfg.Blocks))
		buf[26] = 0 // FLBAS: format 0
		binary.LittleEndian.PutUint32(buf[128:132], uint32(s.lbaShift)<<16)
		return 0, 0

	case wire.CNSActiveNSIDList:
		if cmd.NSID < 1 {
			binary.LittleEndian.PutUint32(buf[0:4], 1)
		}
		return 0, 0
	}
	return packStatus(wire.StatusTypeGeneric, wire.StatusInvalidField), 0
}

func (s *SoftController) executeIO(cmd *wire.SubmissionEntry) (uint16, uint32) {
	switch cmd.Opcode {
	case wire.IOFlush:
		return 0, 0
	case wire.IORead, wire.IOWrite:
		if cmd.NSID != 1 {
			return packStatus(wire.StatusTypeGeneric, wire.StatusInvalidField), 0
		}
		lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
		blocks := uint64(cmd.CDW12&0xFFFF) + 1
		if lba+blocks > uint64(s.cfg.Blocks) {
			return packStatus(wire.StatusTypeGeneric, wire.StatusLBAOutOfRange), 0
		}
		s.transfer(cmd, int(lba)<<s.lbaShift, int(blocks)<<s.lbaShift, cmd.Opcode == wire.IOWrite)
		return 0, 0
	}
	return packStatus(wire.StatusTypeGeneric, wire.StatusInvalidOpcode), 0
}

// transfer walks the command's physical region descriptors the way hardware
// does: PRP1 with its in-page offset first, PRP2 either a second data page or
// a chained list where the final entry of every non-final page points at the
// next list page.
func (s *SoftController) transfer(cmd *wire.SubmissionEntry, diskOff, total int, write bool) {
	move := func(pageAddr uintptr, n int) {
		mem := memSlice(pageAddr, n)
		if write {
			copy(s.disk[diskOff:], mem)
		} else {
			copy(mem, s.disk[diskOff:diskOff+n])
		}
		diskOff += n
	}

	first := softPageSize - int(cmd.PRP1&(softPageSize-1))
	if first > total {
		first = total
	}
	move(uintptr(cmd.PRP1), first)
	remaining := total - first
	if remaining == 0 {
		return
	}
	if remaining <= softPageSize {
		move(uintptr(cmd.PRP2), remaining)
		return
	}

	const perPage = softPageSize / 8
	listAddr := uintptr(cmd.PRP2)
	idx := 0
	for remaining > 0 {
		entry := binary.LittleEndian.Uint64(memSlice(listAddr+uintptr(8*idx), 8))
		if idx == perPage-1 && remaining > softPageSize {
			listAddr = uintptr(entry)
			idx = 0
			continue
		}
		n := softPageSize
		if remaining < n {
			n = remaining
		}
		move(uintptr(entry), n)
		remaining -= n
		idx++
	}
}

func memSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// putASCII space-pads s into dst, the identify string convention.
func putASCII(dst []byte, s string) {
	for i := range dst {
		if i < len(s) {
			dst[i] = s[i]
		} else {
			dst[i] = ' '
		}
	}
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}
