// Package regs provides typed access to the controller's memory-mapped
// register block. Offsets and widths are a static contract with the device;
// nothing here validates them at runtime.
//
// Accesses go through sync/atomic so that writes the device must observe
// (doorbells, configuration) are not reordered or elided, and so that a
// software device model on the far side of the same memory sees a proper
// happens-before edge.
package regs

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Register offsets from the controller base address.
const (
	CAP   = 0x00 // controller capabilities (64-bit, RO)
	VS    = 0x08 // version (32-bit, RO)
	INTMS = 0x0C // interrupt mask set (32-bit, WO)
	INTMC = 0x10 // interrupt mask clear (32-bit, WO)
	CC    = 0x14 // controller configuration (32-bit, RW)
	CSTS  = 0x1C // controller status (32-bit, RO)
	NSSR  = 0x20 // NVM subsystem reset (32-bit, WO)
	AQA   = 0x24 // admin queue attributes (32-bit, RW)
	ASQ   = 0x28 // admin submission queue base (64-bit, RW)
	ACQ   = 0x30 // admin completion queue base (64-bit, RW)

	doorbellBase = 0x1000
)

// CC fields.
const (
	CCEnable      uint32 = 1 << 0
	CCShiftCSS           = 4
	CCShiftMPS           = 7
	CCShiftAMS           = 11
	CCShiftIOSQES        = 16
	CCShiftIOCQES        = 20
)

// CSTS fields.
const (
	CSTSReady uint32 = 1 << 0
	CSTSFatal uint32 = 1 << 1
)

// Block is a mapped controller register file.
type Block struct {
	base uintptr
}

// NewBlock wraps an already-mapped register base address.
func NewBlock(base uintptr) Block { return Block{base: base} }

// Base returns the mapped base address.
func (b Block) Base() uintptr { return b.base }

func (b Block) read32(off uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(b.base + off)))
}

func (b Block) write32(off uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(b.base+off)), v)
}

func (b Block) read64(off uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(b.base + off)))
}

func (b Block) write64(off uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(b.base+off)), v)
}

// Cap reads the capabilities register.
func (b Block) Cap() Capabilities { return Capabilities(b.read64(CAP)) }

// Version reads the version register.
func (b Block) Version() uint32 { return b.read32(VS) }

// Config reads CC.
func (b Block) Config() uint32 { return b.read32(CC) }

// SetConfig writes CC.
func (b Block) SetConfig(v uint32) { b.write32(CC, v) }

// Status reads CSTS.
func (b Block) Status() uint32 { return b.read32(CSTS) }

// Ready reports CSTS.RDY.
func (b Block) Ready() bool { return b.Status()&CSTSReady != 0 }

// Fatal reports CSTS.CFS.
func (b Block) Fatal() bool { return b.Status()&CSTSFatal != 0 }

// SetCapabilities writes CAP. Device side only; the register is read-only
// for the driver.
func (b Block) SetCapabilities(v uint64) { b.write64(CAP, v) }

// SetVersion writes VS (device side).
func (b Block) SetVersion(v uint32) { b.write32(VS, v) }

// SetStatus writes CSTS (device side).
func (b Block) SetStatus(v uint32) { b.write32(CSTS, v) }

// AdminQueueAttrs reads back AQA (device side).
func (b Block) AdminQueueAttrs() uint32 { return b.read32(AQA) }

// AdminSQBase reads back ASQ (device side).
func (b Block) AdminSQBase() uint64 { return b.read64(ASQ) }

// AdminCQBase reads back ACQ (device side).
func (b Block) AdminCQBase() uint64 { return b.read64(ACQ) }

// MaskInterrupts writes INTMS, masking the given vectors.
func (b Block) MaskInterrupts(v uint32) { b.write32(INTMS, v) }

// SetAdminQueueAttrs writes AQA with zero-based submission and completion
// queue depths.
func (b Block) SetAdminQueueAttrs(sqSize, cqSize uint16) {
	b.write32(AQA, uint32(cqSize)<<16|uint32(sqSize))
}

// SetAdminSQBase writes ASQ.
func (b Block) SetAdminSQBase(phys uint64) { b.write64(ASQ, phys) }

// SetAdminCQBase writes ACQ.
func (b Block) SetAdminCQBase(phys uint64) { b.write64(ACQ, phys) }

// Doorbells returns the doorbell file for this block, sized by the
// capability-reported stride.
func (b Block) Doorbells() Doorbells {
	return Doorbells{base: b.base, stride: b.Cap().DoorbellStride()}
}

// Capabilities is the decoded CAP register.
type Capabilities uint64

// MaxQueueEntries returns the largest queue depth the controller supports
// (CAP.MQES is zero-based).
func (c Capabilities) MaxQueueEntries() int { return int(uint64(c)&0xFFFF) + 1 }

// DoorbellStride returns CAP.DSTRD; each doorbell occupies 4<<DSTRD bytes.
func (c Capabilities) DoorbellStride() uint8 { return uint8(uint64(c)>>32) & 0xF }

// Timeout returns the worst-case time the controller may take to transition
// CSTS.RDY after CC.EN changes. CAP.TO counts in 500 ms units.
func (c Capabilities) Timeout() time.Duration {
	return time.Duration(uint8(uint64(c)>>24)) * 500 * time.Millisecond
}

// MinPageSize returns 1 << (12 + CAP.MPSMIN) bytes.
func (c Capabilities) MinPageSize() int { return 1 << (12 + (uint64(c)>>48)&0xF) }

// MaxPageSize returns 1 << (12 + CAP.MPSMAX) bytes.
func (c Capabilities) MaxPageSize() int { return 1 << (12 + (uint64(c)>>52)&0xF) }

// Doorbells computes and writes per-queue doorbell registers. Submission tail
// doorbells sit at even indices, completion head doorbells at odd ones.
type Doorbells struct {
	base   uintptr
	stride uint8
}

// NewDoorbells builds a doorbell file directly; the SoftController uses this
// to locate the registers the driver will ring.
func NewDoorbells(base uintptr, stride uint8) Doorbells {
	return Doorbells{base: base, stride: stride}
}

func (d Doorbells) addr(index uint32) *uint32 {
	off := uintptr(doorbellBase) + uintptr(index)*(4<<d.stride)
	return (*uint32)(unsafe.Pointer(d.base + off))
}

// RingSQTail publishes a new submission queue tail for queue qid. This is the
// release point: the entry bytes must be in the ring before this store.
func (d Doorbells) RingSQTail(qid uint16, tail uint32) {
	atomic.StoreUint32(d.addr(uint32(qid)*2), tail)
}

// RingCQHead releases consumed completion slots for queue qid.
func (d Doorbells) RingCQHead(qid uint16, head uint32) {
	atomic.StoreUint32(d.addr(uint32(qid)*2+1), head)
}

// SQTail reads back a submission doorbell (device side).
func (d Doorbells) SQTail(qid uint16) uint32 {
	return atomic.LoadUint32(d.addr(uint32(qid) * 2))
}

// CQHead reads back a completion doorbell (device side).
func (d Doorbells) CQHead(qid uint16) uint32 {
	return atomic.LoadUint32(d.addr(uint32(qid)*2 + 1))
}
