// Package wire holds the fixed binary formats exchanged with the controller:
// 64-byte submission entries, 16-byte completion entries, and the identify
// data structures. Field positions are a compatibility contract with the
// device; each record is marshaled field by field in little-endian order.
package wire

import (
	"encoding/binary"
	"unsafe"
)

// SubmissionEntry is one 64-byte submission queue slot.
//
//	bytes  0      opcode
//	bytes  1      flags: FUSE (bits 0-1) | reserved | PSDT (bits 6-7)
//	bytes  2-3    command identifier
//	bytes  4-7    namespace identifier
//	bytes  8-15   reserved
//	bytes 16-23   metadata pointer
//	bytes 24-39   data pointer (PRP1, PRP2)
//	bytes 40-63   command dwords 10-15
type SubmissionEntry struct {
	Opcode   uint8
	Flags    uint8
	CID      uint16
	NSID     uint32
	Reserved uint64
	Metadata uint64
	PRP1     uint64
	PRP2     uint64
	CDW10    uint32
	CDW11    uint32
	CDW12    uint32
	CDW13    uint32
	CDW14    uint32
	CDW15    uint32
}

// Compile-time size check against the wire format.
var _ [SubmissionEntrySize]byte = [unsafe.Sizeof(SubmissionEntry{})]byte{}

// MarshalInto writes the entry into a 64-byte ring slot.
func (e *SubmissionEntry) MarshalInto(buf []byte) {
	_ = buf[SubmissionEntrySize-1]
	buf[0] = e.Opcode
	buf[1] = e.Flags
	binary.LittleEndian.PutUint16(buf[2:4], e.CID)
	binary.LittleEndian.PutUint32(buf[4:8], e.NSID)
	binary.LittleEndian.PutUint64(buf[8:16], e.Reserved)
	binary.LittleEndian.PutUint64(buf[16:24], e.Metadata)
	binary.LittleEndian.PutUint64(buf[24:32], e.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], e.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], e.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], e.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], e.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], e.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], e.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], e.CDW15)
}

// UnmarshalSubmission reads a 64-byte slot back into an entry. The device
// side of the SoftController uses this; real hardware parses the slot itself.
func UnmarshalSubmission(buf []byte, e *SubmissionEntry) {
	_ = buf[SubmissionEntrySize-1]
	e.Opcode = buf[0]
	e.Flags = buf[1]
	e.CID = binary.LittleEndian.Uint16(buf[2:4])
	e.NSID = binary.LittleEndian.Uint32(buf[4:8])
	e.Reserved = binary.LittleEndian.Uint64(buf[8:16])
	e.Metadata = binary.LittleEndian.Uint64(buf[16:24])
	e.PRP1 = binary.LittleEndian.Uint64(buf[24:32])
	e.PRP2 = binary.LittleEndian.Uint64(buf[32:40])
	e.CDW10 = binary.LittleEndian.Uint32(buf[40:44])
	e.CDW11 = binary.LittleEndian.Uint32(buf[44:48])
	e.CDW12 = binary.LittleEndian.Uint32(buf[48:52])
	e.CDW13 = binary.LittleEndian.Uint32(buf[52:56])
	e.CDW14 = binary.LittleEndian.Uint32(buf[56:60])
	e.CDW15 = binary.LittleEndian.Uint32(buf[60:64])
}

// CompletionEntry is one 16-byte completion queue slot.
//
//	bytes  0-3   command-specific result (DW0)
//	bytes  4-7   reserved
//	bytes  8-9   submission queue head pointer
//	bytes 10-11  submission queue identifier
//	bytes 12-13  command identifier
//	bytes 14-15  status: phase tag (bit 0) | SC (bits 8:1) | SCT (bits 11:9)
type CompletionEntry struct {
	Result   uint32
	Reserved uint32
	SQHead   uint16
	SQID     uint16
	CID      uint16
	Status   uint16
}

var _ [CompletionEntrySize]byte = [unsafe.Sizeof(CompletionEntry{})]byte{}

// UnmarshalCompletion decodes a 16-byte completion slot.
func UnmarshalCompletion(buf []byte, e *CompletionEntry) {
	_ = buf[CompletionEntrySize-1]
	e.Result = binary.LittleEndian.Uint32(buf[0:4])
	e.Reserved = binary.LittleEndian.Uint32(buf[4:8])
	e.SQHead = binary.LittleEndian.Uint16(buf[8:10])
	e.SQID = binary.LittleEndian.Uint16(buf[10:12])
	e.CID = binary.LittleEndian.Uint16(buf[12:14])
	e.Status = binary.LittleEndian.Uint16(buf[14:16])
}

// MarshalInto writes a completion into a ring slot (SoftController side).
// The status dword (bytes 12-15) must be stored last by the caller; see the
// queue package for the ordering contract.
func (e *CompletionEntry) MarshalInto(buf []byte) {
	_ = buf[CompletionEntrySize-1]
	binary.LittleEndian.PutUint32(buf[0:4], e.Result)
	binary.LittleEndian.PutUint32(buf[4:8], e.Reserved)
	binary.LittleEndian.PutUint16(buf[8:10], e.SQHead)
	binary.LittleEndian.PutUint16(buf[10:12], e.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], e.CID)
	binary.LittleEndian.PutUint16(buf[14:16], e.Status)
}

// Phase returns the phase tag bit of the status field.
func (e *CompletionEntry) Phase() bool { return e.Status&1 == 1 }

// StatusCode returns the 8-bit status code (SC).
func (e *CompletionEntry) StatusCode() uint8 { return uint8(e.Status >> 1) }

// StatusType returns the status code type (SCT).
func (e *CompletionEntry) StatusType() uint8 { return uint8(e.Status>>9) & 0x7 }

// Succeeded reports a zero status code of any type.
func (e *CompletionEntry) Succeeded() bool { return e.Status>>1&0x7ff == 0 }

// RawStatus returns SCT and SC packed for diagnostics (status field without
// the phase tag, CRD, M and DNR bits).
func (e *CompletionEntry) RawStatus() uint16 { return e.Status >> 1 & 0x7ff }

// MakeStatus builds a status field from type, code and phase (device side).
func MakeStatus(sct uint8, sc uint8, phase bool) uint16 {
	s := uint16(sct&0x7)<<9 | uint16(sc)<<1
	if phase {
		s |= 1
	}
	return s
}
