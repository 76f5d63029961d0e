package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionEntryLayout(t *testing.T) {
	e := SubmissionEntry{
		Opcode: IOWrite,
		Flags:  0x40,
		CID:    0xBEEF,
		NSID:   3,
		PRP1:   0x1000,
		PRP2:   0x2000,
		CDW10:  0x11111111,
		CDW11:  0x22222222,
		CDW12:  0x33333333,
		CDW15:  0x66666666,
	}

	var buf [SubmissionEntrySize]byte
	e.MarshalInto(buf[:])

	assert.Equal(t, uint8(IOWrite), buf[0])
	assert.Equal(t, uint8(0x40), buf[1])
	assert.Equal(t, uint16(0xBEEF), binary.LittleEndian.Uint16(buf[2:4]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(buf[24:32]))
	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(buf[32:40]))
	assert.Equal(t, uint32(0x11111111), binary.LittleEndian.Uint32(buf[40:44]))
	assert.Equal(t, uint32(0x66666666), binary.LittleEndian.Uint32(buf[60:64]))

	var back SubmissionEntry
	UnmarshalSubmission(buf[:], &back)
	assert.Equal(t, e, back)
}

func TestCompletionEntryLayout(t *testing.T) {
	var buf [CompletionEntrySize]byte
	binary.LittleEndian.PutUint32(buf[0:4], 0xDEADBEEF)
	binary.LittleEndian.PutUint16(buf[8:10], 17)   // SQ head
	binary.LittleEndian.PutUint16(buf[10:12], 2)   // SQ id
	binary.LittleEndian.PutUint16(buf[12:14], 42)  // CID
	binary.LittleEndian.PutUint16(buf[14:16], 0x1) // phase set, success

	var e CompletionEntry
	UnmarshalCompletion(buf[:], &e)

	assert.Equal(t, uint32(0xDEADBEEF), e.Result)
	assert.Equal(t, uint16(17), e.SQHead)
	assert.Equal(t, uint16(2), e.SQID)
	assert.Equal(t, uint16(42), e.CID)
	assert.True(t, e.Phase())
	assert.True(t, e.Succeeded())
	assert.Equal(t, uint16(0), e.RawStatus())
}

func TestStatusDecoding(t *testing.T) {
	cases := []struct {
		name   string
		status uint16
		sct    uint8
		sc     uint8
		phase  bool
		ok     bool
	}{
		{"success phase0", MakeStatus(0, 0, false), 0, 0, false, true},
		{"success phase1", MakeStatus(0, 0, true), 0, 0, true, true},
		{"lba out of range", MakeStatus(StatusTypeGeneric, StatusLBAOutOfRange, true), 0, 0x80, true, false},
		{"invalid queue id", MakeStatus(StatusTypeCommandSpecific, StatusInvalidQueueID, false), 1, 0x01, false, false},
		{"queue deletion", MakeStatus(StatusTypeCommandSpecific, StatusInvalidQueueDeletion, true), 1, 0x0C, true, false},
		{"media error", MakeStatus(StatusTypeMediaError, 0x02, false), 2, 0x02, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := CompletionEntry{Status: tc.status}
			assert.Equal(t, tc.sct, e.StatusType())
			assert.Equal(t, tc.sc, e.StatusCode())
			assert.Equal(t, tc.phase, e.Phase())
			assert.Equal(t, tc.ok, e.Succeeded())
		})
	}
}

func TestReadWriteCommand(t *testing.T) {
	lba := uint64(0x1_2345_6789)
	cmd := ReadWrite(true, 1, lba, 127, 0xA000, 0xB000)

	assert.Equal(t, IOWrite, cmd.Opcode)
	assert.Equal(t, uint32(1), cmd.NSID)
	assert.Equal(t, uint32(0x2345_6789), cmd.CDW10)
	assert.Equal(t, uint32(0x1), cmd.CDW11)
	assert.Equal(t, uint32(127), cmd.CDW12)

	cmd = ReadWrite(false, 1, 0, 0, 0xA000, 0)
	assert.Equal(t, IORead, cmd.Opcode)
}

func TestQueueCommands(t *testing.T) {
	cq := CreateIOCompletionQueue(3, 0x7000, 63)
	assert.Equal(t, AdminCreateIOCompletionQueue, cq.Opcode)
	assert.Equal(t, uint32(63)<<16|3, cq.CDW10)
	assert.Equal(t, QueuePhysContiguous, cq.CDW11)
	assert.Equal(t, uint64(0x7000), cq.PRP1)

	sq := CreateIOSubmissionQueue(3, 0x8000, 63, 3)
	assert.Equal(t, AdminCreateIOSubmissionQueue, sq.Opcode)
	assert.Equal(t, uint32(3)<<16|QueuePhysContiguous, sq.CDW11)

	del := DeleteIOSubmissionQueue(3)
	assert.Equal(t, AdminDeleteIOSubmissionQueue, del.Opcode)
	assert.Equal(t, uint32(3), del.CDW10)
}

func TestSetNumberOfQueues(t *testing.T) {
	cmd := SetNumberOfQueues(4, 4)
	assert.Equal(t, AdminSetFeatures, cmd.Opcode)
	assert.Equal(t, FeatureNumberOfQueues, cmd.CDW10)
	assert.Equal(t, uint32(3)<<16|3, cmd.CDW11)

	sqs, cqs := GrantedQueues(uint32(7)<<16 | 3)
	assert.Equal(t, uint16(4), sqs)
	assert.Equal(t, uint16(8), cqs)
}

func TestParseControllerData(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	copy(buf[4:24], "SN123               ")
	copy(buf[24:64], "Test Model")
	copy(buf[64:72], "FW1.2   ")
	buf[77] = 5

	data := ParseControllerData(buf)
	assert.Equal(t, "SN123", data.SerialNumber)
	assert.Equal(t, "Test Model", data.ModelNumber)
	assert.Equal(t, "FW1.2", data.FirmwareRevision)
	assert.Equal(t, uint8(5), data.MDTS)
}

func TestParseNamespaceData(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint64(buf[8:16], 1<<20) // NCAP
	buf[26] = 1                                     // FLBAS selects format 1
	binary.LittleEndian.PutUint32(buf[128:132], 9<<16)
	binary.LittleEndian.PutUint32(buf[132:136], 12<<16)

	data := ParseNamespaceData(buf)
	assert.Equal(t, uint64(1<<20), data.Capacity)
	assert.Equal(t, uint8(12), data.LBAShift)
}

func TestParseNSIDList(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint32(buf[0:4], 1)
	binary.LittleEndian.PutUint32(buf[4:8], 2)
	binary.LittleEndian.PutUint32(buf[8:12], 7)
	// entry 3 is zero: end of list

	ids := ParseNSIDList(buf)
	require.Len(t, ids, 3)
	assert.Equal(t, []uint32{1, 2, 7}, ids)

	empty := ParseNSIDList(make([]byte, IdentifyDataSize))
	assert.Empty(t, empty)
}
