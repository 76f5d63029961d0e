package wire

import (
	"encoding/binary"
	"strings"
)

// ControllerData carries the fields this driver consumes from the 4 KiB
// Identify Controller structure.
type ControllerData struct {
	SerialNumber     string
	ModelNumber      string
	FirmwareRevision string
	// MDTS is the maximum data transfer size as a power-of-two multiple of
	// the minimum page size. Zero means no limit.
	MDTS uint8
}

// ParseControllerData extracts the interesting fields from an Identify
// Controller buffer.
func ParseControllerData(buf []byte) ControllerData {
	_ = buf[IdentifyDataSize-1]
	return ControllerData{
		SerialNumber:     asciiField(buf[4:24]),
		ModelNumber:      asciiField(buf[24:64]),
		FirmwareRevision: asciiField(buf[64:72]),
		MDTS:             buf[77],
	}
}

// asciiField trims the space padding the wire format mandates.
func asciiField(b []byte) string {
	return strings.TrimSpace(string(b))
}

// NamespaceData carries the fields this driver consumes from the 4 KiB
// Identify Namespace structure.
type NamespaceData struct {
	// Capacity is NCAP, in logical blocks.
	Capacity uint64
	// LBAShift is the log2 of the formatted block size.
	LBAShift uint8
}

// ParseNamespaceData reads the namespace capacity and the formatted LBA size.
// The active format index lives in FLBAS (byte 26, low nibble); each LBA
// format descriptor is a dword starting at byte 128 with LBADS in bits 23:16.
func ParseNamespaceData(buf []byte) NamespaceData {
	_ = buf[IdentifyDataSize-1]
	flbas := buf[26] & 0xF
	lbaf := binary.LittleEndian.Uint32(buf[128+4*int(flbas):])
	return NamespaceData{
		Capacity: binary.LittleEndian.Uint64(buf[8:16]),
		LBAShift: uint8(lbaf >> 16),
	}
}

// ParseNSIDList decodes the active namespace id list: up to 1024 ids,
// terminated by the first zero.
func ParseNSIDList(buf []byte) []uint32 {
	_ = buf[IdentifyDataSize-1]
	var ids []uint32
	for off := 0; off+4 <= IdentifyDataSize; off += 4 {
		id := binary.LittleEndian.Uint32(buf[off:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}
