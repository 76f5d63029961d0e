package wire

// Admin command opcodes.
const (
	AdminDeleteIOSubmissionQueue uint8 = 0x00
	AdminCreateIOSubmissionQueue uint8 = 0x01
	AdminDeleteIOCompletionQueue uint8 = 0x04
	AdminCreateIOCompletionQueue uint8 = 0x05
	AdminIdentify                uint8 = 0x06
	AdminSetFeatures             uint8 = 0x09
	AdminGetFeatures             uint8 = 0x0A
)

// NVM command-set opcodes.
const (
	IOFlush uint8 = 0x00
	IOWrite uint8 = 0x01
	IORead  uint8 = 0x02
)

// CNS values for the Identify command (CDW10 bits 7:0).
const (
	CNSNamespace      uint32 = 0x00
	CNSController     uint32 = 0x01
	CNSActiveNSIDList uint32 = 0x02
)

// Feature identifiers for Set/Get Features (CDW10 bits 7:0).
const (
	FeatureNumberOfQueues uint32 = 0x07
)

// Queue creation flags (CDW11).
const (
	QueuePhysContiguous uint32 = 1 << 0
	QueueInterruptsEn   uint32 = 1 << 1
)

// Status code types (completion status bits 11:9).
const (
	StatusTypeGeneric         uint8 = 0x0
	StatusTypeCommandSpecific uint8 = 0x1
	StatusTypeMediaError      uint8 = 0x2
	StatusTypePath            uint8 = 0x3
)

// Generic status codes (SCT 0).
const (
	StatusSuccess        uint8 = 0x00
	StatusInvalidOpcode  uint8 = 0x01
	StatusInvalidField   uint8 = 0x02
	StatusInternalError  uint8 = 0x06
	StatusLBAOutOfRange  uint8 = 0x80
	StatusCapacityExceed uint8 = 0x81
)

// Command-specific status codes (SCT 1).
const (
	StatusInvalidQueueID       uint8 = 0x01
	StatusInvalidQueueSize     uint8 = 0x02
	StatusInvalidQueueDeletion uint8 = 0x0C
)

// Sizes of the fixed wire records.
const (
	SubmissionEntrySize = 64
	CompletionEntrySize = 16
	IdentifyDataSize    = 4096
)
