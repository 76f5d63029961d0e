package wire

// Command constructors. The command identifier is left zero; the queue pair
// assigns it at submission time.

// ReadWrite builds an NVM read or write command. nlb is the zero-based block
// count (blocks minus one), as the wire format requires.
func ReadWrite(write bool, nsid uint32, lba uint64, nlb uint16, prp1, prp2 uint64) SubmissionEntry {
	op := IORead
	if write {
		op = IOWrite
	}
	return SubmissionEntry{
		Opcode: op,
		NSID:   nsid,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lba),
		CDW11:  uint32(lba >> 32),
		CDW12:  uint32(nlb),
	}
}

// IdentifyController builds an Identify command with CNS 01h. The 4 KiB
// result lands in the buffer at prp1.
func IdentifyController(prp1 uint64) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminIdentify,
		PRP1:   prp1,
		CDW10:  CNSController,
	}
}

// IdentifyNamespace builds an Identify command with CNS 00h for one namespace.
func IdentifyNamespace(nsid uint32, prp1 uint64) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminIdentify,
		NSID:   nsid,
		PRP1:   prp1,
		CDW10:  CNSNamespace,
	}
}

// IdentifyNSIDList builds an Identify command with CNS 02h, returning active
// namespace ids greater than base.
func IdentifyNSIDList(base uint32, prp1 uint64) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminIdentify,
		NSID:   base,
		PRP1:   prp1,
		CDW10:  CNSActiveNSIDList,
	}
}

// CreateIOCompletionQueue builds the admin command registering a completion
// ring. size is the zero-based queue depth.
func CreateIOCompletionQueue(qid uint16, phys uint64, size uint16) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminCreateIOCompletionQueue,
		PRP1:   phys,
		CDW10:  uint32(size)<<16 | uint32(qid),
		CDW11:  QueuePhysContiguous,
	}
}

// CreateIOSubmissionQueue builds the admin command registering a submission
// ring bound to completion queue cqid.
func CreateIOSubmissionQueue(qid uint16, phys uint64, size uint16, cqid uint16) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminCreateIOSubmissionQueue,
		PRP1:   phys,
		CDW10:  uint32(size)<<16 | uint32(qid),
		CDW11:  uint32(cqid)<<16 | QueuePhysContiguous,
	}
}

// DeleteIOSubmissionQueue builds the admin command removing a submission ring.
func DeleteIOSubmissionQueue(qid uint16) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminDeleteIOSubmissionQueue,
		CDW10:  uint32(qid),
	}
}

// DeleteIOCompletionQueue builds the admin command removing a completion ring.
// The protocol requires the attached submission queue to be deleted first.
func DeleteIOCompletionQueue(qid uint16) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminDeleteIOCompletionQueue,
		CDW10:  uint32(qid),
	}
}

// SetNumberOfQueues builds the Set Features command negotiating how many I/O
// queues the controller will accept. Counts are zero-based on the wire.
func SetNumberOfQueues(sqs, cqs uint16) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminSetFeatures,
		CDW10:  FeatureNumberOfQueues,
		CDW11:  uint32(cqs-1)<<16 | uint32(sqs-1),
	}
}

// GrantedQueues unpacks the completion result of SetNumberOfQueues into
// one-based submission and completion queue counts.
func GrantedQueues(result uint32) (sqs, cqs uint16) {
	return uint16(result&0xffff) + 1, uint16(result>>16) + 1
}
