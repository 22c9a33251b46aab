// Package procinfo holds the persistent representation of a process: its
// segment mappings, register file and the double-buffered execution context
// that survives power loss.
//
// Every type here is a view over bytes in a pmem.Region. Stores are visible
// immediately but durable only after the flushes each operation documents.
package procinfo

const (
	// RFlagsReserved is bit 1 of RFLAGS, which always reads as one.
	RFlagsReserved = 1 << 1
	// RFlagsIF is the interrupt-enable flag.
	RFlagsIF = 1 << 9
)

const registerWords = 21

// RegisterFile is the saved x86-64 CPU state of a process.
type RegisterFile struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
	CR3    uint64
}

// words lists the fields in on-media order.
func (rf *RegisterFile) words() [registerWords]*uint64 {
	return [registerWords]*uint64{
		&rf.RAX, &rf.RBX, &rf.RCX, &rf.RDX,
		&rf.RSI, &rf.RDI, &rf.RBP,
		&rf.R8, &rf.R9, &rf.R10, &rf.R11,
		&rf.R12, &rf.R13, &rf.R14, &rf.R15,
		&rf.RIP, &rf.CS, &rf.RFLAGS, &rf.RSP, &rf.SS, &rf.CR3,
	}
}
