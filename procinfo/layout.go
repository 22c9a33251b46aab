package procinfo

import (
	"errors"

	"nvos/paging"
)

// On-media layout. All fields are little-endian uint64.
const (
	segVirt  = 0
	segPhys  = 8
	segSize  = 16
	segFlags = 24
	// SegmentBytes is the size of one SegmentMapping.
	SegmentBytes = 32

	mapCode  = 0
	mapData  = SegmentBytes
	mapStack = 2 * SegmentBytes
	mapHeap  = 3 * SegmentBytes
	// MappingBytes is the size of one ProcessMappingInfo.
	MappingBytes = 4 * SegmentBytes

	ctxRegs      = 0
	ctxMapping   = registerWords * 8
	ctxKernelRSP = ctxMapping + MappingBytes
	ctxHeapUsed  = ctxKernelRSP + 8
	ctxUsed      = ctxHeapUsed + 8
	// ContextBytes is the size of one ExecutionContext, padded to cache lines.
	ContextBytes = 320

	// NumContexts is the number of execution context slots per process.
	NumContexts = 2

	infoIndex     = NumContexts * ContextBytes
	infoSignature = infoIndex + 8
	// InfoBytes is the size of one PersistentProcessInfo.
	InfoBytes = infoIndex + 64

	// Signature marks an initialised PersistentProcessInfo.
	Signature uint64 = 0x4F50534F6D75696C
)

const segPresent = 1 << 0

// PageBytes is the granule of segment dirty tracking.
const PageBytes = paging.PageBytes

var (
	ErrSizeMismatch   = errors.New("procinfo: segment size mismatch")
	ErrHeapExhausted  = errors.New("procinfo: heap exhausted")
	ErrStackOverflow  = errors.New("procinfo: stack overflow")
	ErrBadAlignment   = errors.New("procinfo: alignment is not a power of two")
	ErrNotInitialized = errors.New("procinfo: signature mismatch")
	ErrCorrupt        = errors.New("procinfo: valid index out of range")
	ErrUnprepared     = errors.New("procinfo: working context not prepared")
)

// Stats accumulates durability work for telemetry.
type Stats struct {
	// CopiedBytes counts segment bytes copied between slots.
	CopiedBytes uint64
	// Flushes counts cache lines flushed.
	Flushes uint64
	// Commits counts valid-index flips.
	Commits uint64
}

// Add folds o into s.
func (s *Stats) Add(o Stats) {
	s.CopiedBytes += o.CopiedBytes
	s.Flushes += o.Flushes
	s.Commits += o.Commits
}
