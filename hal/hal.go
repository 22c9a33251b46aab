package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var ErrNotImplemented = errors.New("not implemented")

// ErrPowerFailed reports that the persistent medium lost power mid-operation.
// Nothing written after the last completed Flush is guaranteed to survive.
var ErrPowerFailed = errors.New("pmem: power failed")

// CacheLineBytes is the durability granule of a PMem flush.
const CacheLineBytes = 64

// PMem is byte-addressable non-volatile memory.
//
// Loads and stores go through Bytes. A store becomes durable only once Flush
// has returned nil for a range covering it; until then a power loss may
// silently discard it, in any order relative to other unflushed stores.
type PMem interface {
	Bytes() []byte
	Flush(off, n uint64) error
}

// Time provides a base tick stream.
//
// The tick duration is platform-defined; the kernel treats each tick as a
// timer interrupt.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the kernel and the outside world.
type HAL interface {
	Logger() Logger
	Time() Time
	PMem() PMem
}

// NopLogger drops every line.
type NopLogger struct{}

func (NopLogger) WriteLineString(string) {}
func (NopLogger) WriteLineBytes([]byte)  {}
