// Package pmem manages the persistent-memory device: a Region gives typed,
// flush-accounted access to the device bytes and an Image lays out a header,
// a process directory and a bump allocator on top of it.
package pmem

import (
	"encoding/binary"

	"nvos/hal"
)

// Region is a view over a PMem device.
//
// Offsets are device-relative and double as physical addresses. Accesses
// outside the device panic: they mean the persistent state is corrupt.
type Region struct {
	dev hal.PMem
	buf []byte
}

// NewRegion wraps dev.
func NewRegion(dev hal.PMem) *Region {
	return &Region{dev: dev, buf: dev.Bytes()}
}

// Size returns the device size in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.buf)) }

func (r *Region) Uint64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(r.buf[off : off+8])
}

func (r *Region) PutUint64(off, v uint64) {
	binary.LittleEndian.PutUint64(r.buf[off:off+8], v)
}

// Slice returns the live bytes [off, off+n). Stores through it are not durable
// until flushed.
func (r *Region) Slice(off, n uint64) []byte {
	return r.buf[off : off+n : off+n]
}

// Copy moves n bytes from src to dst inside the region.
func (r *Region) Copy(dst, src, n uint64) {
	copy(r.buf[dst:dst+n], r.buf[src:src+n])
}

// Zero clears n bytes at off.
func (r *Region) Zero(off, n uint64) {
	clear(r.buf[off : off+n])
}

// Flush makes [off, off+n) durable and returns the number of cache lines the
// flush covered.
func (r *Region) Flush(off, n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	if err := r.dev.Flush(off, n); err != nil {
		return 0, err
	}
	return CacheLines(off, n), nil
}

// CacheLines counts the cache lines touched by [off, off+n).
func CacheLines(off, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	const line = hal.CacheLineBytes
	start := off &^ (line - 1)
	end := (off + n + line - 1) &^ (line - 1)
	return (end - start) / line
}
