package pmem

import (
	"sync"

	"nvos/hal"
)

// SimDevice is an in-memory PMem with a volatile cache in front of the media.
//
// Stores land in the cache and reach the media only through Flush, one cache
// line at a time. Reboot models a power cycle: the cache is reloaded from the
// media and every unflushed store is lost.
type SimDevice struct {
	mu      sync.Mutex
	cache   []byte
	media   []byte
	failed  bool
	hook    func(off, n uint64) bool
	flushes uint64
}

// NewSimDevice returns a zero-filled device of size bytes.
func NewSimDevice(size int) *SimDevice {
	return &SimDevice{
		cache: make([]byte, size),
		media: make([]byte, size),
	}
}

func (d *SimDevice) Bytes() []byte { return d.cache }

func (d *SimDevice) Flush(off, n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failed {
		return hal.ErrPowerFailed
	}
	if d.hook != nil && d.hook(off, n) {
		d.failed = true
		return hal.ErrPowerFailed
	}

	const line = hal.CacheLineBytes
	start := off &^ (line - 1)
	end := (off + n + line - 1) &^ (line - 1)
	if end > uint64(len(d.media)) {
		end = uint64(len(d.media))
	}
	copy(d.media[start:end], d.cache[start:end])
	d.flushes++
	return nil
}

// SetFaultHook installs fn, consulted before every flush. When fn returns true
// the device loses power: that flush and all later ones fail with
// hal.ErrPowerFailed until Reboot.
func (d *SimDevice) SetFaultHook(fn func(off, n uint64) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = fn
}

// FailAfter loses power on the flush following the first n successful ones.
func (d *SimDevice) FailAfter(n int) {
	count := 0
	d.SetFaultHook(func(off, size uint64) bool {
		if count >= n {
			return true
		}
		count++
		return false
	})
}

// Reboot power-cycles the device. The fault hook is removed.
func (d *SimDevice) Reboot() {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.cache, d.media)
	d.failed = false
	d.hook = nil
}

// Failed reports whether the device is waiting for a Reboot.
func (d *SimDevice) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Flushes returns the number of completed flush calls.
func (d *SimDevice) Flushes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}
