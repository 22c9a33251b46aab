//go:build !tinygo

package hal

import "time"

const defaultTickPeriod = time.Millisecond

// hostTime turns wall-clock time into a tick stream. A tick that finds the
// channel full is dropped and counted, like a timer interrupt raised while
// the previous one is still pending.
type hostTime struct {
	ch      chan uint64
	seq     uint64
	dropped uint64

	period  time.Duration
	last    time.Time
	pending time.Duration
}

func newHostTime(period time.Duration) *hostTime {
	if period <= 0 {
		period = defaultTickPeriod
	}
	return &hostTime{ch: make(chan uint64, 1024), period: period}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// advance emits one tick per full period elapsed up to now. The first call
// emits a single tick and starts the clock.
func (t *hostTime) advance(now time.Time) {
	if t.last.IsZero() {
		t.last = now
		t.emit(1)
		return
	}
	t.pending += now.Sub(t.last)
	t.last = now
	if n := uint64(t.pending / t.period); n > 0 {
		t.pending %= t.period
		t.emit(n)
	}
}

func (t *hostTime) emit(n uint64) {
	for ; n > 0; n-- {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
			t.dropped++
		}
	}
}

func (t *hostTime) close() { close(t.ch) }
