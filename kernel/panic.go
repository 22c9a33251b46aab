package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicInfo describes the condition that halted a scheduler.
type PanicInfo struct {
	PID   ProcessID
	Tick  uint64
	Value any
	Stack []byte
}

func (p PanicInfo) String() string {
	return fmt.Sprintf("pid=%d tick=%d: %v", p.PID, p.Tick, p.Value)
}

// WithPanicHandler sets fn to run when the scheduler halts. It runs at most
// once and must not panic.
func WithPanicHandler(fn func(PanicInfo)) Option {
	return func(s *Scheduler) { s.onPanic = fn }
}

// Halted reports whether the scheduler has hit a fatal condition, and which.
// It may be called from any goroutine.
func (s *Scheduler) Halted() (PanicInfo, bool) {
	if info := s.halted.Load(); info != nil {
		return *info, true
	}
	return PanicInfo{}, false
}

// halt records the first fatal condition and runs the handler. Later calls
// are ignored.
func (s *Scheduler) halt(v any) {
	s.haltOnce.Do(func() {
		info := &PanicInfo{PID: s.current.id, Tick: s.tick, Value: v, Stack: debug.Stack()}
		s.halted.Store(info)
		s.logf("sched: halted: %s", info)
		if s.onPanic != nil {
			s.onPanic(*info)
		}
	})
}
