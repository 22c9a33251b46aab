//go:build !tinygo

package hal

import (
	"fmt"
	"os"
	"sync"
	"time"
)

type hostHAL struct {
	logger *hostLogger
	t      *hostTime
	pmem   PMem
}

// HostConfig selects the backing file of the host persistent memory and the
// timer period.
type HostConfig struct {
	PMemPath   string
	PMemBytes  uint64
	TickPeriod time.Duration
}

// New returns a host HAL implementation.
//
// If the persistent memory file cannot be mapped the HAL still comes up with a
// stub PMem whose operations fail with ErrNotImplemented.
func New(cfg HostConfig) HAL {
	logger := &hostLogger{w: os.Stdout}
	var pm PMem = stubPMem{}
	hp, err := OpenHostPMem(cfg.PMemPath, cfg.PMemBytes)
	if err != nil {
		logger.WriteLineString(fmt.Sprintf("hal: pmem unavailable: %v", err))
	} else {
		pm = hp
	}
	return &hostHAL{
		logger: logger,
		t:      newHostTime(cfg.TickPeriod),
		pmem:   pm,
	}
}

func (h *hostHAL) Logger() Logger { return h.logger }
func (h *hostHAL) Time() Time     { return h.t }
func (h *hostHAL) PMem() PMem     { return h.pmem }

// Close releases the persistent memory mapping.
func (h *hostHAL) Close() error {
	if c, ok := h.pmem.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

type hostLogger struct {
	mu sync.Mutex
	w  *os.File
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
