package app

import (
	"strings"

	"nvos/hal"
	"nvos/kernel"
)

// reportPanic logs a halted kernel's report. The host runner stops on the
// next Step, which returns ErrHalted.
func reportPanic(h hal.HAL) func(kernel.PanicInfo) {
	return func(info kernel.PanicInfo) {
		l := h.Logger()
		if l == nil {
			return
		}
		for _, line := range panicLines(info) {
			l.WriteLineString(line)
		}
	}
}

func panicLines(info kernel.PanicInfo) []string {
	lines := []string{"nvos panic: " + info.String()}
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
