package kernel

import (
	"errors"
	"fmt"

	"nvos/paging"
	"nvos/procinfo"
)

// ErrNoAddressSpace is returned for memory access from a process without a
// page table.
var ErrNoAddressSpace = errors.New("kernel: process has no address space")

// Context provides process-local access to kernel operations during one Step.
type Context struct {
	s     *Scheduler
	p     *Process
	yield bool
}

// Process returns the running process.
func (c *Context) Process() *Process { return c.p }

// PID returns the running process ID.
func (c *Context) PID() ProcessID { return c.p.id }

// Registers returns the live CPU registers. Updates persist at the next switch.
func (c *Context) Registers() *procinfo.RegisterFile { return c.s.cpu.Registers() }

// Tick returns the last timer tick the scheduler observed.
func (c *Context) Tick() uint64 { return c.s.tick }

// Yield asks the scheduler to switch away once this Step returns.
func (c *Context) Yield() { c.yield = true }

// Exit terminates the process with code once this Step returns.
func (c *Context) Exit(code uint64) { c.p.exit(code) }

// Logf writes a line to the kernel log, prefixed with the process name.
func (c *Context) Logf(format string, args ...any) {
	c.s.logf("%s[%d]: %s", c.p.name, c.p.id, fmt.Sprintf(format, args...))
}

// Load reads len(dst) bytes at vaddr.
func (c *Context) Load(vaddr uint64, dst []byte) error {
	return c.access(vaddr, dst, false)
}

// Store writes src at vaddr, marking the pages dirty.
func (c *Context) Store(vaddr uint64, src []byte) error {
	return c.access(vaddr, src, true)
}

// access copies page by page through the MMU. A fault kills the process.
func (c *Context) access(vaddr uint64, buf []byte, write bool) error {
	pt := c.s.cpu.PageTable()
	if pt == nil || c.s.mem == nil {
		return ErrNoAddressSpace
	}
	for len(buf) > 0 {
		pa, err := pt.Translate(vaddr, write)
		if err != nil {
			c.p.exit(ExitPageFault)
			return err
		}
		n := uint64(paging.PageBytes) - vaddr%paging.PageBytes
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		mem := c.s.mem.Slice(pa, n)
		if write {
			copy(mem, buf[:n])
		} else {
			copy(buf[:n], mem)
		}
		buf = buf[n:]
		vaddr += n
	}
	return nil
}

// Sbrk moves the program break by delta and returns the previous break.
// Running out of heap kills the process.
func (c *Context) Sbrk(delta int64) (uint64, error) {
	ctx, ok := c.p.WorkingContext()
	if !ok {
		return 0, ErrNoAddressSpace
	}
	prev := ctx.HeapEndVirtAddr()
	if err := ctx.ExpandHeap(delta); err != nil {
		c.p.exit(ExitHeapExhausted)
		return 0, err
	}
	return prev, nil
}

// HeapEnd returns the current program break.
func (c *Context) HeapEnd() uint64 {
	ctx, ok := c.p.WorkingContext()
	if !ok {
		return 0
	}
	return ctx.HeapEndVirtAddr()
}
