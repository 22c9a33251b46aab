package procinfo

import (
	"fmt"

	"nvos/paging"
	"nvos/pmem"
)

// ExecutionContext is one resumable snapshot of a process: register file,
// mappings, kernel stack pointer and heap break.
type ExecutionContext struct {
	r   *pmem.Region
	off uint64
}

// ContextAt returns the context stored at off.
func ContextAt(r *pmem.Region, off uint64) ExecutionContext {
	return ExecutionContext{r: r, off: off}
}

func (c ExecutionContext) Mapping() ProcessMappingInfo {
	return ProcessMappingInfo{r: c.r, off: c.off + ctxMapping}
}

// Registers loads the saved register file.
func (c ExecutionContext) Registers() RegisterFile {
	var rf RegisterFile
	for i, w := range rf.words() {
		*w = c.r.Uint64(c.off + ctxRegs + uint64(i)*8)
	}
	return rf
}

// SetRegisterFile stores rf. Durable after Flush.
func (c ExecutionContext) SetRegisterFile(rf RegisterFile) {
	for i, w := range rf.words() {
		c.r.PutUint64(c.off+ctxRegs+uint64(i)*8, *w)
	}
}

func (c ExecutionContext) reg(i int) uint64 { return c.r.Uint64(c.off + ctxRegs + uint64(i)*8) }
func (c ExecutionContext) setReg(i int, v uint64) {
	c.r.PutUint64(c.off+ctxRegs+uint64(i)*8, v)
}

const (
	regRSP = 18
	regCR3 = 20
)

func (c ExecutionContext) RSP() uint64           { return c.reg(regRSP) }
func (c ExecutionContext) CR3() uint64           { return c.reg(regCR3) }
func (c ExecutionContext) SetCR3(root uint64)    { c.setReg(regCR3, root) }
func (c ExecutionContext) KernelRSP() uint64     { return c.r.Uint64(c.off + ctxKernelRSP) }
func (c ExecutionContext) SetKernelRSP(v uint64) { c.r.PutUint64(c.off+ctxKernelRSP, v) }
func (c ExecutionContext) HeapUsed() uint64      { return c.r.Uint64(c.off + ctxHeapUsed) }

// HeapEndVirtAddr is the current program break.
func (c ExecutionContext) HeapEndVirtAddr() uint64 {
	return c.Mapping().Heap().VirtAddr() + c.HeapUsed()
}

// ExpandHeap moves the break by delta. Growing past the heap segment or
// shrinking below its base fails and leaves the break unchanged.
func (c ExecutionContext) ExpandHeap(delta int64) error {
	used := c.HeapUsed()
	next := int64(used) + delta
	if next < 0 || uint64(next) > c.Mapping().Heap().MapSize() {
		return fmt.Errorf("heap %d%+d of %d: %w", used, delta, c.Mapping().Heap().MapSize(), ErrHeapExhausted)
	}
	c.r.PutUint64(c.off+ctxHeapUsed, uint64(next))
	return nil
}

// SetRegisters prepares the first entry into the process. Interrupts are
// always enabled in the resulting RFLAGS and the heap break is reset.
func (c ExecutionContext) SetRegisters(entry, cs, rsp, ss, cr3, rflags, kernelRSP uint64) {
	rf := RegisterFile{
		RIP:    entry,
		CS:     cs,
		RSP:    rsp,
		SS:     ss,
		RFLAGS: rflags | RFlagsReserved | RFlagsIF,
		CR3:    cr3,
	}
	c.SetRegisterFile(rf)
	c.SetKernelRSP(kernelRSP)
	c.r.PutUint64(c.off+ctxHeapUsed, 0)
}

// PushDataToStack copies data below the stack pointer, keeping it 8-byte
// aligned, flushes it, and returns the new stack pointer.
func (c ExecutionContext) PushDataToStack(data []byte) (uint64, error) {
	stack := c.Mapping().Stack()
	rsp := c.RSP()
	n := (uint64(len(data)) + 7) &^ 7
	if !stack.Present() || rsp > stack.VirtEndAddr() || rsp < stack.VirtAddr()+n {
		return 0, fmt.Errorf("push %d bytes at rsp %#x: %w", len(data), rsp, ErrStackOverflow)
	}
	rsp -= n
	paddr := stack.PhysAddr() + (rsp - stack.VirtAddr())
	dst := c.r.Slice(paddr, n)
	clear(dst[copy(dst, data):])
	if _, err := c.r.Flush(paddr, n); err != nil {
		return 0, fmt.Errorf("push to stack: %w", err)
	}
	c.setReg(regRSP, rsp)
	return rsp, nil
}

// AlignStack rounds the stack pointer down to align.
func (c ExecutionContext) AlignStack(align uint64) error {
	if align == 0 || align&(align-1) != 0 {
		return fmt.Errorf("align stack to %d: %w", align, ErrBadAlignment)
	}
	c.setReg(regRSP, c.RSP()&^(align-1))
	return nil
}

// CopyContextFrom makes c a copy of from, except that c keeps its own page
// table root. Data and stack bytes are copied; code and heap segments are
// shared and left untouched.
//
// The heap break and kernel stack pointer are copied along with the
// registers, not kept from c. The heap is shared, so a break that lagged the
// committed one would hand out bytes the committed snapshot already uses.
func (c ExecutionContext) CopyContextFrom(from ExecutionContext, st *Stats) error {
	cr3 := c.CR3()
	rf := from.Registers()
	rf.CR3 = cr3
	c.SetRegisterFile(rf)
	c.SetKernelRSP(from.KernelRSP())
	c.r.PutUint64(c.off+ctxHeapUsed, from.HeapUsed())

	if err := c.Mapping().Data().CopyDataFrom(from.Mapping().Data(), st); err != nil {
		return fmt.Errorf("copy data: %w", err)
	}
	if err := c.Mapping().Stack().CopyDataFrom(from.Mapping().Stack(), st); err != nil {
		return fmt.Errorf("copy stack: %w", err)
	}
	return nil
}

// Flush persists the descriptor bytes and the dirty code, data and heap pages.
func (c ExecutionContext) Flush(pt *paging.Table, st *Stats) error {
	lines, err := c.r.Flush(c.off, ctxUsed)
	if err != nil {
		return fmt.Errorf("context flush: %w", err)
	}
	st.Flushes += lines
	return c.Mapping().Flush(pt, st)
}
