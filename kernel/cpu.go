package kernel

import (
	"nvos/paging"
	"nvos/procinfo"
)

// CPU is the processor state the scheduler swaps on a context switch.
type CPU interface {
	SaveRegisters() procinfo.RegisterFile
	LoadRegisters(rf procinfo.RegisterFile, pt *paging.Table)
	Registers() *procinfo.RegisterFile
	PageTable() *paging.Table
}

// SimCPU is a software CPU: a live register file plus the loaded page table.
type SimCPU struct {
	regs  procinfo.RegisterFile
	pt    *paging.Table
	loads uint64
}

func (c *SimCPU) SaveRegisters() procinfo.RegisterFile { return c.regs }

// LoadRegisters installs rf and switches address space. CR3 follows pt.
func (c *SimCPU) LoadRegisters(rf procinfo.RegisterFile, pt *paging.Table) {
	c.regs = rf
	c.pt = pt
	if pt != nil {
		c.regs.CR3 = pt.Root()
		pt.FlushTLB()
	}
	c.loads++
}

// Registers returns the live register file for in-place updates.
func (c *SimCPU) Registers() *procinfo.RegisterFile { return &c.regs }

func (c *SimCPU) PageTable() *paging.Table { return c.pt }

// Loads returns the number of LoadRegisters calls.
func (c *SimCPU) Loads() uint64 { return c.loads }
