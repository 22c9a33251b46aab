package kernel

import (
	"nvos/paging"
	"nvos/procinfo"
)

// ProcessID is a process's index in the scheduler table.
type ProcessID int

// NoProcess is the ID of a process that is not registered.
const NoProcess ProcessID = -1

// Status is the scheduling state of a process.
type Status uint8

const (
	StatusNotScheduled Status = iota
	StatusReady
	StatusRunning
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusNotScheduled:
		return "not-scheduled"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Exit codes set by the kernel itself.
const (
	ExitHeapExhausted uint64 = 12
	ExitPageFault     uint64 = 14
	ExitPanic         uint64 = 134
)

// Program is the code a process runs. Step executes one quantum.
type Program interface {
	Step(ctx *Context)
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(ctx *Context)

func (f ProgramFunc) Step(ctx *Context) { f(ctx) }

// Process is one entry of the scheduler table.
//
// A persistent process keeps its state in a PersistentProcessInfo and runs on
// the working slot, with one page table per slot. An ephemeral process (the
// kernel's root process, for one) keeps its registers in volatile memory.
type Process struct {
	id       ProcessID
	name     string
	status   Status
	exitCode uint64
	program  Program

	persistent bool
	info       procinfo.PersistentProcessInfo
	tables     [procinfo.NumContexts]*paging.Table
	dirIndex   int
	stale      bool // committed, working slot not yet rebuilt

	regs  procinfo.RegisterFile
	table *paging.Table
}

// NewProcess returns an ephemeral process. table may be nil for a process
// without a user address space.
func NewProcess(name string, prog Program, table *paging.Table) *Process {
	return &Process{
		id:       NoProcess,
		name:     name,
		program:  prog,
		table:    table,
		dirIndex: -1,
	}
}

// NewPersistentProcess returns a process backed by info. tables[i] maps slot i.
func NewPersistentProcess(name string, prog Program, info procinfo.PersistentProcessInfo, tables [procinfo.NumContexts]*paging.Table) *Process {
	return &Process{
		id:         NoProcess,
		name:       name,
		program:    prog,
		persistent: true,
		info:       info,
		tables:     tables,
		dirIndex:   -1,
	}
}

func (p *Process) ID() ProcessID           { return p.id }
func (p *Process) Name() string            { return p.name }
func (p *Process) Status() Status          { return p.status }
func (p *Process) SetStatus(s Status)      { p.status = s }
func (p *Process) ExitCode() uint64        { return p.exitCode }
func (p *Process) Program() Program        { return p.program }
func (p *Process) Persistent() bool        { return p.persistent }
func (p *Process) DirectoryIndex() int     { return p.dirIndex }
func (p *Process) SetDirectoryIndex(i int) { p.dirIndex = i }

// Info returns the persistent state; ok is false for ephemeral processes.
func (p *Process) Info() (info procinfo.PersistentProcessInfo, ok bool) {
	return p.info, p.persistent
}

// WorkingContext returns the slot the process runs on.
func (p *Process) WorkingContext() (procinfo.ExecutionContext, bool) {
	if !p.persistent {
		return procinfo.ExecutionContext{}, false
	}
	return p.info.WorkingContext(), true
}

// PageTable returns the address space the process currently runs under.
func (p *Process) PageTable() *paging.Table {
	if !p.persistent {
		return p.table
	}
	return p.tables[p.info.WorkingIndex()]
}

func (p *Process) exit(code uint64) {
	p.status = StatusKilled
	p.exitCode = code
}
