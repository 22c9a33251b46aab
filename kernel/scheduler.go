package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"nvos/hal"
	"nvos/pmem"
	"nvos/procinfo"
)

// MaxProcesses is the size of the process table.
const MaxProcesses = 256

var (
	ErrTableFull     = errors.New("kernel: process table full")
	ErrNoSuchProcess = errors.New("kernel: no such process")
	ErrNoRunnable    = errors.New("kernel: no runnable process")
	ErrRegistered    = errors.New("kernel: process already registered")
)

// Stats is scheduler telemetry.
type Stats struct {
	Switches uint64
	procinfo.Stats
}

// Scheduler is a cooperative round-robin scheduler over a fixed process table.
//
// It is not safe for concurrent use: every call happens on the kernel loop,
// and switches only happen inside SwitchProcess.
type Scheduler struct {
	procs   [MaxProcesses]*Process
	count   int
	current *Process

	cpu     CPU
	mem     *pmem.Region
	log     hal.Logger
	onExit  func(*Process)
	onPanic func(PanicInfo)

	tick  uint64
	stats Stats

	haltOnce sync.Once
	halted   atomic.Pointer[PanicInfo]
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the kernel log.
func WithLogger(l hal.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMemory sets the physical memory processes access through their page tables.
func WithMemory(r *pmem.Region) Option {
	return func(s *Scheduler) { s.mem = r }
}

// WithExitHook registers fn to run once for every process that is killed.
func WithExitHook(fn func(*Process)) Option {
	return func(s *Scheduler) { s.onExit = fn }
}

// NewScheduler creates a scheduler whose first process is root, already running.
func NewScheduler(root *Process, cpu CPU, opts ...Option) *Scheduler {
	s := &Scheduler{cpu: cpu}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.RegisterProcess(root); err != nil {
		panic(fmt.Sprintf("kernel: register root: %v", err))
	}
	root.status = StatusRunning
	s.current = root
	s.restore(root)
	return s
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.WriteLineString(fmt.Sprintf(format, args...))
}

// RegisterProcess appends p to the table and returns its ID.
func (s *Scheduler) RegisterProcess(p *Process) (ProcessID, error) {
	if p.id != NoProcess {
		return NoProcess, fmt.Errorf("register %s: %w", p.name, ErrRegistered)
	}
	if s.count >= MaxProcesses {
		return NoProcess, fmt.Errorf("register %s: %w", p.name, ErrTableFull)
	}
	p.id = ProcessID(s.count)
	s.procs[s.count] = p
	s.count++
	return p.id, nil
}

// CurrentProcess returns the process holding the CPU.
func (s *Scheduler) CurrentProcess() *Process { return s.current }

// Process returns the process with the given ID.
func (s *Scheduler) Process(id ProcessID) (*Process, error) {
	if id < 0 || int(id) >= s.count {
		return nil, fmt.Errorf("process %d: %w", id, ErrNoSuchProcess)
	}
	return s.procs[id], nil
}

func (s *Scheduler) NumProcesses() int { return s.count }

// Stats returns switch and commit counters.
func (s *Scheduler) Stats() Stats { return s.stats }

// SetTick records the latest timer tick; programs read it through Context.
func (s *Scheduler) SetTick(tick uint64) { s.tick = tick }

// next picks the process after current in table order that is Ready. The
// current process is considered last and only while it is still Running.
func (s *Scheduler) next() *Process {
	base := int(s.current.id)
	for i := 1; i <= s.count; i++ {
		p := s.procs[(base+i)%s.count]
		if p == s.current {
			if p.status == StatusRunning {
				return p
			}
			continue
		}
		if p.status == StatusReady {
			return p
		}
	}
	return nil
}

// SwitchProcess hands the CPU to the next runnable process and returns it.
//
// The outgoing process's registers are saved into its working slot and, for
// a persistent process, committed before the incoming process is restored.
// If the commit fails the outgoing process keeps the CPU. A process whose
// working slot could not be rebuilt after its commit is rebuilt before it
// runs again; if that fails the current process keeps the CPU.
func (s *Scheduler) SwitchProcess() (*Process, error) {
	next := s.next()
	if next == nil {
		return nil, ErrNoRunnable
	}
	prev := s.current
	if next == prev {
		return prev, nil
	}

	if next.stale {
		if err := s.prepare(next); err != nil {
			return nil, fmt.Errorf("switch in %s[%d]: %w", next.name, next.id, err)
		}
	}
	if err := s.save(prev); err != nil {
		return nil, fmt.Errorf("switch out %s[%d]: %w", prev.name, prev.id, err)
	}
	if prev.status == StatusRunning {
		prev.status = StatusReady
	}
	next.status = StatusRunning
	s.current = next
	s.restore(next)
	s.stats.Switches++
	s.logf("sched: switch %d -> %d (%s)", prev.id, next.id, next.name)
	return next, nil
}

func (s *Scheduler) save(p *Process) error {
	if p.status == StatusKilled {
		return nil
	}
	rf := s.cpu.SaveRegisters()
	if !p.persistent {
		p.regs = rf
		return nil
	}

	working := p.info.WorkingContext()
	pt := p.tables[p.info.WorkingIndex()]
	rf.CR3 = working.CR3()
	working.SetRegisterFile(rf)

	var st procinfo.Stats
	err := p.info.SwitchContext(pt, &st)
	s.stats.Stats.Add(st)
	if errors.Is(err, procinfo.ErrUnprepared) {
		s.logf("sched: %s[%d] committed: %v", p.name, p.id, err)
		p.stale = true
		return nil
	}
	return err
}

func (s *Scheduler) prepare(p *Process) error {
	var st procinfo.Stats
	err := p.info.PrepareWorkingContext(&st)
	s.stats.Stats.Add(st)
	if err != nil {
		return err
	}
	p.stale = false
	return nil
}

func (s *Scheduler) restore(p *Process) {
	if !p.persistent {
		s.cpu.LoadRegisters(p.regs, p.table)
		return
	}
	s.cpu.LoadRegisters(p.info.WorkingContext().Registers(), p.tables[p.info.WorkingIndex()])
}

// Step runs one quantum of the current process and switches away if it
// yielded or exited. A panicking program is killed.
func (s *Scheduler) Step() error {
	p := s.current
	if p.program == nil || p.status != StatusRunning {
		return nil
	}

	ctx := &Context{s: s, p: p}
	s.run(ctx)

	if p.status == StatusKilled {
		s.reap(p)
		_, err := s.SwitchProcess()
		return err
	}
	if ctx.yield {
		_, err := s.SwitchProcess()
		return err
	}
	return nil
}

func (s *Scheduler) run(ctx *Context) {
	defer func() {
		if v := recover(); v != nil {
			s.logf("sched: %s[%d] panicked: %v", ctx.p.name, ctx.p.id, v)
			ctx.p.exit(ExitPanic)
		}
	}()
	ctx.p.program.Step(ctx)
}

func (s *Scheduler) reap(p *Process) {
	s.logf("sched: %s[%d] exited with %d", p.name, p.id, p.exitCode)
	if s.onExit != nil {
		s.onExit(p)
	}
}

// KillCurrentProcess terminates the current process and switches away from it.
func (s *Scheduler) KillCurrentProcess(code uint64) error {
	p := s.current
	p.exit(code)
	s.reap(p)
	_, err := s.SwitchProcess()
	return err
}

// LaunchAndWaitUntilExit registers p, marks it ready and keeps the calling
// process cooperatively switching until p has exited. Running out of
// runnable processes while waiting is fatal to the kernel.
func (s *Scheduler) LaunchAndWaitUntilExit(p *Process) (uint64, error) {
	if _, err := s.RegisterProcess(p); err != nil {
		return 0, err
	}
	p.status = StatusReady
	for p.status != StatusKilled {
		if _, err := s.SwitchProcess(); err != nil {
			if errors.Is(err, ErrNoRunnable) {
				s.halt(err)
			}
			return 0, err
		}
		if err := s.Step(); err != nil {
			if errors.Is(err, ErrNoRunnable) {
				s.halt(err)
			}
			return 0, err
		}
	}
	return p.exitCode, nil
}
