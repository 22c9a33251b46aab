package app

import (
	"errors"
	"fmt"
	"sync/atomic"

	"nvos/hal"
	"nvos/internal/buildinfo"
	"nvos/kernel"
	"nvos/paging"
	"nvos/pmem"
	"nvos/procinfo"
)

// ErrHalted is returned by Step once the kernel has panicked.
var ErrHalted = errors.New("app: kernel halted")

// Page tables live in a volatile window above any persistent address.
const (
	frameBase  = 1 << 40
	frameBytes = 64 << 20
)

// System is a booted kernel: the image, the scheduler and the timer ring that
// connects the HAL tick stream to the kernel loop.
type System struct {
	h      hal.HAL
	cfg    Config
	layout kernel.Layout

	img    *pmem.Image
	loader *kernel.Loader
	sched  *kernel.Scheduler

	ticks      *kernel.Ring[uint64]
	dropped    atomic.Uint64
	now        uint64
	lastSwitch uint64
}

// New boots the kernel on h: it opens (or formats) the persistent image,
// recovers every configured process whose snapshot is intact, spawns the
// rest, and starts feeding timer ticks into the ring.
func New(h hal.HAL, cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &System{
		h:      h,
		cfg:    cfg,
		layout: cfg.layout(),
		ticks:  kernel.NewRing[uint64](cfg.TickBuffer),
	}

	if err := s.openImage(); err != nil {
		return nil, err
	}
	s.loader = kernel.NewLoader(s.img, paging.NewFrameArena(frameBase, frameBytes), paging.Software{}, h.Logger())

	idle := kernel.NewProcess("idle", nil, nil)
	s.sched = kernel.NewScheduler(idle, &kernel.SimCPU{},
		kernel.WithLogger(h.Logger()),
		kernel.WithMemory(s.img.Region()),
		kernel.WithExitHook(s.onExit),
		kernel.WithPanicHandler(reportPanic(h)),
	)
	if err := s.boot(); err != nil {
		return nil, err
	}
	s.startTimer()
	return s, nil
}

func (s *System) logf(format string, args ...any) {
	if l := s.h.Logger(); l != nil {
		l.WriteLineString(fmt.Sprintf(format, args...))
	}
}

func (s *System) openImage() error {
	r := pmem.NewRegion(s.h.PMem())
	var (
		img       *pmem.Image
		formatted bool
		err       error
	)
	if s.cfg.Reformat {
		img, err = pmem.Format(r)
		formatted = true
	} else {
		img, formatted, err = pmem.OpenOrFormat(r)
	}
	if err != nil {
		return fmt.Errorf("boot: open image: %w", err)
	}
	s.img = img
	s.logf("boot: %s image=%s formatted=%v used=%d/%d",
		buildinfo.String(), img.ID(), formatted, img.Used(), r.Size())
	return nil
}

// boot brings every configured process back, in directory order for the
// recovered ones and config order for the rest.
func (s *System) boot() error {
	byName := make(map[string]ProcessConfig, len(s.cfg.Processes))
	for _, pc := range s.cfg.Processes {
		byName[pc.Name] = pc
	}

	started := make(map[string]bool, len(byName))
	for _, e := range s.img.Entries() {
		pc, ok := byName[e.Name]
		if !ok || started[e.Name] {
			s.logf("boot: dropping unconfigured entry %q", e.Name)
			if err := s.img.ClearEntry(e.Index); err != nil {
				return err
			}
			continue
		}
		p, err := s.loader.Recover(e, programs[pc.Program](s.layout))
		if err != nil {
			if !errors.Is(err, procinfo.ErrNotInitialized) && !errors.Is(err, procinfo.ErrCorrupt) {
				return fmt.Errorf("boot: %w", err)
			}
			s.logf("boot: %v; respawning", err)
			if err := s.img.ClearEntry(e.Index); err != nil {
				return err
			}
			continue
		}
		if err := s.start(p); err != nil {
			return err
		}
		started[e.Name] = true
	}

	for _, pc := range s.cfg.Processes {
		if started[pc.Name] {
			continue
		}
		p, err := s.loader.Spawn(pc.Name, programs[pc.Program](s.layout), programImage(pc.Program), pc.Args, s.layout)
		if err != nil {
			return fmt.Errorf("boot: %w", err)
		}
		if err := s.start(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) start(p *kernel.Process) error {
	if _, err := s.sched.RegisterProcess(p); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	p.SetStatus(kernel.StatusReady)
	return nil
}

// startTimer plays the timer interrupt: every HAL tick is pushed into the
// ring. The kernel loop is the only consumer.
func (s *System) startTimer() {
	ht := s.h.Time()
	if ht == nil {
		return
	}
	ch := ht.Ticks()
	if ch == nil {
		return
	}
	go func() {
		for seq := range ch {
			if !s.ticks.Push(seq) {
				s.dropped.Add(1)
			}
		}
	}()
}

// onExit forgets a finished process so the next boot starts it afresh.
func (s *System) onExit(p *kernel.Process) {
	if !p.Persistent() {
		return
	}
	if err := s.loader.Release(p); err != nil {
		s.logf("sched: release %s: %v", p.Name(), err)
	}
}

// Step is one iteration of the kernel loop: drain the tick ring, switch when
// the quantum has elapsed, then run the current process for one quantum.
func (s *System) Step() error {
	if _, halted := s.sched.Halted(); halted {
		return ErrHalted
	}
	for {
		t, ok := s.ticks.TryPop()
		if !ok {
			break
		}
		s.now = t
	}
	s.sched.SetTick(s.now)

	if s.now-s.lastSwitch >= s.cfg.QuantumTicks {
		s.lastSwitch = s.now
		if _, err := s.sched.SwitchProcess(); err != nil {
			return fmt.Errorf("step: %w", err)
		}
	}
	if err := s.sched.Step(); err != nil {
		return fmt.Errorf("step: %w", err)
	}
	return nil
}

func (s *System) Scheduler() *kernel.Scheduler { return s.sched }
func (s *System) Image() *pmem.Image           { return s.img }

// DroppedTicks returns the number of ticks lost to a full ring.
func (s *System) DroppedTicks() uint64 { return s.dropped.Load() }
