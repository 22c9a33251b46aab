package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/shlex"

	"nvos/hal"
	"nvos/paging"
	"nvos/pmem"
	"nvos/procinfo"
)

// User-mode selectors loaded into a fresh process.
const (
	UserCS uint64 = 0x33
	UserSS uint64 = 0x2b
)

var ErrEmptyImage = errors.New("kernel: empty program image")

// Layout is the virtual address layout of a spawned process.
type Layout struct {
	CodeBase  uint64
	DataBase  uint64
	DataSize  uint64
	HeapBase  uint64
	HeapSize  uint64
	StackTop  uint64
	StackSize uint64
	// KernelStack is the kernel RSP recorded for the process.
	KernelStack uint64
}

func DefaultLayout() Layout {
	return Layout{
		CodeBase:    0x0000_0000_0040_0000,
		DataBase:    0x0000_0000_0060_0000,
		DataSize:    16 << 10,
		HeapBase:    0x0000_0000_1000_0000,
		HeapSize:    64 << 10,
		StackTop:    0x0000_7fff_ffff_f000,
		StackSize:   16 << 10,
		KernelStack: 0xffff_8000_0010_0000,
	}
}

// Loader creates persistent processes in an image and brings them back
// after a reboot.
type Loader struct {
	img    *pmem.Image
	frames paging.FrameAllocator
	inst   paging.Installer
	log    hal.Logger
}

func NewLoader(img *pmem.Image, frames paging.FrameAllocator, inst paging.Installer, log hal.Logger) *Loader {
	return &Loader{img: img, frames: frames, inst: inst, log: log}
}

func (l *Loader) logf(format string, args ...any) {
	if l.log == nil {
		return
	}
	l.log.WriteLineString(fmt.Sprintf(format, args...))
}

// Spawn creates a persistent process named name from a program image.
//
// Code and heap are allocated once and shared by both slots; data and stack
// are allocated per slot. Slot 0 receives the argv frame parsed from
// cmdline and becomes the first committed snapshot. The directory entry is
// written last, so a crash during Spawn leaves no trace beyond leaked space.
func (l *Loader) Spawn(name string, prog Program, image []byte, cmdline string, layout Layout) (*Process, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("spawn %s: %w", name, ErrEmptyImage)
	}
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: parse command line: %w", name, err)
	}
	if len(argv) == 0 {
		argv = []string{name}
	}

	dir, err := l.img.FreeEntry()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	info, err := procinfo.AllocInfo(l.img)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := info.Reset(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	if err := l.allocSegments(info, uint64(len(image)), layout); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	slot0 := info.Context(0)
	code := slot0.Mapping().Code()
	r := l.img.Region()
	copy(code.Bytes(), image)
	if _, err := r.Flush(code.PhysAddr(), code.MapSize()); err != nil {
		return nil, fmt.Errorf("spawn %s: flush code: %w", name, err)
	}

	tables, err := l.buildTables(info)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	slot0.SetRegisters(layout.CodeBase, UserCS, layout.StackTop, UserSS, tables[0].Root(), 0, layout.KernelStack)
	for _, seg := range []procinfo.SegmentMapping{slot0.Mapping().Data(), slot0.Mapping().Stack()} {
		r.Zero(seg.PhysAddr(), seg.MapSize())
		if _, err := r.Flush(seg.PhysAddr(), seg.MapSize()); err != nil {
			return nil, fmt.Errorf("spawn %s: %w", name, err)
		}
	}
	if err := pushArgs(slot0, argv); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	var st procinfo.Stats
	if err := slot0.Flush(tables[0], &st); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := info.Init(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := info.PrepareWorkingContext(&st); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := l.img.SetEntry(dir, name, info.Offset()); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	p := NewPersistentProcess(name, prog, info, tables)
	p.SetDirectoryIndex(dir)
	l.logf("loader: spawned %s dir=%d info=%#x argv=%q", name, dir, info.Offset(), argv)
	return p, nil
}

func (l *Loader) allocSegments(info procinfo.PersistentProcessInfo, codeSize uint64, layout Layout) error {
	m0 := info.Context(0).Mapping()
	if err := m0.Code().AllocFromImage(l.img, layout.CodeBase, codeSize); err != nil {
		return fmt.Errorf("code: %w", err)
	}
	if err := m0.Heap().AllocFromImage(l.img, layout.HeapBase, layout.HeapSize); err != nil {
		return fmt.Errorf("heap: %w", err)
	}
	for i := 0; i < procinfo.NumContexts; i++ {
		m := info.Context(i).Mapping()
		if i > 0 {
			for _, pair := range [2][2]procinfo.SegmentMapping{{m.Code(), m0.Code()}, {m.Heap(), m0.Heap()}} {
				if err := pair[0].Set(pair[1].VirtAddr(), pair[1].PhysAddr(), pair[1].MapSize()); err != nil {
					return err
				}
			}
		}
		if err := m.Data().AllocFromImage(l.img, layout.DataBase, layout.DataSize); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		if err := m.Stack().AllocFromImage(l.img, layout.StackTop-layout.StackSize, layout.StackSize); err != nil {
			return fmt.Errorf("stack: %w", err)
		}
	}
	return nil
}

// buildTables creates one page table per slot and records each root in its
// slot's CR3.
func (l *Loader) buildTables(info procinfo.PersistentProcessInfo) ([procinfo.NumContexts]*paging.Table, error) {
	var tables [procinfo.NumContexts]*paging.Table
	for i := range tables {
		t, err := paging.NewTable(l.frames)
		if err != nil {
			return tables, err
		}
		ctx := info.Context(i)
		if err := ctx.Mapping().Map(l.inst, l.frames, t); err != nil {
			return tables, fmt.Errorf("slot %d: %w", i, err)
		}
		ctx.SetCR3(t.Root())
		tables[i] = t
	}
	return tables, nil
}

// pushArgs lays out the initial stack: argv strings, then a 16-byte aligned
// NULL-terminated pointer array, then argc. RDI and RSI carry argc and argv.
func pushArgs(ctx procinfo.ExecutionContext, argv []string) error {
	ptrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		addr, err := ctx.PushDataToStack(append([]byte(argv[i]), 0))
		if err != nil {
			return fmt.Errorf("push argv[%d]: %w", i, err)
		}
		ptrs[i] = addr
	}
	if err := ctx.AlignStack(16); err != nil {
		return err
	}

	vec := make([]byte, (len(ptrs)+1)*8)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(vec[i*8:], p)
	}
	argvAddr, err := ctx.PushDataToStack(vec)
	if err != nil {
		return fmt.Errorf("push argv vector: %w", err)
	}
	var argc [8]byte
	binary.LittleEndian.PutUint64(argc[:], uint64(len(argv)))
	if _, err := ctx.PushDataToStack(argc[:]); err != nil {
		return fmt.Errorf("push argc: %w", err)
	}

	rf := ctx.Registers()
	rf.RDI = uint64(len(argv))
	rf.RSI = argvAddr
	ctx.SetRegisterFile(rf)
	return nil
}

// Recover rebuilds a process from its directory entry after a boot. A
// missing or corrupt signature is returned as an error so the caller can
// respawn the process.
func (l *Loader) Recover(e pmem.Entry, prog Program) (*Process, error) {
	info := procinfo.InfoAt(l.img.Region(), e.Info)
	if err := info.Check(); err != nil {
		return nil, fmt.Errorf("recover %s: %w", e.Name, err)
	}
	tables, err := l.buildTables(info)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", e.Name, err)
	}
	var st procinfo.Stats
	if err := info.PrepareWorkingContext(&st); err != nil {
		return nil, fmt.Errorf("recover %s: %w", e.Name, err)
	}

	p := NewPersistentProcess(e.Name, prog, info, tables)
	p.SetDirectoryIndex(e.Index)
	l.logf("loader: recovered %s slot=%d rip=%#x", e.Name, info.ValidIndex(), info.ValidContext().Registers().RIP)
	return p, nil
}

// Release forgets a persistent process: its info is invalidated and its
// directory entry cleared.
// TODO: return the process's segments to the image once Alloc has a free list.
func (l *Loader) Release(p *Process) error {
	info, ok := p.Info()
	if !ok {
		return nil
	}
	if err := info.Invalidate(); err != nil {
		return err
	}
	if p.dirIndex >= 0 {
		if err := l.img.ClearEntry(p.dirIndex); err != nil {
			return err
		}
		p.dirIndex = -1
	}
	return nil
}
