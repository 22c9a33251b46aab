package procinfo

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvos/hal"
	"nvos/paging"
	"nvos/pmem"
)

const (
	codeVA  = 0x40_0000
	dataVA  = 0x60_0000
	heapVA  = 0x80_0000
	stackVA = 0x7f_0000
	segSz   = 2 * PageBytes
)

type fixture struct {
	dev    *pmem.SimDevice
	img    *pmem.Image
	info   PersistentProcessInfo
	arena  *paging.FrameArena
	tables [NumContexts]*paging.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dev: pmem.NewSimDevice(1 << 20)}
	var err error
	f.img, err = pmem.Format(pmem.NewRegion(f.dev))
	require.NoError(t, err)
	f.info, err = AllocInfo(f.img)
	require.NoError(t, err)
	f.arena = paging.NewFrameArena(0x1_0000_0000, 256*PageBytes)

	codePA, err := f.img.Alloc(segSz, PageBytes)
	require.NoError(t, err)
	heapPA, err := f.img.Alloc(segSz, PageBytes)
	require.NoError(t, err)
	copy(f.img.Region().Slice(codePA, 4), "code")

	for i := 0; i < NumContexts; i++ {
		ctx := f.info.Context(i)
		m := ctx.Mapping()
		require.NoError(t, m.Code().Set(codeVA, codePA, segSz))
		require.NoError(t, m.Heap().Set(heapVA, heapPA, segSz))
		require.NoError(t, m.Data().AllocFromImage(f.img, dataVA, segSz))
		require.NoError(t, m.Stack().AllocFromImage(f.img, stackVA, segSz))

		f.tables[i], err = paging.NewTable(f.arena)
		require.NoError(t, err)
		require.NoError(t, m.Map(paging.Software{}, f.arena, f.tables[i]))
		ctx.SetRegisters(codeVA, 0x23, stackVA+segSz, 0x1b, f.tables[i].Root(), 0, 0xffff_8000_0000_0000)
	}

	slot0 := f.info.Context(0)
	rf := slot0.Registers()
	rf.RAX = 1
	slot0.SetRegisterFile(rf)
	copy(slot0.Mapping().Data().Bytes(), "old data")
	copy(slot0.Mapping().Stack().Bytes()[segSz-8:], "oldstack")
	var st Stats
	_, err = f.img.Region().Flush(slot0.Mapping().Data().PhysAddr(), segSz)
	require.NoError(t, err)
	_, err = f.img.Region().Flush(slot0.Mapping().Stack().PhysAddr(), segSz)
	require.NoError(t, err)
	require.NoError(t, slot0.Flush(nil, &st))
	require.NoError(t, f.info.Init())
	require.NoError(t, f.info.PrepareWorkingContext(&st))
	return f
}

// store writes through the working slot's page table, like a running process.
func (f *fixture) store(t *testing.T, va uint64, b []byte) {
	t.Helper()
	pa, err := f.tables[f.info.WorkingIndex()].Translate(va, true)
	require.NoError(t, err)
	copy(f.img.Region().Slice(pa, uint64(len(b))), b)
}

// mutate makes the working slot differ from the valid one everywhere a
// commit must persist.
func (f *fixture) mutate(t *testing.T) {
	t.Helper()
	f.store(t, dataVA, []byte("new data"))
	f.store(t, stackVA+segSz-8, []byte("newstack"))
	w := f.info.WorkingContext()
	rf := w.Registers()
	rf.RAX = 2
	w.SetRegisterFile(rf)
	require.NoError(t, w.ExpandHeap(64))
}

func (f *fixture) reboot() PersistentProcessInfo {
	f.dev.Reboot()
	return InfoAt(pmem.NewRegion(f.dev), f.info.Offset())
}

type snapshot struct {
	rax   uint64
	data  string
	stack string
	heap  uint64
}

func snap(ctx ExecutionContext) snapshot {
	return snapshot{
		rax:   ctx.Registers().RAX,
		data:  string(ctx.Mapping().Data().Bytes()[:8]),
		stack: string(ctx.Mapping().Stack().Bytes()[segSz-8:]),
		heap:  ctx.HeapUsed(),
	}
}

var (
	oldSnap = snapshot{rax: 1, data: "old data", stack: "oldstack", heap: 0}
	newSnap = snapshot{rax: 2, data: "new data", stack: "newstack", heap: 64}
)

func TestSegmentSet(t *testing.T) {
	r := pmem.NewRegion(pmem.NewSimDevice(4096))
	cases := []struct{ vaddr, paddr, size uint64 }{
		{0, 0, 0},
		{0x40_0000, 0x1000, PageBytes},
		{0x7fff_ffff_0000, 0xdead_0000, 0x1_0000},
		{0xffff_ffff_ffff_0000, 0, 0x1000},
	}
	for _, tc := range cases {
		s := SegmentAt(r, 64)
		require.NoError(t, s.Set(tc.vaddr, tc.paddr, tc.size))
		assert.Equal(t, tc.vaddr, s.VirtAddr())
		assert.Equal(t, tc.paddr, s.PhysAddr())
		assert.Equal(t, tc.size, s.MapSize())
		assert.Equal(t, tc.vaddr+tc.size, s.VirtEndAddr())
		assert.True(t, s.Present(), "physical address zero is still present")
	}
}

func TestSegmentDurability(t *testing.T) {
	dev := pmem.NewSimDevice(4096)
	s := SegmentAt(pmem.NewRegion(dev), 128)
	require.NoError(t, s.Set(0x1000, 0x2000, 0x3000))
	require.NoError(t, s.SetPhysAddr(0x5000))

	dev.Reboot()
	assert.Equal(t, uint64(0x5000), s.PhysAddr())
	assert.Equal(t, uint64(0x1000), s.VirtAddr())

	require.NoError(t, s.Clear())
	dev.Reboot()
	assert.False(t, s.Present())
	assert.Nil(t, s.Bytes())
}

type countingInstaller struct {
	calls int
	attrs paging.Attr
	inner paging.Software
}

func (c *countingInstaller) CreatePageMapping(alloc paging.FrameAllocator, root *paging.Table, vaddr, paddr, size uint64, attrs paging.Attr, shouldFlush bool) error {
	c.calls++
	c.attrs = attrs
	return c.inner.CreatePageMapping(alloc, root, vaddr, paddr, size, attrs, shouldFlush)
}

func TestSegmentMapSkipsAbsent(t *testing.T) {
	r := pmem.NewRegion(pmem.NewSimDevice(4096))
	arena := paging.NewFrameArena(0x1000_0000, 16*PageBytes)
	tbl, err := paging.NewTable(arena)
	require.NoError(t, err)

	inst := &countingInstaller{}
	s := SegmentAt(r, 0)
	require.NoError(t, s.Map(inst, arena, tbl, paging.Writable, true))
	assert.Equal(t, 0, inst.calls)

	require.NoError(t, s.Set(codeVA, 0, PageBytes))
	require.NoError(t, s.Map(inst, arena, tbl, paging.Writable, true))
	assert.Equal(t, 1, inst.calls)
	assert.Equal(t, paging.Present|paging.Writable, inst.attrs)

	pa, err := tbl.Translate(codeVA+8, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), pa)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Map(inst, arena, tbl, paging.Writable, true))
	assert.Equal(t, 1, inst.calls)
}

func TestSegmentCopyDataFromSizeMismatch(t *testing.T) {
	r := pmem.NewRegion(pmem.NewSimDevice(4 * PageBytes))
	a, b := SegmentAt(r, 0), SegmentAt(r, 64)
	require.NoError(t, a.Set(0, PageBytes, PageBytes))
	require.NoError(t, b.Set(0, 2*PageBytes, 2*PageBytes))

	var st Stats
	assert.ErrorIs(t, a.CopyDataFrom(b, &st), ErrSizeMismatch)
	assert.Zero(t, st.CopiedBytes)
}

func TestSegmentFlushOnlyDirtyPages(t *testing.T) {
	f := newFixture(t)
	data := f.info.WorkingContext().Mapping().Data()
	f.store(t, dataVA+PageBytes+16, []byte("dirty"))

	var st Stats
	require.NoError(t, data.Flush(f.tables[f.info.WorkingIndex()], &st))
	assert.Equal(t, uint64(1+PageBytes/64), st.Flushes, "descriptor line plus one page")
	assert.False(t, f.tables[f.info.WorkingIndex()].IsDirty(dataVA+PageBytes))

	f.dev.Reboot()
	assert.Equal(t, "dirty", string(data.Bytes()[PageBytes+16:PageBytes+21]))
}

// strictDevice rejects flushes that run past the end, as a mapped file does.
type strictDevice struct{ *pmem.SimDevice }

func (d strictDevice) Flush(off, n uint64) error {
	if off+n > uint64(len(d.Bytes())) {
		return os.ErrInvalid
	}
	return d.SimDevice.Flush(off, n)
}

func TestSegmentFlushClampsLastPage(t *testing.T) {
	const size = PageBytes + 100
	r := pmem.NewRegion(strictDevice{pmem.NewSimDevice(PageBytes + size)})
	s := SegmentAt(r, 0)
	require.NoError(t, s.Set(dataVA, PageBytes, size))

	arena := paging.NewFrameArena(0x1_0000_0000, 16*PageBytes)
	pt, err := paging.NewTable(arena)
	require.NoError(t, err)
	require.NoError(t, paging.Software{}.CreatePageMapping(arena, pt, dataVA, PageBytes, 2*PageBytes, paging.Present|paging.Writable, false))
	_, err = pt.Translate(dataVA+PageBytes+8, true)
	require.NoError(t, err)

	var st Stats
	require.NoError(t, s.Flush(pt, &st))
	assert.Equal(t, uint64(1+2), st.Flushes, "descriptor line plus the 100-byte tail")
	assert.False(t, pt.IsDirty(dataVA+PageBytes))
}

func TestInitIsValid(t *testing.T) {
	dev := pmem.NewSimDevice(1 << 20)
	img, err := pmem.Format(pmem.NewRegion(dev))
	require.NoError(t, err)
	info, err := AllocInfo(img)
	require.NoError(t, err)

	assert.False(t, info.IsValid())
	assert.ErrorIs(t, info.Check(), ErrNotInitialized)

	require.NoError(t, info.Init())
	assert.True(t, info.IsValid())
	assert.NoError(t, info.Check())
	assert.Equal(t, 0, info.ValidIndex())
	assert.Equal(t, 1, info.WorkingIndex())

	dev.Reboot()
	assert.True(t, InfoAt(pmem.NewRegion(dev), info.Offset()).IsValid())

	require.NoError(t, info.Invalidate())
	dev.Reboot()
	assert.False(t, info.IsValid())
}

func TestCorruptIndex(t *testing.T) {
	r := pmem.NewRegion(pmem.NewSimDevice(4096))
	info := InfoAt(r, 0)
	require.NoError(t, info.Init())
	r.PutUint64(infoIndex, 7)

	assert.ErrorIs(t, info.Check(), ErrCorrupt)
	assert.Panics(t, func() { info.ValidIndex() })
	assert.Panics(t, func() { info.Context(2) })
	assert.Panics(t, func() { info.Context(-1) })
	assert.Panics(t, func() { _ = info.SetValidContextIndex(2) })
}

func TestExpandHeap(t *testing.T) {
	f := newFixture(t)
	w := f.info.WorkingContext()
	assert.Equal(t, uint64(heapVA), w.HeapEndVirtAddr())

	require.NoError(t, w.ExpandHeap(100))
	assert.Equal(t, uint64(heapVA+100), w.HeapEndVirtAddr())
	require.NoError(t, w.ExpandHeap(-40))
	assert.Equal(t, uint64(60), w.HeapUsed())

	assert.ErrorIs(t, w.ExpandHeap(segSz), ErrHeapExhausted)
	assert.ErrorIs(t, w.ExpandHeap(-61), ErrHeapExhausted)
	assert.Equal(t, uint64(60), w.HeapUsed())
	require.NoError(t, w.ExpandHeap(segSz-60))
	assert.Equal(t, uint64(heapVA+segSz), w.HeapEndVirtAddr())
}

func TestSetRegisters(t *testing.T) {
	r := pmem.NewRegion(pmem.NewSimDevice(4096))
	ctx := ContextAt(r, 0)
	r.PutUint64(ctxHeapUsed, 99)

	ctx.SetRegisters(0x40_1000, 0x23, 0x7f_f000, 0x1b, 0x9000, 0, 0xffff_8000_0000_1000)
	rf := ctx.Registers()
	assert.Equal(t, uint64(0x40_1000), rf.RIP)
	assert.Equal(t, uint64(0x23), rf.CS)
	assert.Equal(t, uint64(0x7f_f000), rf.RSP)
	assert.Equal(t, uint64(0x1b), rf.SS)
	assert.Equal(t, uint64(0x9000), ctx.CR3())
	assert.Equal(t, uint64(RFlagsReserved|RFlagsIF), rf.RFLAGS)
	assert.Equal(t, uint64(0xffff_8000_0000_1000), ctx.KernelRSP())
	assert.Zero(t, ctx.HeapUsed())
}

func TestPushDataToStack(t *testing.T) {
	f := newFixture(t)
	ctx := f.info.Context(0)
	top := ctx.RSP()

	rsp, err := ctx.PushDataToStack([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, top-8, rsp)
	assert.Equal(t, rsp, ctx.RSP())

	off := rsp - stackVA
	assert.Equal(t, []byte("hello\x00\x00\x00"), ctx.Mapping().Stack().Bytes()[off:off+8])

	require.NoError(t, ctx.AlignStack(16))
	assert.Equal(t, top-16, ctx.RSP())
	assert.ErrorIs(t, ctx.AlignStack(24), ErrBadAlignment)

	_, err = ctx.PushDataToStack(make([]byte, segSz))
	assert.ErrorIs(t, err, ErrStackOverflow)

	f.dev.Reboot()
	assert.Equal(t, []byte("hello"), ctx.Mapping().Stack().Bytes()[off:off+5])
}

func TestCopyContextFrom(t *testing.T) {
	f := newFixture(t)
	valid, working := f.info.ValidContext(), f.info.WorkingContext()

	assert.Equal(t, f.tables[f.info.WorkingIndex()].Root(), working.CR3())
	assert.NotEqual(t, valid.CR3(), working.CR3())

	wantRegs := valid.Registers()
	wantRegs.CR3 = working.CR3()
	assert.Equal(t, wantRegs, working.Registers())
	assert.True(t, bytes.Equal(valid.Mapping().Data().Bytes(), working.Mapping().Data().Bytes()))
	assert.True(t, bytes.Equal(valid.Mapping().Stack().Bytes(), working.Mapping().Stack().Bytes()))
	assert.NotEqual(t, valid.Mapping().Data().PhysAddr(), working.Mapping().Data().PhysAddr())
	assert.Equal(t, valid.Mapping().Code().PhysAddr(), working.Mapping().Code().PhysAddr())
	assert.Equal(t, valid.Mapping().Heap().PhysAddr(), working.Mapping().Heap().PhysAddr())
}

func TestCopyContextFromLeavesCodeAndHeapAlone(t *testing.T) {
	f := newFixture(t)
	valid, working := f.info.ValidContext(), f.info.WorkingContext()

	require.NoError(t, working.Mapping().Code().Set(0x10_0000, 0x3000, PageBytes))
	copy(valid.Mapping().Heap().Bytes(), "heap")
	require.NoError(t, valid.ExpandHeap(96))
	require.NoError(t, working.ExpandHeap(16))
	valid.SetKernelRSP(0xffff_8000_0000_1000)

	var st Stats
	require.NoError(t, working.CopyContextFrom(valid, &st))
	assert.Equal(t, uint64(2*segSz), st.CopiedBytes, "data and stack only")
	assert.Equal(t, uint64(0x10_0000), working.Mapping().Code().VirtAddr())
	assert.Equal(t, uint64(0x3000), working.Mapping().Code().PhysAddr())
	assert.Equal(t, "heap", string(working.Mapping().Heap().Bytes()[:4]))
	assert.Equal(t, uint64(96), working.HeapUsed(), "break follows the source")
	assert.Equal(t, uint64(0xffff_8000_0000_1000), working.KernelRSP())
}

func TestSwitchContextCommits(t *testing.T) {
	f := newFixture(t)
	f.mutate(t)

	var st Stats
	require.NoError(t, f.info.SwitchContext(f.tables[f.info.WorkingIndex()], &st))
	assert.Equal(t, uint64(1), st.Commits)
	assert.Equal(t, uint64(2*segSz), st.CopiedBytes)
	assert.NotZero(t, st.Flushes)
	assert.Equal(t, 1, f.info.ValidIndex())
	assert.Equal(t, newSnap, snap(f.info.ValidContext()))
	assert.Equal(t, newSnap, snap(f.info.WorkingContext()), "working slot rebuilt")

	info := f.reboot()
	require.NoError(t, info.Check())
	assert.Equal(t, 1, info.ValidIndex())
	assert.Equal(t, newSnap, snap(info.ValidContext()))
}

func TestSwitchContextCrashBeforeIndexFlush(t *testing.T) {
	f := newFixture(t)
	f.mutate(t)
	idx := f.info.Offset() + infoIndex
	f.dev.SetFaultHook(func(off, n uint64) bool { return off == idx })

	var st Stats
	err := f.info.SwitchContext(f.tables[f.info.WorkingIndex()], &st)
	require.ErrorIs(t, err, hal.ErrPowerFailed)

	info := f.reboot()
	require.NoError(t, info.Check())
	assert.Equal(t, 0, info.ValidIndex())
	assert.Equal(t, oldSnap, snap(info.ValidContext()))
}

func TestSwitchContextCrashAfterIndexFlush(t *testing.T) {
	f := newFixture(t)
	f.mutate(t)
	idx := f.info.Offset() + infoIndex
	flipped := false
	f.dev.SetFaultHook(func(off, n uint64) bool {
		if flipped {
			return true
		}
		flipped = off == idx
		return false
	})

	var st Stats
	err := f.info.SwitchContext(f.tables[f.info.WorkingIndex()], &st)
	require.ErrorIs(t, err, hal.ErrPowerFailed)

	info := f.reboot()
	require.NoError(t, info.Check())
	assert.Equal(t, 1, info.ValidIndex())
	assert.Equal(t, newSnap, snap(info.ValidContext()))

	require.NoError(t, info.PrepareWorkingContext(&st))
	assert.Equal(t, newSnap, snap(info.WorkingContext()))
}

func TestSwitchContextNoTornSnapshot(t *testing.T) {
	for k := 0; ; k++ {
		f := newFixture(t)
		f.mutate(t)
		f.dev.FailAfter(k)

		var st Stats
		err := f.info.SwitchContext(f.tables[f.info.WorkingIndex()], &st)
		if err == nil {
			require.Greater(t, k, 2)
			return
		}
		require.ErrorIs(t, err, hal.ErrPowerFailed, "fault point %d", k)

		info := f.reboot()
		require.NoError(t, info.Check(), "fault point %d", k)
		got := snap(info.ValidContext())
		if got != oldSnap && got != newSnap {
			t.Fatalf("fault point %d: torn snapshot %+v", k, got)
		}
	}
}
