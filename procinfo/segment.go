package procinfo

import (
	"fmt"

	"nvos/paging"
	"nvos/pmem"
)

// SegmentMapping is one contiguous virtual-to-physical range.
//
// An absent segment has its present flag clear; physical address zero is a
// valid backing address.
type SegmentMapping struct {
	r   *pmem.Region
	off uint64
}

// SegmentAt returns the segment stored at off.
func SegmentAt(r *pmem.Region, off uint64) SegmentMapping {
	return SegmentMapping{r: r, off: off}
}

func (s SegmentMapping) VirtAddr() uint64    { return s.r.Uint64(s.off + segVirt) }
func (s SegmentMapping) PhysAddr() uint64    { return s.r.Uint64(s.off + segPhys) }
func (s SegmentMapping) MapSize() uint64     { return s.r.Uint64(s.off + segSize) }
func (s SegmentMapping) VirtEndAddr() uint64 { return s.VirtAddr() + s.MapSize() }
func (s SegmentMapping) Present() bool       { return s.r.Uint64(s.off+segFlags)&segPresent != 0 }

// Set replaces the whole descriptor and flushes it.
func (s SegmentMapping) Set(vaddr, paddr, size uint64) error {
	s.r.PutUint64(s.off+segVirt, vaddr)
	s.r.PutUint64(s.off+segPhys, paddr)
	s.r.PutUint64(s.off+segSize, size)
	s.r.PutUint64(s.off+segFlags, segPresent)
	if _, err := s.r.Flush(s.off, SegmentBytes); err != nil {
		return fmt.Errorf("segment set: %w", err)
	}
	return nil
}

// SetPhysAddr relocates the backing memory, flushing only that field.
func (s SegmentMapping) SetPhysAddr(paddr uint64) error {
	s.r.PutUint64(s.off+segPhys, paddr)
	if _, err := s.r.Flush(s.off+segPhys, 8); err != nil {
		return fmt.Errorf("segment set phys: %w", err)
	}
	return nil
}

// Clear marks the segment absent.
func (s SegmentMapping) Clear() error {
	s.r.Zero(s.off, SegmentBytes)
	if _, err := s.r.Flush(s.off, SegmentBytes); err != nil {
		return fmt.Errorf("segment clear: %w", err)
	}
	return nil
}

// AllocFromImage backs the segment with fresh page-aligned image memory.
func (s SegmentMapping) AllocFromImage(img *pmem.Image, vaddr, size uint64) error {
	size = (size + PageBytes - 1) &^ (PageBytes - 1)
	paddr, err := img.Alloc(size, PageBytes)
	if err != nil {
		return fmt.Errorf("segment at %#x: %w", vaddr, err)
	}
	return s.Set(vaddr, paddr, size)
}

// Bytes returns the live backing memory, nil when absent.
func (s SegmentMapping) Bytes() []byte {
	if !s.Present() {
		return nil
	}
	return s.r.Slice(s.PhysAddr(), s.MapSize())
}

// Contains reports whether vaddr falls inside the segment.
func (s SegmentMapping) Contains(vaddr uint64) bool {
	return s.Present() && vaddr >= s.VirtAddr() && vaddr < s.VirtEndAddr()
}

// Map installs the segment under root with Present|attrs. Absent segments
// install nothing.
func (s SegmentMapping) Map(inst paging.Installer, alloc paging.FrameAllocator, root *paging.Table, attrs paging.Attr, shouldFlush bool) error {
	if !s.Present() {
		return nil
	}
	return inst.CreatePageMapping(alloc, root, s.VirtAddr(), s.PhysAddr(), s.MapSize(), paging.Present|attrs, shouldFlush)
}

// CopyDataFrom copies from's backing bytes into this segment and flushes the
// destination. Both segments must have the same size.
func (s SegmentMapping) CopyDataFrom(from SegmentMapping, st *Stats) error {
	if !s.Present() && !from.Present() {
		return nil
	}
	if s.Present() != from.Present() || s.MapSize() != from.MapSize() {
		return fmt.Errorf("copy %#x bytes into %#x bytes: %w", from.MapSize(), s.MapSize(), ErrSizeMismatch)
	}
	n := s.MapSize()
	s.r.Copy(s.PhysAddr(), from.PhysAddr(), n)
	lines, err := s.r.Flush(s.PhysAddr(), n)
	if err != nil {
		return fmt.Errorf("segment copy flush: %w", err)
	}
	st.CopiedBytes += n
	st.Flushes += lines
	return nil
}

// Flush re-flushes the descriptor and every page pt reports dirty, clearing
// the dirty bits it consumed.
func (s SegmentMapping) Flush(pt *paging.Table, st *Stats) error {
	lines, err := s.r.Flush(s.off, SegmentBytes)
	if err != nil {
		return fmt.Errorf("segment flush: %w", err)
	}
	st.Flushes += lines
	if !s.Present() || pt == nil {
		return nil
	}

	base, phys, end := s.VirtAddr(), s.PhysAddr(), s.VirtEndAddr()
	for va := base; va < end; va += PageBytes {
		if !pt.IsDirty(va) {
			continue
		}
		lines, err := s.r.Flush(phys+(va-base), min(PageBytes, end-va))
		if err != nil {
			return fmt.Errorf("segment flush page %#x: %w", va, err)
		}
		pt.ClearDirty(va)
		st.Flushes += lines
	}
	return nil
}
