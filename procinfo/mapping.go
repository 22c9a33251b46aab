package procinfo

import (
	"fmt"

	"nvos/paging"
	"nvos/pmem"
)

// ProcessMappingInfo is the code, data, stack and heap segments of a process image.
type ProcessMappingInfo struct {
	r   *pmem.Region
	off uint64
}

func (m ProcessMappingInfo) Code() SegmentMapping  { return SegmentAt(m.r, m.off+mapCode) }
func (m ProcessMappingInfo) Data() SegmentMapping  { return SegmentAt(m.r, m.off+mapData) }
func (m ProcessMappingInfo) Stack() SegmentMapping { return SegmentAt(m.r, m.off+mapStack) }
func (m ProcessMappingInfo) Heap() SegmentMapping  { return SegmentAt(m.r, m.off+mapHeap) }

func (m ProcessMappingInfo) segments() [4]SegmentMapping {
	return [4]SegmentMapping{m.Code(), m.Data(), m.Stack(), m.Heap()}
}

// Clear marks all four segments absent.
func (m ProcessMappingInfo) Clear() error {
	for _, s := range m.segments() {
		if err := s.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes code, data and heap. The stack is flushed by the context
// switch itself.
func (m ProcessMappingInfo) Flush(pt *paging.Table, st *Stats) error {
	for _, s := range [3]SegmentMapping{m.Code(), m.Data(), m.Heap()} {
		if err := s.Flush(pt, st); err != nil {
			return err
		}
	}
	return nil
}

// Map installs every present segment under root. Code is read-only, the rest
// writable; one TLB flush covers the batch.
func (m ProcessMappingInfo) Map(inst paging.Installer, alloc paging.FrameAllocator, root *paging.Table) error {
	if err := m.Code().Map(inst, alloc, root, paging.User, false); err != nil {
		return fmt.Errorf("map code: %w", err)
	}
	for _, s := range [3]SegmentMapping{m.Data(), m.Stack(), m.Heap()} {
		if err := s.Map(inst, alloc, root, paging.User|paging.Writable, false); err != nil {
			return fmt.Errorf("map segment at %#x: %w", s.VirtAddr(), err)
		}
	}
	root.FlushTLB()
	return nil
}
