// Package paging is a software 4-level page table in the x86-64 layout.
//
// It stands in for the MMU: Translate walks the table, sets Accessed/Dirty
// bits and caches translations in a TLB that is only invalidated on request.
package paging

import (
	"errors"
	"fmt"
)

// Attr holds page-table entry attribute bits.
type Attr uint64

const (
	Present  Attr = 1 << 0
	Writable Attr = 1 << 1
	User     Attr = 1 << 2
	Accessed Attr = 1 << 5
	Dirty    Attr = 1 << 6

	attrMask = Attr(PageBytes - 1)
)

const (
	PageBytes = 4096
	pageShift = 12
	levels    = 4
	fanout    = 512
)

var (
	ErrMisaligned = errors.New("paging: range not page aligned")
	ErrPageFault  = errors.New("paging: page fault")
)

// FrameAllocator supplies frames for intermediate tables.
type FrameAllocator interface {
	AllocFrame() (uint64, error)
}

// Installer turns a virtual/physical range into live mappings under root.
// When shouldFlush is false the caller is batching and will call
// root.FlushTLB itself.
type Installer interface {
	CreatePageMapping(alloc FrameAllocator, root *Table, vaddr, paddr, size uint64, attrs Attr, shouldFlush bool) error
}

// Software is the Installer for Table.
type Software struct{}

func (Software) CreatePageMapping(alloc FrameAllocator, root *Table, vaddr, paddr, size uint64, attrs Attr, shouldFlush bool) error {
	if err := root.mapRange(alloc, vaddr, paddr, size, attrs); err != nil {
		return err
	}
	if shouldFlush {
		root.FlushTLB()
	}
	return nil
}

type node struct {
	frame    uint64
	entries  [fanout]uint64
	children [fanout]*node
}

type tlbEntry struct {
	page  uint64
	attrs Attr
}

// Table is one address space. Its Root is the value a CPU loads into CR3.
type Table struct {
	root       *node
	tlb        map[uint64]tlbEntry
	tlbFlushes uint64
	frames     uint64
}

// NewTable allocates the top-level frame.
func NewTable(alloc FrameAllocator) (*Table, error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("page table root: %w", err)
	}
	return &Table{
		root:   &node{frame: frame},
		tlb:    make(map[uint64]tlbEntry),
		frames: 1,
	}, nil
}

// Root returns the physical address of the top-level table.
func (t *Table) Root() uint64 { return t.root.frame }

// Frames returns the number of table frames in use.
func (t *Table) Frames() uint64 { return t.frames }

func index(vaddr uint64, level int) int {
	return int(vaddr>>(pageShift+9*uint(level))) & (fanout - 1)
}

func (t *Table) mapRange(alloc FrameAllocator, vaddr, paddr, size uint64, attrs Attr) error {
	if vaddr%PageBytes != 0 || paddr%PageBytes != 0 || size%PageBytes != 0 {
		return fmt.Errorf("map %#x -> %#x size %#x: %w", vaddr, paddr, size, ErrMisaligned)
	}
	for off := uint64(0); off < size; off += PageBytes {
		n := t.root
		va := vaddr + off
		for level := levels - 1; level > 0; level-- {
			i := index(va, level)
			if n.children[i] == nil {
				frame, err := alloc.AllocFrame()
				if err != nil {
					return fmt.Errorf("map %#x: table frame: %w", va, err)
				}
				n.children[i] = &node{frame: frame}
				n.entries[i] = frame | uint64(Present|Writable|User)
				t.frames++
			}
			n = n.children[i]
		}
		n.entries[index(va, 0)] = (paddr + off) | uint64(attrs&attrMask)
	}
	return nil
}

func (t *Table) leaf(vaddr uint64) *uint64 {
	n := t.root
	for level := levels - 1; level > 0; level-- {
		n = n.children[index(vaddr, level)]
		if n == nil {
			return nil
		}
	}
	return &n.entries[index(vaddr, 0)]
}

// Lookup walks the table without touching the TLB or attribute bits.
func (t *Table) Lookup(vaddr uint64) (paddr uint64, attrs Attr, ok bool) {
	pte := t.leaf(vaddr)
	if pte == nil || Attr(*pte)&Present == 0 {
		return 0, 0, false
	}
	page := *pte &^ uint64(attrMask)
	return page | vaddr&(PageBytes-1), Attr(*pte) & attrMask, true
}

// Translate resolves vaddr for an access, the way the MMU would: through the
// TLB when possible, setting Accessed (and Dirty for writes) on a walk.
func (t *Table) Translate(vaddr uint64, write bool) (uint64, error) {
	vpn := vaddr >> pageShift
	if e, ok := t.tlb[vpn]; ok && (!write || e.attrs&Dirty != 0) {
		return e.page | vaddr&(PageBytes-1), nil
	}

	pte := t.leaf(vaddr)
	if pte == nil || Attr(*pte)&Present == 0 {
		return 0, fmt.Errorf("translate %#x: not present: %w", vaddr, ErrPageFault)
	}
	if write && Attr(*pte)&Writable == 0 {
		return 0, fmt.Errorf("translate %#x: read-only: %w", vaddr, ErrPageFault)
	}
	*pte |= uint64(Accessed)
	if write {
		*pte |= uint64(Dirty)
	}
	page := *pte &^ uint64(attrMask)
	t.tlb[vpn] = tlbEntry{page: page, attrs: Attr(*pte) & attrMask}
	return page | vaddr&(PageBytes-1), nil
}

// IsDirty reports the Dirty bit of the page holding vaddr.
func (t *Table) IsDirty(vaddr uint64) bool {
	pte := t.leaf(vaddr)
	return pte != nil && Attr(*pte)&(Present|Dirty) == Present|Dirty
}

// ClearDirty clears the Dirty bit and invalidates the page's TLB entry so the
// next write sets it again.
func (t *Table) ClearDirty(vaddr uint64) {
	if pte := t.leaf(vaddr); pte != nil {
		*pte &^= uint64(Dirty)
	}
	delete(t.tlb, vaddr>>pageShift)
}

// FlushTLB drops every cached translation.
func (t *Table) FlushTLB() {
	clear(t.tlb)
	t.tlbFlushes++
}

// TLBFlushes returns the number of full TLB flushes.
func (t *Table) TLBFlushes() uint64 { return t.tlbFlushes }

// FrameArena is a bump FrameAllocator over a volatile physical window.
// Page tables are rebuilt on every boot, so their frames never need to live
// in persistent memory.
type FrameArena struct {
	next, end uint64
}

// NewFrameArena hands out frames from [base, base+size).
func NewFrameArena(base, size uint64) *FrameArena {
	base = (base + PageBytes - 1) &^ (PageBytes - 1)
	return &FrameArena{next: base, end: base + size}
}

func (a *FrameArena) AllocFrame() (uint64, error) {
	if a.next+PageBytes > a.end {
		return 0, errors.New("paging: frame arena exhausted")
	}
	f := a.next
	a.next += PageBytes
	return f, nil
}
