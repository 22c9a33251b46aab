package procinfo

import (
	"fmt"

	"nvos/paging"
	"nvos/pmem"
)

// PersistentProcessInfo holds two execution context slots and the index of
// the one that is valid.
//
// The process always runs on the working slot. SwitchContext commits it: the
// working slot is flushed completely, and only then is the index flipped and
// flushed. A power loss at any point leaves exactly one whole snapshot valid.
type PersistentProcessInfo struct {
	r   *pmem.Region
	off uint64
}

// InfoAt returns the info stored at off. It may be uninitialised; see IsValid.
func InfoAt(r *pmem.Region, off uint64) PersistentProcessInfo {
	return PersistentProcessInfo{r: r, off: off}
}

// AllocInfo reserves a cache-line aligned info block in img.
func AllocInfo(img *pmem.Image) (PersistentProcessInfo, error) {
	off, err := img.Alloc(InfoBytes, 64)
	if err != nil {
		return PersistentProcessInfo{}, fmt.Errorf("alloc process info: %w", err)
	}
	return InfoAt(img.Region(), off), nil
}

func (p PersistentProcessInfo) Offset() uint64 { return p.off }

// IsValid reports whether the signature is present. A false result after
// boot means "no prior state", not an error.
func (p PersistentProcessInfo) IsValid() bool {
	return p.r.Uint64(p.off+infoSignature) == Signature
}

// Check is IsValid plus a range check of the valid index.
func (p PersistentProcessInfo) Check() error {
	if !p.IsValid() {
		return ErrNotInitialized
	}
	if idx := p.r.Uint64(p.off + infoIndex); idx >= NumContexts {
		return fmt.Errorf("info at %#x: index %d: %w", p.off, idx, ErrCorrupt)
	}
	return nil
}

// Init makes slot 0 valid and writes the signature. Callers populate and
// flush slot 0 first; the signature flush is the point of creation.
func (p PersistentProcessInfo) Init() error {
	if err := p.SetValidContextIndex(0); err != nil {
		return err
	}
	p.r.PutUint64(p.off+infoSignature, Signature)
	if _, err := p.r.Flush(p.off+infoSignature, 8); err != nil {
		return fmt.Errorf("info init signature: %w", err)
	}
	return nil
}

// Invalidate erases the signature so the info is ignored after the next boot.
func (p PersistentProcessInfo) Invalidate() error {
	p.r.PutUint64(p.off+infoSignature, 0)
	if _, err := p.r.Flush(p.off+infoSignature, 8); err != nil {
		return fmt.Errorf("info invalidate: %w", err)
	}
	return nil
}

// Reset clears both slots and the signature.
func (p PersistentProcessInfo) Reset() error {
	if err := p.Invalidate(); err != nil {
		return err
	}
	p.r.Zero(p.off, infoSignature)
	if _, err := p.r.Flush(p.off, infoSignature); err != nil {
		return fmt.Errorf("info reset: %w", err)
	}
	return nil
}

// Context returns slot idx. Indices other than 0 and 1 panic.
func (p PersistentProcessInfo) Context(idx int) ExecutionContext {
	if idx < 0 || idx >= NumContexts {
		panic(fmt.Sprintf("procinfo: context index %d out of range", idx))
	}
	return ContextAt(p.r, p.off+uint64(idx)*ContextBytes)
}

// ValidIndex returns the committed slot. A corrupt index panics.
func (p PersistentProcessInfo) ValidIndex() int {
	idx := p.r.Uint64(p.off + infoIndex)
	if idx >= NumContexts {
		panic(fmt.Sprintf("procinfo: valid index %d out of range", idx))
	}
	return int(idx)
}

func (p PersistentProcessInfo) WorkingIndex() int { return 1 - p.ValidIndex() }

func (p PersistentProcessInfo) ValidContext() ExecutionContext {
	return p.Context(p.ValidIndex())
}

func (p PersistentProcessInfo) WorkingContext() ExecutionContext {
	return p.Context(p.WorkingIndex())
}

// SetValidContextIndex stores and flushes the index.
func (p PersistentProcessInfo) SetValidContextIndex(idx int) error {
	if idx < 0 || idx >= NumContexts {
		panic(fmt.Sprintf("procinfo: context index %d out of range", idx))
	}
	p.r.PutUint64(p.off+infoIndex, uint64(idx))
	if _, err := p.r.Flush(p.off+infoIndex, 8); err != nil {
		return fmt.Errorf("info set valid index: %w", err)
	}
	return nil
}

// PrepareWorkingContext rebuilds the working slot from the valid one,
// discarding whatever a crash may have left half written there.
func (p PersistentProcessInfo) PrepareWorkingContext(st *Stats) error {
	return p.WorkingContext().CopyContextFrom(p.ValidContext(), st)
}

// SwitchContext commits the working slot. pt is the page table the process
// ran under, used to find dirty pages.
//
// On error before the flip the previous snapshot stays valid. An error after
// it wraps ErrUnprepared: the new snapshot is committed but the working slot
// is stale, and the process must not resume until PrepareWorkingContext
// succeeds.
func (p PersistentProcessInfo) SwitchContext(pt *paging.Table, st *Stats) error {
	w := p.WorkingContext()
	if err := w.Flush(pt, st); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := w.Mapping().Stack().Flush(pt, st); err != nil {
		return fmt.Errorf("commit stack: %w", err)
	}
	if err := p.SetValidContextIndex(p.WorkingIndex()); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	st.Flushes++
	st.Commits++
	if err := p.PrepareWorkingContext(st); err != nil {
		return fmt.Errorf("%w: %w", ErrUnprepared, err)
	}
	return nil
}
