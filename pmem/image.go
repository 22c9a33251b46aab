package pmem

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// Magic is "NVOSPMEM" read as a little-endian word.
	Magic   uint64 = 0x4D454D50534F564E
	Version uint64 = 1

	PageBytes  = 4096
	MaxEntries = 256
	NameBytes  = 24

	entryBytes = NameBytes + 8
	dirOff     = PageBytes
	allocBase  = 4 * PageBytes

	hdrMagic   = 0
	hdrVersion = 8
	hdrSize    = 16
	hdrCursor  = 24
	hdrID      = 32
	hdrBytes   = 48
)

var (
	ErrNotFormatted = errors.New("pmem: image not formatted")
	ErrBadVersion   = errors.New("pmem: unsupported image version")
	ErrOutOfSpace   = errors.New("pmem: out of space")
	ErrTooSmall     = errors.New("pmem: device too small")
	ErrDirFull      = errors.New("pmem: process directory full")
	ErrNameTooLong  = errors.New("pmem: name too long")
)

// Entry is one process directory slot.
type Entry struct {
	Index int
	Name  string
	Info  uint64
}

// Image is a formatted persistent-memory device.
//
// Page 0 holds the header, pages 1-2 the process directory. Everything from
// allocBase up is handed out by Alloc and never returned.
type Image struct {
	r  *Region
	id uuid.UUID
}

// Format initialises r as an empty image with a fresh id.
//
// The magic is written and flushed last, so a power loss during Format leaves
// an image that Open rejects.
func Format(r *Region) (*Image, error) {
	if r.Size() <= allocBase {
		return nil, fmt.Errorf("format %d bytes: %w", r.Size(), ErrTooSmall)
	}

	r.PutUint64(hdrMagic, 0)
	if _, err := r.Flush(hdrMagic, 8); err != nil {
		return nil, fmt.Errorf("format: clear magic: %w", err)
	}

	r.Zero(dirOff, MaxEntries*entryBytes)
	if _, err := r.Flush(dirOff, MaxEntries*entryBytes); err != nil {
		return nil, fmt.Errorf("format: clear directory: %w", err)
	}

	id := uuid.New()
	r.PutUint64(hdrVersion, Version)
	r.PutUint64(hdrSize, r.Size())
	r.PutUint64(hdrCursor, allocBase)
	copy(r.Slice(hdrID, 16), id[:])
	if _, err := r.Flush(hdrVersion, hdrBytes-hdrVersion); err != nil {
		return nil, fmt.Errorf("format: header: %w", err)
	}

	r.PutUint64(hdrMagic, Magic)
	if _, err := r.Flush(hdrMagic, 8); err != nil {
		return nil, fmt.Errorf("format: magic: %w", err)
	}
	return &Image{r: r, id: id}, nil
}

// Open validates the header of an existing image.
func Open(r *Region) (*Image, error) {
	if r.Size() <= allocBase {
		return nil, fmt.Errorf("open %d bytes: %w", r.Size(), ErrTooSmall)
	}
	if r.Uint64(hdrMagic) != Magic {
		return nil, ErrNotFormatted
	}
	if v := r.Uint64(hdrVersion); v != Version {
		return nil, fmt.Errorf("open: version %d: %w", v, ErrBadVersion)
	}
	if sz := r.Uint64(hdrSize); sz != r.Size() {
		return nil, fmt.Errorf("open: header size %d, device %d: %w", sz, r.Size(), ErrNotFormatted)
	}
	id, err := uuid.FromBytes(r.Slice(hdrID, 16))
	if err != nil {
		return nil, fmt.Errorf("open: image id: %w", err)
	}
	return &Image{r: r, id: id}, nil
}

// OpenOrFormat opens r, formatting it when no image is present.
func OpenOrFormat(r *Region) (img *Image, formatted bool, err error) {
	img, err = Open(r)
	if err == nil {
		return img, false, nil
	}
	if !errors.Is(err, ErrNotFormatted) {
		return nil, false, err
	}
	img, err = Format(r)
	return img, err == nil, err
}

func (img *Image) ID() uuid.UUID     { return img.id }
func (img *Image) Region() *Region   { return img.r }
func (img *Image) Used() uint64      { return img.r.Uint64(hdrCursor) }
func (img *Image) Available() uint64 { return img.r.Size() - img.Used() }

// Alloc reserves size bytes aligned to align (at least a cache line).
//
// The cursor is flushed before the offset is returned; a crash afterwards can
// leak the block but never hand it out twice.
func (img *Image) Alloc(size, align uint64) (uint64, error) {
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alloc align %d: not a power of two", align)
	}
	if align < 64 {
		align = 64
	}
	cur := img.r.Uint64(hdrCursor)
	off := (cur + align - 1) &^ (align - 1)
	if size == 0 || off+size > img.r.Size() || off+size < off {
		return 0, fmt.Errorf("alloc %d bytes at %#x: %w", size, off, ErrOutOfSpace)
	}
	img.r.PutUint64(hdrCursor, off+size)
	if _, err := img.r.Flush(hdrCursor, 8); err != nil {
		return 0, fmt.Errorf("alloc: cursor: %w", err)
	}
	return off, nil
}

func entryOff(i int) uint64 { return dirOff + uint64(i)*entryBytes }

// Entry returns directory slot i. ok is false for a free slot.
func (img *Image) Entry(i int) (e Entry, ok bool) {
	if i < 0 || i >= MaxEntries {
		panic(fmt.Sprintf("pmem: directory index %d out of range", i))
	}
	off := entryOff(i)
	info := img.r.Uint64(off + NameBytes)
	if info == 0 {
		return Entry{Index: i}, false
	}
	name := img.r.Slice(off, NameBytes)
	if n := bytes.IndexByte(name, 0); n >= 0 {
		name = name[:n]
	}
	return Entry{Index: i, Name: string(name), Info: info}, true
}

// Entries returns every used directory slot in index order.
func (img *Image) Entries() []Entry {
	var out []Entry
	for i := 0; i < MaxEntries; i++ {
		if e, ok := img.Entry(i); ok {
			out = append(out, e)
		}
	}
	return out
}

// FreeEntry returns the lowest free directory slot.
func (img *Image) FreeEntry() (int, error) {
	for i := 0; i < MaxEntries; i++ {
		if _, ok := img.Entry(i); !ok {
			return i, nil
		}
	}
	return 0, ErrDirFull
}

// SetEntry records a process. The name is made durable before the info
// offset, which is what marks the slot used.
func (img *Image) SetEntry(i int, name string, info uint64) error {
	if len(name) > NameBytes {
		return fmt.Errorf("entry %q: %w", name, ErrNameTooLong)
	}
	if info == 0 {
		return img.ClearEntry(i)
	}
	if _, used := img.Entry(i); used {
		if err := img.ClearEntry(i); err != nil {
			return err
		}
	}
	off := entryOff(i)
	nb := img.r.Slice(off, NameBytes)
	clear(nb)
	copy(nb, name)
	if _, err := img.r.Flush(off, NameBytes); err != nil {
		return fmt.Errorf("entry %d name: %w", i, err)
	}
	img.r.PutUint64(off+NameBytes, info)
	if _, err := img.r.Flush(off+NameBytes, 8); err != nil {
		return fmt.Errorf("entry %d info: %w", i, err)
	}
	return nil
}

// ClearEntry frees directory slot i.
func (img *Image) ClearEntry(i int) error {
	if i < 0 || i >= MaxEntries {
		panic(fmt.Sprintf("pmem: directory index %d out of range", i))
	}
	off := entryOff(i)
	img.r.PutUint64(off+NameBytes, 0)
	if _, err := img.r.Flush(off+NameBytes, 8); err != nil {
		return fmt.Errorf("clear entry %d: %w", i, err)
	}
	return nil
}
