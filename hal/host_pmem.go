//go:build !tinygo && unix

package hal

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	hostPMemDefaultPath      = "nvos.pmem"
	hostPMemDefaultSizeBytes = 16 * 1024 * 1024
)

// HostPMem is a file-backed persistent memory mapped MAP_SHARED.
//
// Flush issues msync(MS_SYNC) over the pages covering the range, which is the
// host equivalent of a cache-line flush followed by a fence.
type HostPMem struct {
	mu  sync.Mutex
	f   *os.File
	buf []byte
}

// OpenHostPMem maps path, creating it with size bytes when it is empty.
// An empty path falls back to $NVOS_PMEM_PATH, then to nvos.pmem.
func OpenHostPMem(path string, size uint64) (*HostPMem, error) {
	if path == "" {
		path = os.Getenv("NVOS_PMEM_PATH")
	}
	if path == "" {
		path = hostPMemDefaultPath
	}
	if size == 0 {
		size = hostPMemDefaultSizeBytes
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pmem %q: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat pmem %q: %w", path, err)
	}
	if st.Size() > 0 {
		size = uint64(st.Size())
	} else if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate pmem %q to %d: %w", path, size, err)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap pmem %q: %w", path, err)
	}
	return &HostPMem{f: f, buf: buf}, nil
}

func (p *HostPMem) Bytes() []byte { return p.buf }

func (p *HostPMem) Flush(off, n uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return ErrNotImplemented
	}
	if n == 0 {
		return nil
	}
	if off >= uint64(len(p.buf)) || off+n > uint64(len(p.buf)) {
		return fmt.Errorf("pmem flush off=%d n=%d: %w", off, n, os.ErrInvalid)
	}

	page := uint64(os.Getpagesize())
	start := off &^ (page - 1)
	end := off + n
	if err := unix.Msync(p.buf[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("pmem msync off=%d n=%d: %w", off, n, err)
	}
	return nil
}

// Close unmaps the file. Stores after Close panic.
func (p *HostPMem) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return nil
	}
	err := unix.Munmap(p.buf)
	p.buf = nil
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	return err
}
