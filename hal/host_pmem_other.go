//go:build !tinygo && !unix

package hal

// HostPMem is unavailable on this platform.
type HostPMem struct{ stubPMem }

func OpenHostPMem(path string, size uint64) (*HostPMem, error) {
	_ = path
	_ = size
	return nil, ErrNotImplemented
}
