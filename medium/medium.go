// Package medium loads the byte buffer a scan runs over.
//
// A medium is a read-only view of one source: a disk image, a raw device
// dump or any other file. Local files are memory-mapped where the platform
// supports it, so sources larger than memory can still be scanned; other
// sources are read fully through the storage abstraction.
package medium

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrTooLarge is returned when a source does not fit in the address space.
var ErrTooLarge = errors.New("medium too large to map")

// Reader is the part of a storage backend Load needs. carvekit.FileReader
// satisfies it.
type Reader interface {
	ReadAll(ctx context.Context, path string) ([]byte, error)
}

// LocalPather is implemented by backends that can resolve a path on the
// local disk.
type LocalPather interface {
	LocalPath(path string) (string, error)
}

// Medium is a loaded source buffer. Data must not be modified; when the
// medium is mapped, writes fault.
type Medium struct {
	// Name identifies the source in logs and manifests.
	Name string

	// Data is the full content of the source.
	Data []byte

	// Mapped reports whether Data is a memory mapping.
	Mapped bool

	release func() error
}

// Size returns the length of the buffer.
func (m *Medium) Size() int64 {
	return int64(len(m.Data))
}

// Close releases the buffer. It is safe to call Close more than once.
func (m *Medium) Close() error {
	if m.release == nil {
		return nil
	}
	release := m.release
	m.release = nil
	m.Data = nil
	return release()
}

// FromBytes wraps an in-memory buffer.
func FromBytes(name string, data []byte) *Medium {
	return &Medium{Name: name, Data: data}
}

// Open loads a local file. With useMmap set the file is mapped read-only
// on platforms that support it; empty files are never mapped. Truncating a
// mapped file while Data is in use faults the process with SIGBUS, so files
// that may still change should be opened with useMmap false.
func Open(path string, useMmap bool) (*Medium, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &os.PathError{Op: "open", Path: path, Err: errors.New("is a directory")}
	}

	size := info.Size()
	if size == 0 {
		return FromBytes(path, nil), nil
	}

	if useMmap && mmapSupported {
		if int64(int(size)) != size {
			return nil, &os.PathError{Op: "mmap", Path: path, Err: ErrTooLarge}
		}
		data, release, err := mmapFile(f, int(size))
		if err != nil {
			return nil, &os.PathError{Op: "mmap", Path: path, Err: err}
		}
		return &Medium{Name: path, Data: data, Mapped: true, release: release}, nil
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, &os.PathError{Op: "read", Path: path, Err: err}
	}
	return FromBytes(path, data), nil
}

// Load reads a source through a storage backend. Sources backed by the local
// disk are opened with Open instead so they can be mapped.
func Load(ctx context.Context, r Reader, path string, useMmap bool) (*Medium, error) {
	if lp, ok := r.(LocalPather); ok {
		if local, err := lp.LocalPath(path); err == nil {
			m, err := Open(local, useMmap)
			if err != nil {
				return nil, err
			}
			m.Name = path
			return m, nil
		}
	}

	data, err := r.ReadAll(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("loading medium %s: %w", path, err)
	}
	return FromBytes(path, data), nil
}
