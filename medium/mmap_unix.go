//go:build darwin || linux

package medium

import (
	"os"

	"golang.org/x/sys/unix"
)

const mmapSupported = true

func mmapFile(f *os.File, size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	// The scan reads front to back once per descriptor.
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	return data, func() error {
		return unix.Munmap(data)
	}, nil
}
