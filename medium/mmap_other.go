//go:build !(darwin || linux)

package medium

import (
	"errors"
	"os"
)

const mmapSupported = false

func mmapFile(f *os.File, size int) ([]byte, func() error, error) {
	return nil, nil, errors.New("memory mapping not supported on this platform")
}
