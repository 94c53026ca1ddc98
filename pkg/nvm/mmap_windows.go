//go:build windows

package nvm

import (
	"fmt"
	"os"
)

// mmapFixed is not implemented on Windows: CreateFileMapping/MapViewOfFileEx
// can request a preferred address but cannot enforce one the way MAP_FIXED
// does on Unix, which this package's fixed-address pointer design depends
// on. Left as a stub rather than a partial, silently-unsafe implementation.
func mmapFixed(f *os.File, addr uintptr, size int64) (data []byte, base uintptr, err error) {
	return nil, 0, fmt.Errorf("nvm: fixed-address mapping is not supported on windows")
}

func munmap(data []byte) error { return nil }

func msync(data []byte) error { return nil }
