//go:build unix

package nvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapFixed maps f's first size bytes. If addr is non-zero the mapping is
// requested at that exact address (MAP_FIXED); the caller must treat a
// mismatched returned base as fatal, since every pointer already written
// into the file is only valid at the address it was allocated under.
func mmapFixed(f *os.File, addr uintptr, size int64) (data []byte, base uintptr, err error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}

	ptr, err := unix.MmapPtr(int(f.Fd()), 0, unsafe.Pointer(addr), uintptr(size), prot, flags)
	if err != nil {
		return nil, 0, os.NewSyscallError("mmap", err)
	}

	base = uintptr(ptr)
	data = unsafe.Slice((*byte)(ptr), int(size))
	return data, base, nil
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.MunmapPtr(unsafe.Pointer(&data[0]), uintptr(len(data)))
}

func msync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
