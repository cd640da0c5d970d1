//go:build unix

package region

import "golang.org/x/sys/unix"

// UnixBackend implements Backend using real mmap and SysV shared-memory
// syscalls via golang.org/x/sys/unix: Mmap/Munmap for file-backed regions
// (the fd arrives via the RPC's SCM_RIGHTS channel), SysvShmGet/Attach/Detach
// for anonymous shared regions, matching spec.md §4.3 exactly.
type UnixBackend struct{}

func (UnixBackend) PageSize() int {
	return unix.Getpagesize()
}

func (UnixBackend) MmapFile(fd int, offset int64, size int) ([]byte, error) {
	return unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (UnixBackend) MunmapFile(b []byte) error {
	return unix.Munmap(b)
}

func (UnixBackend) CloseFd(fd int) error {
	return unix.Close(fd)
}

func (UnixBackend) ShmGet(size int) (int32, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o666)
	if err != nil {
		return -1, err
	}
	return int32(id), nil
}

func (UnixBackend) ShmAt(id int32) ([]byte, error) {
	return unix.SysvShmAttach(int(id), 0, 0)
}

func (UnixBackend) ShmDt(b []byte) error {
	return unix.SysvShmDetach(b)
}
