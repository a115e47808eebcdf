//go:build linux

package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues a KVM ioctl carrying a pointer argument (or none, for
// the handful of requests that stuff a scalar into arg directly), the
// same raw unix.Syscall(SYS_IOCTL, ...) pattern bobuhiro11/gokvm uses
// in place of x/sys/unix's typed helpers, which don't cover KVM's
// struct-pointer ioctls.
func ioctl(fd int, request uintptr, arg uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func ioctlPtr(fd int, request uintptr, arg unsafe.Pointer) error {
	_, err := ioctl(fd, request, uintptr(arg))
	return err
}
