//go:build linux

// Package kvm reads the dirty page log KVM keeps for memory slots registered with KVM_MEM_LOG_DIRTY_PAGES.
package kvm

import (
	"golang.org/x/sys/unix"
)

const (
	kvmio = 0xAE

	iocWrite     = 1
	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// Memory region flags, see KVM_SET_USER_MEMORY_REGION.
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

var (
	ioctlSetUserMemoryRegion = iow(0x46, 32)
	ioctlGetDirtyLog         = iow(0x42, 16)
)

func iow(nr, size uintptr) uintptr {
	return iocWrite<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNrShift
}

type ioctler interface {
	ioctl(fd, req, arg uintptr) (uintptr, error)
}

type sysIoctler struct{}

func (sysIoctler) ioctl(fd, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}
