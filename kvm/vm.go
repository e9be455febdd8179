//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"os"

	"github.com/slackhq/memsync/guest"
	"golang.org/x/sys/unix"
)

var ioctlCreateVM = ioNone(0x01)

func ioNone(nr uintptr) uintptr {
	return kvmio<<iocTypeShift | nr<<iocNrShift
}

// VM is a bare KVM virtual machine, enough to own memory slots and their dirty log.
type VM struct {
	kvm *os.File
	fd  int
}

// OpenVM creates a VM through /dev/kvm.
func OpenVM() (*VM, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	fd, err := sysIoctler{}.ioctl(f.Fd(), ioctlCreateVM, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("KVM_CREATE_VM failed: %w", err)
	}

	return &VM{kvm: f, fd: int(fd)}, nil
}

func (vm *VM) Fd() uintptr {
	return uintptr(vm.fd)
}

func (vm *VM) Close() error {
	return errors.Join(unix.Close(vm.fd), vm.kvm.Close())
}

// NewDirtyLogForMemory registers every region of mem as a slot of vm, slot i at the guest physical address of
// region i.
func NewDirtyLogForMemory(vm *VM, mem *guest.MmapMemory) (*DirtyLog, error) {
	// KVM logs host pages
	if host := uint64(unix.Getpagesize()); mem.PageSize() != host {
		return nil, fmt.Errorf("guest page size %d does not match the host page size %d", mem.PageSize(), host)
	}

	d := NewDirtyLog(vm.Fd(), mem.PageSize())
	for i, ri := range mem.Describe() {
		if err := d.AddSlot(uint32(i), ri.Offset, mem.Region(i).Bytes()); err != nil {
			return nil, err
		}
	}
	return d, nil
}
