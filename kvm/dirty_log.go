//go:build linux

package kvm

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/slackhq/memsync/guest"
)

// userspaceMemoryRegion is struct kvm_userspace_memory_region
type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// dirtyLog is struct kvm_dirty_log, the bitmap pointer lives in a 64 bit union
type dirtyLog struct {
	Slot   uint32
	_      uint32
	Bitmap uint64
}

type slot struct {
	id     uint32
	pages  uint64
	bitmap []uint64
}

// DirtyLog is a guest.DirtyBitmapSource backed by KVM_GET_DIRTY_LOG. Slot ids must be registered in the same
// order as the guest regions they back, so that map key i matches guest.Memory.Regions()[i].
type DirtyLog struct {
	vmFd     uintptr
	pageSize uint64
	io       ioctler

	lock  sync.Mutex
	slots []slot
}

var _ guest.DirtyBitmapSource = (*DirtyLog)(nil)

func NewDirtyLog(vmFd uintptr, pageSize uint64) *DirtyLog {
	return &DirtyLog{
		vmFd:     vmFd,
		pageSize: pageSize,
		io:       sysIoctler{},
	}
}

// AddSlot maps mem into the guest at guestPhys under slot id with dirty logging turned on.
func (d *DirtyLog) AddSlot(id uint32, guestPhys uint64, mem []byte) error {
	if len(mem) == 0 || uint64(len(mem))%d.pageSize != 0 {
		return fmt.Errorf("slot %d size %d is not a non zero multiple of the page size %d", id, len(mem), d.pageSize)
	}

	region := userspaceMemoryRegion{
		Slot:          id,
		Flags:         MemLogDirtyPages,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	_, err := d.io.ioctl(d.vmFd, ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	runtime.KeepAlive(&region)
	if err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION for slot %d failed: %w", id, err)
	}

	pages := uint64(len(mem)) / d.pageSize
	d.lock.Lock()
	d.slots = append(d.slots, slot{id: id, pages: pages, bitmap: make([]uint64, guest.BitmapWords(pages))})
	d.lock.Unlock()
	return nil
}

// GetDirtyBitmap fetches and resets the log of every registered slot. The kernel clears its copy on read.
func (d *DirtyLog) GetDirtyBitmap() (map[int][]uint64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	out := make(map[int][]uint64, len(d.slots))
	for i := range d.slots {
		s := &d.slots[i]
		clear(s.bitmap)

		arg := dirtyLog{Slot: s.id}
		if len(s.bitmap) > 0 {
			arg.Bitmap = uint64(uintptr(unsafe.Pointer(&s.bitmap[0])))
		}

		_, err := d.io.ioctl(d.vmFd, ioctlGetDirtyLog, uintptr(unsafe.Pointer(&arg)))
		runtime.KeepAlive(s.bitmap)
		if err != nil {
			return nil, fmt.Errorf("KVM_GET_DIRTY_LOG for slot %d failed: %w", s.id, err)
		}

		bm := make([]uint64, len(s.bitmap))
		copy(bm, s.bitmap)
		out[i] = bm
	}

	return out, nil
}
