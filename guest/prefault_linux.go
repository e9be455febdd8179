package guest

import (
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// MADV_POPULATE_WRITE is available since Linux 5.14. It faults pages in writable and reports EFAULT instead of
// raising SIGBUS.
const madvPopulateWrite = 23

func prefault(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	err := unix.Madvise(data, madvPopulateWrite)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("madvise populate failed: %w", err)
	}

	return touchPages(data)
}

// touchPages reads one byte per page, any fault is turned into an error instead of killing the process
func touchPages(data []byte) (retErr error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("memory access fault during prefault: %v", r)
		}
	}()

	pageSize := unix.Getpagesize()
	var sink byte
	for i := 0; i < len(data); i += pageSize {
		sink ^= data[i]
	}
	sink ^= data[len(data)-1]
	_ = sink

	return nil
}
