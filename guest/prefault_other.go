//go:build unix && !linux

package guest

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

func prefault(data []byte) (retErr error) {
	if len(data) == 0 {
		return nil
	}

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
	_ = sink

	return nil
}
