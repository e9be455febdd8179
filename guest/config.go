//go:build unix

package guest

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
	"golang.org/x/sys/unix"
)

// NewMmapMemoryFromConfig builds an emulated guest from the guest.* settings:
//
//	guest:
//	  regions: [64MiB, 16MiB]
//	  page_size: 4096     # 0 or unset uses the host page size
//	  chunk_size: 2MiB    # largest single write handed to a sink, 0 or unset means no cap
//	  prefault: false
func NewMmapMemoryFromConfig(l *logrus.Logger, c *config.C) (*MmapMemory, error) {
	pageSize := uint64(c.GetInt("guest.page_size", 0))
	if pageSize == 0 {
		pageSize = uint64(unix.Getpagesize())
	}

	raw := c.GetStringSlice("guest.regions", []string{"64MiB"})
	sizes := make([]uint64, len(raw))
	for i, s := range raw {
		v, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("guest.regions[%d] was not a valid size: %w", i, err)
		}
		sizes[i] = v
	}

	m, err := NewMmapMemory(pageSize, sizes...)
	if err != nil {
		return nil, err
	}

	chunk, err := c.GetByteSize("guest.chunk_size", 0)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	m.SetChunkSize(chunk)

	if c.GetBool("guest.prefault", false) {
		if err := m.Populate(); err != nil {
			_ = m.Close()
			return nil, err
		}
	}

	l.WithField("regions", len(sizes)).
		WithField("size", humanize.IBytes(m.Size())).
		WithField("pageSize", pageSize).
		Info("Guest memory mapped")

	return m, nil
}
