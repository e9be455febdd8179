//go:build unix

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
	"github.com/slackhq/memsync/guest"
)

// session is the emulated guest the CLI synchronizes
type session struct {
	mem   *guest.MmapMemory
	src   guest.DirtyBitmapSource
	churn *guest.Churn
	close func()
}

func newSession(l *logrus.Logger, c *config.C) (*session, error) {
	mem, err := guest.NewMmapMemoryFromConfig(l, c)
	if err != nil {
		return nil, err
	}

	s := &session{
		mem:   mem,
		src:   mem,
		churn: guest.NewChurnFromConfig(l, c, mem),
		close: func() {
			if err := mem.Close(); err != nil {
				l.WithError(err).Error("Failed to unmap guest memory")
			}
		},
	}

	if err := attachDirtyLog(l, c, s); err != nil {
		s.close()
		return nil, err
	}

	return s, nil
}
