//go:build unix && !linux

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
)

func attachDirtyLog(_ *logrus.Logger, c *config.C, _ *session) error {
	if v := c.GetString("guest.dirty_log", "emulated"); v != "emulated" {
		return fmt.Errorf("guest.dirty_log %s is not supported on this platform", v)
	}
	return nil
}
