package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
	"github.com/slackhq/memsync/kvm"
)

// attachDirtyLog swaps the emulated hypervisor log for the one of a real KVM VM when guest.dirty_log is kvm. Only
// VMM writes show up then, nothing runs inside the VM.
func attachDirtyLog(l *logrus.Logger, c *config.C, s *session) error {
	switch c.GetString("guest.dirty_log", "emulated") {
	case "emulated":
		return nil
	case "kvm":
	default:
		return fmt.Errorf("guest.dirty_log was not understood: %s", c.GetString("guest.dirty_log", ""))
	}

	vm, err := kvm.OpenVM()
	if err != nil {
		return fmt.Errorf("failed to open a KVM VM: %w", err)
	}

	d, err := kvm.NewDirtyLogForMemory(vm, s.mem)
	if err != nil {
		_ = vm.Close()
		return err
	}

	// KVM never sees writes made from userspace, only the VMM log would catch vCPU style churn
	if s.churn != nil {
		l.Warn("guest.churn with the KVM dirty log only makes VMM writes, guest.churn.device is ignored")
		s.churn.DeviceOnly()
	}

	prev := s.close
	s.src = d
	s.close = func() {
		if err := vm.Close(); err != nil {
			l.WithError(err).Error("Failed to close the KVM VM")
		}
		prev()
	}

	l.WithField("vmFd", vm.Fd()).Info("Using the KVM dirty log")
	return nil
}
