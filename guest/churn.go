//go:build unix

package guest

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
)

// Churn emulates a running workload by dirtying random pages of an MmapMemory on a timer.
type Churn struct {
	mem      *MmapMemory
	pages    int
	device   float64
	interval time.Duration
	rng      *rand.Rand
	l        *logrus.Logger
}

// NewChurnFromConfig reads guest.churn.*, nil means churn is disabled:
//
//	guest:
//	  churn:
//	    pages: 32        # pages written per tick
//	    interval: 100ms
//	    device: 0.25     # share of writes made as the VMM instead of a vCPU
func NewChurnFromConfig(l *logrus.Logger, c *config.C, mem *MmapMemory) *Churn {
	pages := c.GetInt("guest.churn.pages", 0)
	if pages <= 0 {
		return nil
	}

	device, err := strconv.ParseFloat(c.GetString("guest.churn.device", "0"), 64)
	if err != nil || device < 0 || device > 1 {
		l.WithField("device", c.GetString("guest.churn.device", "")).Warn("guest.churn.device must be between 0 and 1, ignoring")
		device = 0
	}

	return &Churn{
		mem:      mem,
		pages:    pages,
		device:   device,
		interval: c.GetDuration("guest.churn.interval", 100*time.Millisecond),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		l:        l,
	}
}

// DeviceOnly makes every write a VMM write. Use it when nothing reads the vCPU log of the memory, with a KVM dirty
// log for instance.
func (c *Churn) DeviceOnly() {
	c.device = 1
}

// Run dirties pages until ctx is done.
func (c *Churn) Run(ctx context.Context) {
	c.l.WithField("pages", c.pages).
		WithField("interval", c.interval).
		WithField("device", c.device).
		Info("Guest churn started")

	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick()
		}
	}
}

// Tick writes a handful of random bytes into pages random pages.
func (c *Churn) Tick() {
	total := c.mem.Size() / c.mem.PageSize()
	buf := make([]byte, min(64, c.mem.PageSize()))

	for i := 0; i < c.pages; i++ {
		for j := range buf {
			buf[j] = byte(c.rng.Uint32())
		}

		page := c.rng.Uint64N(total)
		off := int64(page*c.mem.PageSize() + c.rng.Uint64N(c.mem.PageSize()-uint64(len(buf))+1))

		var err error
		if c.rng.Float64() < c.device {
			_, err = c.mem.DeviceWriteAt(buf, off)
		} else {
			_, err = c.mem.WriteAt(buf, off)
		}
		if err != nil {
			c.l.WithError(err).WithField("offset", off).Error("Guest churn write failed")
		}
	}
}
