package memsync

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
	"github.com/slackhq/memsync/guest"
	"github.com/slackhq/memsync/util"
	"golang.org/x/sync/errgroup"
)

var ErrStopped = errors.New("synchronization has been stopped")

const defaultSyncInterval = time.Second

// dirtyResetter is implemented by guests whose software dirty log is cleared by the caller once a pass has seen it
type dirtyResetter interface {
	ResetDirty()
}

// Control owns a synchronization session: the engine, the guest it mirrors and the loop that drives passes.
type Control struct {
	engine *SyncEngine
	mem    guest.Memory
	src    guest.DirtyBitmapSource
	l      *logrus.Logger

	// lock serializes passes with each other and with shutdown
	lock    sync.Mutex
	stopped bool

	interval     atomic.Int64
	abortOnError atomic.Bool

	ctx        context.Context
	cancel     context.CancelFunc
	eg         *errgroup.Group
	statsStart func()
}

// Start runs the synchronization loop, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	c.eg.Go(func() error {
		return c.loop(c.ctx)
	})

	c.l.WithField("interval", c.Interval()).Info("Synchronization loop started")
}

func (c *Control) loop(ctx context.Context) error {
	t := time.NewTimer(c.Interval())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		if err := c.SyncNow(); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}

			util.LogWithContextIfNeeded("Synchronization pass failed", err, c.l)
			if c.abortOnError.Load() {
				return err
			}
		}

		t.Reset(c.Interval())
	}
}

// SyncNow runs one synchronization pass right away, waiting for any pass already running.
func (c *Control) SyncNow() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.stopped {
		return ErrStopped
	}

	if err := c.engine.Synchronize(c.mem, c.src); err != nil {
		return err
	}

	if r, ok := c.mem.(dirtyResetter); ok {
		r.ResetDirty()
	}

	return nil
}

// Resynchronize forces the next pass to diff all of guest memory.
func (c *Control) Resynchronize() {
	c.lock.Lock()
	c.engine.Resynchronize()
	c.lock.Unlock()
}

// Engine exposes the engine driven by this control.
func (c *Control) Engine() *SyncEngine {
	return c.engine
}

func (c *Control) Interval() time.Duration {
	return time.Duration(c.interval.Load())
}

// Done is closed once the loop gave up on its own, see sync.abort_on_error
func (c *Control) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Stop ends the loop, shuts the engine down and returns once both are gone. Calling it again does nothing.
func (c *Control) Stop() {
	c.cancel()
	if err := c.eg.Wait(); err != nil {
		util.LogWithContextIfNeeded("Synchronization loop aborted", err, c.l)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true

	c.engine.Shutdown()
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		sig := rawSig.String()
		c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	case <-c.ctx.Done():
		c.l.Info("Synchronization loop exited, shutting down")
	}

	c.Stop()
}

func (c *Control) reload(cfg *config.C) {
	if cfg.HasChanged("sync.interval") {
		interval, err := syncIntervalFromConfig(cfg)
		if err != nil {
			c.l.WithError(err).Error("Failed to reload sync.interval")
		} else {
			c.interval.Store(int64(interval))
			c.l.WithField("interval", interval).Info("sync.interval changed")
		}
	}

	if cfg.HasChanged("sync.abort_on_error") {
		c.abortOnError.Store(cfg.GetBool("sync.abort_on_error", false))
	}

	for _, k := range []string{"sync.capacity", "sync.page_size", "sync.queue_depth"} {
		if cfg.HasChanged(k) {
			c.l.WithField("key", k).Warn("Changing this setting requires a restart")
		}
	}
}

func syncIntervalFromConfig(c *config.C) (time.Duration, error) {
	interval := c.GetDuration("sync.interval", defaultSyncInterval)
	if interval <= 0 {
		return 0, errors.New("sync.interval must be a positive duration")
	}
	return interval, nil
}
