package memsync

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync/config"
	"github.com/slackhq/memsync/guest"
	"github.com/slackhq/memsync/util"
	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"
)

// Main validates the config and wires a synchronization session for mem. The returned Control is not running yet,
// see Control.Start. With configTest set the config is printed and checked, nothing is started and both returns
// are nil on success. A nil consumer logs every diff.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, mem guest.Memory, src guest.DirtyBitmapSource, consumer DiffConsumer) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	guestSize := guest.TotalSize(mem)
	ecfg, err := engineConfigFromConfig(c, guestSize)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the synchronization engine", nil, err)
	}
	ecfg.Consumer = consumer

	// Scan at the granularity the guest logs dirty pages at unless told otherwise
	if ps, ok := mem.(guest.PageSizer); ok && !c.IsSet("sync.page_size") {
		ecfg.PageSize = int(ps.PageSize())
	}

	interval, err := syncIntervalFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the synchronization loop", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	ctl := &Control{
		engine:     NewSyncEngine(l, ecfg),
		mem:        mem,
		src:        src,
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		eg:         eg,
		statsStart: statsStart,
	}
	ctl.interval.Store(int64(interval))
	ctl.abortOnError.Store(c.GetBool("sync.abort_on_error", false))

	c.RegisterReloadCallback(ctl.reload)

	return ctl, nil
}
