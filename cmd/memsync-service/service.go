//go:build unix

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync"
	"github.com/slackhq/memsync/config"
	"github.com/slackhq/memsync/guest"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string

	mem     *guest.MmapMemory
	cancel  context.CancelFunc
	control *memsync.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("memsync service starting.")

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	p.mem, err = guest.NewMmapMemoryFromConfig(l, c)
	if err != nil {
		return err
	}

	p.control, err = memsync.Main(c, *p.configTest, p.build, l, p.mem, p.mem, nil)
	if err != nil {
		_ = p.mem.Close()
		return err
	}
	if *p.configTest {
		return p.mem.Close()
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	c.CatchHUP(ctx)
	if churn := guest.NewChurnFromConfig(l, c, p.mem); churn != nil {
		go churn.Run(ctx)
	}

	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("memsync service stopping.")
	if p.control == nil {
		return nil
	}

	p.cancel()
	p.control.Stop()
	return p.mem.Close()
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) error {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			return err
		}
		*configPath = filepath.Dir(ex) + "/config.yml"
	}

	svcConfig := &service.Config{
		Name:        "memsync",
		DisplayName: "memsync Guest Memory Synchronization",
		Description: "Keeps a replica of guest memory up to date with incremental dirty page diffs",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return err
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		return err
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		return s.Run()
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			return err
		}
		return nil
	}
}
