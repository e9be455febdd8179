//go:build unix

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/memsync"
	"github.com/slackhq/memsync/config"
	"github.com/slackhq/memsync/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	os.Exit(run(l, c, *configTest))
}

func run(l *logrus.Logger, c *config.C, configTest bool) int {
	s, err := newSession(l, c)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to set up the guest", err, l)
		return 1
	}
	defer s.close()

	ctrl, err := memsync.Main(c, configTest, Build, l, s.mem, s.src, nil)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}

	if configTest {
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.CatchHUP(ctx)

	if s.churn != nil {
		go s.churn.Run(ctx)
	}

	ctrl.Start()
	ctrl.ShutdownBlock()
	return 0
}
