//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"nvos/app"
	"nvos/hal"
)

func main() {
	var cfg hal.HeadlessConfig
	var configPath string
	var reformat bool
	flag.IntVar(&cfg.Hz, "hz", 100, "Kernel loop iterations per second.")
	flag.Uint64Var(&cfg.Ticks, "ticks", 0, "Stop after N iterations (0 = run forever).")
	flag.StringVar(&cfg.Host.PMemPath, "pmem", "", "Persistent memory image (default $NVOS_PMEM_PATH or nvos.pmem).")
	flag.Uint64Var(&cfg.Host.PMemBytes, "size", 0, "Size of a newly created image in bytes (default 16 MiB).")
	flag.DurationVar(&cfg.Host.TickPeriod, "tick", time.Millisecond, "Timer interrupt period.")
	flag.StringVar(&configPath, "config", "", "YAML process configuration.")
	flag.BoolVar(&reformat, "reformat", false, "Wipe the image before booting.")
	flag.Parse()

	appCfg := app.DefaultConfig()
	if configPath != "" {
		c, err := app.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		appCfg = c
	}
	if reformat {
		appCfg.Reformat = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := hal.RunHeadless(ctx, func(h hal.HAL) (func() error, error) {
		sys, err := app.New(h, appCfg)
		if err != nil {
			return nil, err
		}
		return sys.Step, nil
	}, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
