/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package app builds the cli.App that drives svinit, the way
// cmd/containerd-nydus-grpc's main package builds the snapshotter's.
package app

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/svinit/svinit/internal/config"
	"github.com/svinit/svinit/internal/flags"
	"github.com/svinit/svinit/internal/logging"
	"github.com/svinit/svinit/pkg/errdefs"
	"github.com/svinit/svinit/pkg/svsupervisor"
)

// Version is set at build time via -ldflags.
var Version = "unknown"

// New builds the cli.App. main.go does nothing but call this and run
// it against os.Args.
func New() *cli.App {
	f := flags.New()

	return &cli.App{
		Name:        "svinit",
		Usage:       "a POSIX user-space service supervisor",
		Version:     Version,
		Flags:       f.F,
		HideVersion: true,
		Action: func(c *cli.Context) error {
			if f.Args.PrintVersion {
				fmt.Println("Version:   ", Version)
				return nil
			}
			return run(f.Args)
		},
	}
}

func run(args *flags.Args) error {
	cfg, err := resolveConfig(args)
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx := logging.WithContext()
	logRotateArgs := &logging.RotateLogArgs{
		RotateLogMaxSize:    cfg.Log.RotateLogMaxSize,
		RotateLogMaxBackups: cfg.Log.RotateLogMaxBackups,
		RotateLogMaxAge:     cfg.Log.RotateLogMaxAge,
		RotateLogLocalTime:  cfg.Log.RotateLogLocalTime,
		RotateLogCompress:   cfg.Log.RotateLogCompress,
	}
	if err := logging.SetUp(cfg.Log.Level, cfg.Log.Stdout, cfg.Log.Dir, logRotateArgs); err != nil {
		return errors.Wrap(err, "failed to set up logger")
	}

	log.L.Infof("Start svinit. PID %d Version %s", os.Getpid(), Version)

	sup, err := svsupervisor.New(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to assemble supervisor")
	}

	return sup.Run(ctx)
}

// resolveConfig uses internal/config.Load when the environment supplies
// every required value. Otherwise it builds the whole Config from the
// flag values (each flag also reads its SVINIT_ environment variable)
// with fixed log-rotation settings; the two sources are not merged
// field by field.
func resolveConfig(args *flags.Args) (*config.Config, error) {
	cfg, err := config.Load()
	if err == nil {
		return cfg, nil
	}

	cfg = &config.Config{
		UnitsDir:         args.UnitsDir,
		OverrideUnitsDir: args.OverrideUnitsDir,
		RuntimeDir:       args.RuntimeDir,
		Log: config.LogConfig{
			Level:               args.LogLevel,
			Dir:                 args.LogDir,
			Stdout:              args.LogStdout,
			RotateLogMaxSize:    100,
			RotateLogMaxBackups: 5,
			RotateLogMaxAge:     28,
			RotateLogLocalTime:  true,
			RotateLogCompress:   true,
		},
		Metrics: config.MetricsConfig{
			Enable: args.MetricsEnable,
			Addr:   args.MetricsAddr,
		},
		Parallelism: int64(args.Parallelism),
	}

	if cfg.UnitsDir == "" {
		return nil, errors.New("units directory is required (--units-dir or SVINIT_UNITS_DIR)")
	}
	if cfg.RuntimeDir == "" {
		return nil, errors.New("runtime directory is required (--runtime-dir or SVINIT_RUNTIME_DIR)")
	}
	return cfg, nil
}

// Exit maps a top-level run() error the way the teacher's main.go
// distinguishes an expected shutdown from a fatal startup failure.
func Exit(err error) {
	if err == nil {
		return
	}
	if errdefs.IsConnectionClosed(err) {
		log.L.Info("svinit exited")
		return
	}
	log.L.WithError(err).Fatal("svinit failed")
}
