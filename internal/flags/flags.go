/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package flags builds the urfave/cli flag set for cmd/svinit, wired
// directly to an Args struct the same way the teacher's command
// package does.
package flags

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	defaultLogLevel    = logrus.InfoLevel
	defaultUnitsDir    = "/etc/svinit/units"
	defaultRuntimeDir  = "/run/svinit"
	defaultMetricsAddr = "127.0.0.1:9469"
	defaultParallelism = 8
)

// Args holds every CLI-settable option, bound by destination pointer
// so Flags.F and Args stay in lockstep.
type Args struct {
	UnitsDir         string
	OverrideUnitsDir string
	RuntimeDir       string

	LogLevel   string
	LogDir     string
	LogStdout  bool

	MetricsEnable bool
	MetricsAddr   string

	Parallelism int

	PrintVersion bool
}

type Flags struct {
	Args *Args
	F    []cli.Flag
}

func New() *Flags {
	args := &Args{}
	return &Flags{
		Args: args,
		F:    buildFlags(args),
	}
}

func buildFlags(args *Args) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "version",
			Value:       false,
			Usage:       "print version and build information",
			Destination: &args.PrintVersion,
		},
		&cli.StringFlag{
			Name:        "units-dir",
			Value:       defaultUnitsDir,
			Aliases:     []string{"U"},
			Usage:       "set `DIRECTORY` containing *.service.toml/*.socket.toml/*.target.toml unit files",
			Destination: &args.UnitsDir,
			EnvVars:     []string{"SVINIT_UNITS_DIR"},
		},
		&cli.StringFlag{
			Name:        "override-units-dir",
			Usage:       "set `DIRECTORY` loaded after units-dir; a name repeated in both is an error",
			Destination: &args.OverrideUnitsDir,
			EnvVars:     []string{"SVINIT_OVERRIDE_UNITS_DIR"},
		},
		&cli.StringFlag{
			Name:        "runtime-dir",
			Value:       defaultRuntimeDir,
			Usage:       "set `DIRECTORY` for NOTIFY_SOCKET endpoints",
			Destination: &args.RuntimeDir,
			EnvVars:     []string{"SVINIT_RUNTIME_DIR"},
		},
		&cli.StringFlag{
			Name:        "log-level",
			Value:       defaultLogLevel.String(),
			Usage:       "set the logging level, one of \"trace\", \"debug\", \"info\", \"warn\", \"error\"",
			Destination: &args.LogLevel,
			EnvVars:     []string{"SVINIT_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:        "log-dir",
			Usage:       "set `DIRECTORY` for rotated log files, ignored when --log-stdout is set",
			Destination: &args.LogDir,
			EnvVars:     []string{"SVINIT_LOG_DIR"},
		},
		&cli.BoolFlag{
			Name:        "log-stdout",
			Value:       true,
			Usage:       "write logs to stdout instead of a rotated file",
			Destination: &args.LogStdout,
			EnvVars:     []string{"SVINIT_LOG_STDOUT"},
		},
		&cli.BoolFlag{
			Name:        "metrics-enable",
			Usage:       "whether to serve a Prometheus /metrics endpoint",
			Destination: &args.MetricsEnable,
			EnvVars:     []string{"SVINIT_METRICS_ENABLE"},
		},
		&cli.StringFlag{
			Name:        "metrics-address",
			Value:       defaultMetricsAddr,
			Usage:       "set `ADDRESS` for the metrics HTTP listener",
			Destination: &args.MetricsAddr,
			EnvVars:     []string{"SVINIT_METRICS_ADDR"},
		},
		&cli.IntFlag{
			Name:        "parallelism",
			Value:       defaultParallelism,
			Usage:       "maximum number of units mid-spawn at once during startup",
			Destination: &args.Parallelism,
			EnvVars:     []string{"SVINIT_PARALLELISM"},
		},
	}
}
