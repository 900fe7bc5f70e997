/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config loads the supervisor's own process-level
// configuration from SVINIT_-prefixed environment variables. This is
// deliberately separate from the per-unit TOML files pkg/unitloader
// parses: the implementation this supervisor is modeled after reused
// one config key across two unrelated sections, so a typo in one
// section silently read a value meant for the other (see DESIGN.md).
// UnitsDir and RuntimeDir below are distinct fields with distinct env
// vars and cannot be confused for one another.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

const envPrefix = "SVINIT_"

// Config is the supervisor's process-level configuration, as opposed
// to the unit definitions themselves.
type Config struct {
	// UnitsDir holds the *.service.toml / *.socket.toml / *.target.toml
	// files loaded at startup.
	UnitsDir string
	// OverrideUnitsDir, if set, is loaded after UnitsDir; a unit name
	// repeated in both is rejected rather than one silently shadowing
	// the other (pkg/unitloader.Load).
	OverrideUnitsDir string
	// RuntimeDir holds NOTIFY_SOCKET datagram endpoints created for
	// notifying services. Must be writable and on a filesystem that
	// supports unix sockets.
	RuntimeDir string

	Log     LogConfig
	Metrics MetricsConfig

	Parallelism int64
}

type LogConfig struct {
	Level               string
	Dir                 string
	Stdout              bool
	RotateLogMaxSize    int
	RotateLogMaxBackups int
	RotateLogMaxAge     int
	RotateLogLocalTime  bool
	RotateLogCompress   bool
}

type MetricsConfig struct {
	Enable bool
	Addr   string
}

// Load reads configuration from the environment, applying defaults
// for anything unset. Required values (UnitsDir, RuntimeDir) produce
// an error rather than falling back to a guessed path.
func Load() (*Config, error) {
	c := &Config{
		UnitsDir:         env("UNITS_DIR", ""),
		OverrideUnitsDir: env("OVERRIDE_UNITS_DIR", ""),
		RuntimeDir:       env("RUNTIME_DIR", ""),
		Log: LogConfig{
			Level:               env("LOG_LEVEL", "info"),
			Dir:                 env("LOG_DIR", ""),
			Stdout:              envBool("LOG_STDOUT", true),
			RotateLogMaxSize:    envInt("LOG_ROTATE_MAX_SIZE", 100),
			RotateLogMaxBackups: envInt("LOG_ROTATE_MAX_BACKUPS", 5),
			RotateLogMaxAge:     envInt("LOG_ROTATE_MAX_AGE", 28),
			RotateLogLocalTime:  envBool("LOG_ROTATE_LOCAL_TIME", true),
			RotateLogCompress:   envBool("LOG_ROTATE_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enable: envBool("METRICS_ENABLE", false),
			Addr:   env("METRICS_ADDR", "127.0.0.1:9469"),
		},
		Parallelism: int64(envInt("PARALLELISM", 8)),
	}

	if c.UnitsDir == "" {
		return nil, errors.New(envPrefix + "UNITS_DIR is required")
	}
	if c.RuntimeDir == "" {
		return nil, errors.New(envPrefix + "RUNTIME_DIR is required")
	}
	if !c.Log.Stdout && c.Log.Dir == "" {
		return nil, errors.New(envPrefix + "LOG_DIR is required when " + envPrefix + "LOG_STDOUT=false")
	}

	return c, nil
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
