/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func unsetAllSvinit() {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, envPrefix) {
			os.Unsetenv(key)
		}
	}
}

func clearEnv(t *testing.T) {
	unsetAllSvinit()
	t.Cleanup(unsetAllSvinit)
}

func TestLoadRequiresUnitsDir(t *testing.T) {
	clearEnv(t)
	os.Setenv("SVINIT_RUNTIME_DIR", "/run/svinit")

	_, err := Load()
	require.ErrorContains(t, err, "UNITS_DIR")
}

func TestLoadRequiresRuntimeDir(t *testing.T) {
	clearEnv(t)
	os.Setenv("SVINIT_UNITS_DIR", "/etc/svinit/units")

	_, err := Load()
	require.ErrorContains(t, err, "RUNTIME_DIR")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("SVINIT_UNITS_DIR", "/etc/svinit/units")
	os.Setenv("SVINIT_RUNTIME_DIR", "/run/svinit")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "info", c.Log.Level)
	require.True(t, c.Log.Stdout)
	require.Equal(t, int64(8), c.Parallelism)
	require.Equal(t, "127.0.0.1:9469", c.Metrics.Addr)
}

func TestLoadUnitsDirAndRuntimeDirAreIndependentKeys(t *testing.T) {
	clearEnv(t)
	os.Setenv("SVINIT_UNITS_DIR", "/etc/svinit/units")
	os.Setenv("SVINIT_RUNTIME_DIR", "/run/svinit-other")

	c, err := Load()
	require.NoError(t, err)
	require.NotEqual(t, c.UnitsDir, c.RuntimeDir)
}
