/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package unitloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svinit/svinit/pkg/unit"
)

func writeUnit(t *testing.T, dir, name, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadResolvesNamedDependencies(t *testing.T) {
	dir := t.TempDir()

	writeUnit(t, dir, "web.socket.toml", `
network = "tcp"
address = "127.0.0.1:8080"
`)

	writeUnit(t, dir, "web.service.toml", `
restart = "on-failure"
activate_by = ["web"]

[exec]
path = "/usr/bin/web"
args = ["--port", "8080"]
`)

	writeUnit(t, dir, "multi-user.target.toml", `
[deps]
requires = ["web.service"]
`)

	table := unit.NewTable()
	require.NoError(t, Load(table, dir))

	web := table.GetByName("web.service")
	require.NotNil(t, web)
	require.Equal(t, "/usr/bin/web", web.Service.Spec.Path)
	require.Equal(t, unit.RestartOnFailure, web.Service.Spec.Restart)
	require.True(t, web.Deps.Requires.Has(table.GetByName("web.socket").ID))

	target := table.GetByName("multi-user.target")
	require.NotNil(t, target)
	require.True(t, target.Deps.Requires.Has(web.ID))
}

func TestLoadRejectsNameRepeatedAcrossOverrideDirectory(t *testing.T) {
	systemDir := t.TempDir()
	overrideDir := t.TempDir()

	writeUnit(t, systemDir, "a.target.toml", "")
	writeUnit(t, overrideDir, "a.target.toml", "")

	table := unit.NewTable()
	err := Load(table, systemDir, overrideDir)
	require.Error(t, err)
}

func TestLoadRejectsRepeatedActivateBySocket(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "web.socket.toml", `
network = "tcp"
address = "127.0.0.1:8080"
`)
	writeUnit(t, dir, "web.service.toml", `
activate_by = ["web", "web"]

[exec]
path = "/usr/bin/web"
`)

	table := unit.NewTable()
	err := Load(table, dir)
	require.ErrorContains(t, err, "more than once")
}

func TestLoadRejectsUnknownDependencyReference(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "lonely.target.toml", `
[deps]
requires = ["does-not-exist"]
`)

	table := unit.NewTable()
	err := Load(table, dir)
	require.Error(t, err)
}
