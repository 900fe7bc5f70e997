/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package unitloader reads *.service.toml, *.socket.toml and
// *.target.toml files from a directory and populates a Unit Table,
// resolving named dependency references into ids once every unit has
// been inserted.
package unitloader

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerd/log"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/svinit/svinit/pkg/slices"
	"github.com/svinit/svinit/pkg/unit"
)

// serviceFile mirrors the on-disk TOML shape of a *.service.toml file.
type serviceFile struct {
	Exec struct {
		Path    string            `toml:"path"`
		Args    []string          `toml:"args"`
		WorkDir string            `toml:"work_dir"`
		Env     map[string]string `toml:"env"`
	} `toml:"exec"`
	Restart    string   `toml:"restart"`
	Notify     bool     `toml:"notify"`
	ActivateBy []string `toml:"activate_by"`
	Deps       depFile  `toml:"deps"`
}

type socketFile struct {
	Network string  `toml:"network"`
	Address string  `toml:"address"`
	Deps    depFile `toml:"deps"`
}

type targetFile struct {
	Deps depFile `toml:"deps"`
}

type depFile struct {
	After    []string `toml:"after"`
	Before   []string `toml:"before"`
	Requires []string `toml:"requires"`
	Wants    []string `toml:"wants"`
}

// pendingDeps defers dependency-name resolution until every unit in
// the directory has been inserted, since a unit may declare After on a
// unit defined in a file that sorts later.
type pendingDeps struct {
	id   unit.ID
	deps depFile
}

// Load parses every unit file across dirs into table, in the order
// given, and then resolves named dependency references. dirs lets the
// caller layer a system unit directory with a user override directory
// the way systemd does; a unit name repeated across any of them is
// rejected rather than silently shadowed (spec.md §6).
func Load(table *unit.Table, dirs ...string) error {
	var names []string
	var pending []pendingDeps

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "read unit directory %s", dir)
		}

		// Socket files are loaded first so a service's activate_by can
		// name a socket whose file sorts after the service's own.
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.HasSuffix(entries[i].Name(), ".socket.toml") &&
				!strings.HasSuffix(entries[j].Name(), ".socket.toml")
		})

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			path := filepath.Join(dir, name)

			var (
				deps depFile
				id   unit.ID
			)

			switch {
			case strings.HasSuffix(name, ".service.toml"):
				id, deps, err = loadService(table, path, name)
			case strings.HasSuffix(name, ".socket.toml"):
				id, deps, err = loadSocket(table, path, name)
			case strings.HasSuffix(name, ".target.toml"):
				id, deps, err = loadTarget(table, path, name)
			default:
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "load unit file %s", path)
			}

			unitName := stripKnownSuffix(name)
			if slices.Contains(names, unitName) {
				return errors.Errorf("duplicate unit name %q", unitName)
			}
			names = append(names, unitName)
			pending = append(pending, pendingDeps{id: id, deps: deps})
		}
	}

	for _, p := range pending {
		u := table.Get(p.id)
		if u == nil {
			continue
		}
		if err := resolveDeps(table, u, p.deps); err != nil {
			return errors.Wrapf(err, "resolve dependencies for %s", u.Name)
		}
	}

	return nil
}

func stripKnownSuffix(name string) string {
	for _, suffix := range []string{".service.toml", ".socket.toml", ".target.toml"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, ".toml")
		}
	}
	return name
}

func loadService(table *unit.Table, path, fileName string) (unit.ID, depFile, error) {
	var sf serviceFile
	if err := decodeFile(path, &sf); err != nil {
		return 0, depFile{}, err
	}

	restart, ok := unit.ParseRestartPolicy(sf.Restart)
	if !ok {
		return 0, depFile{}, errors.Errorf("invalid restart policy %q", sf.Restart)
	}

	name := strings.TrimSuffix(fileName, ".toml")
	u := table.Insert(name, unit.KindService)
	u.Service = &unit.ServicePayload{
		Spec: unit.ServiceSpec{
			Path:    sf.Exec.Path,
			Args:    sf.Exec.Args,
			WorkDir: sf.Exec.WorkDir,
			Env:     sf.Exec.Env,
			Restart: restart,
			Notify:  sf.Notify,
		},
	}

	if dup, ok := slices.FindDuplicate(sf.ActivateBy); ok {
		return 0, depFile{}, errors.Errorf("activate_by lists socket %q more than once", dup)
	}

	for _, sockName := range sf.ActivateBy {
		sock := table.GetByName(sockName + ".socket")
		if sock == nil {
			return 0, depFile{}, errors.Errorf("activate_by references unknown socket %q", sockName)
		}
		u.Service.Spec.ActivateBy = append(u.Service.Spec.ActivateBy, sock.ID)
		u.Deps.Requires.Add(sock.ID)
	}

	return u.ID, sf.Deps, nil
}

func loadSocket(table *unit.Table, path, fileName string) (unit.ID, depFile, error) {
	var sock socketFile
	if err := decodeFile(path, &sock); err != nil {
		return 0, depFile{}, err
	}

	name := strings.TrimSuffix(fileName, ".toml")
	u := table.Insert(name, unit.KindSocket)
	u.Socket = &unit.SocketPayload{
		Spec: unit.SocketSpec{Network: sock.Network, Address: sock.Address},
	}

	return u.ID, sock.Deps, nil
}

func loadTarget(table *unit.Table, path, fileName string) (unit.ID, depFile, error) {
	var tf targetFile
	if err := decodeFile(path, &tf); err != nil {
		return 0, depFile{}, err
	}

	name := strings.TrimSuffix(fileName, ".toml")
	table.Insert(name, unit.KindTarget)
	u := table.GetByName(name)

	return u.ID, tf.Deps, nil
}

func decodeFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "parse toml")
	}
	return nil
}

func resolveDeps(table *unit.Table, u *unit.Unit, deps depFile) error {
	add := func(set unit.IDSet, names []string) error {
		for _, name := range names {
			ref := table.GetByName(name)
			if ref == nil {
				return errors.Errorf("unit %s references unknown unit %q", u.Name, name)
			}
			set.Add(ref.ID)
		}
		return nil
	}

	if err := add(u.Deps.After, deps.After); err != nil {
		return err
	}
	if err := add(u.Deps.Before, deps.Before); err != nil {
		return err
	}
	if err := add(u.Deps.Requires, deps.Requires); err != nil {
		return err
	}
	if err := add(u.Deps.Wants, deps.Wants); err != nil {
		return err
	}

	log.L.Debugf("unit %s: after=%d before=%d requires=%d wants=%d",
		u.Name, len(u.Deps.After), len(u.Deps.Before), len(u.Deps.Requires), len(u.Deps.Wants))
	return nil
}
