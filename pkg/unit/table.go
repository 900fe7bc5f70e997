/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package unit

import (
	"sync"
	"sync/atomic"

	"github.com/containerd/log"

	"github.com/svinit/svinit/pkg/errdefs"
)

// IDGenerator hands out unique, monotonically increasing unit ids.
// A process has exactly one, created alongside its Unit Table.
type IDGenerator struct {
	next uint64
}

func (g *IDGenerator) Next() ID {
	return ID(atomic.AddUint64(&g.next, 1))
}

// Table is the process-wide registry of units, keyed by ID. It is the
// sole writer of Status/Pid/stdio-descriptor fields (invariant 6): all
// mutation goes through WithUnit/Get, both of which hold the table's
// exclusive-access token for the duration of the callback.
//
// Holders must not perform a blocking syscall while inside a callback,
// with the single exception of the per-fd read the I/O multiplexer
// issues immediately after a readiness notification (see pkg/iomux).
type Table struct {
	mu    sync.Mutex
	units map[ID]*Unit
	gen   IDGenerator
}

func NewTable() *Table {
	return &Table{units: make(map[ID]*Unit)}
}

// Insert adds a newly loaded unit, assigning it the next id. Only
// valid during the load phase, before any subsystem has started.
func (t *Table) Insert(name string, kind Kind) *Unit {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := &Unit{
		ID:   t.gen.Next(),
		Name: name,
		Kind: kind,
		Deps: NewDependencies(),
	}
	t.units[u.ID] = u
	return u
}

// Get returns the unit for id, or nil if it does not exist.
func (t *Table) Get(id ID) *Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.units[id]
}

// GetByName finds a unit by its human-readable name. Load-time only;
// O(n) is acceptable since it is never called from a hot loop.
func (t *Table) GetByName(name string) *Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.units {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// WithUnit runs fn while holding the table's token, locating the unit
// first. Returns errdefs.ErrNotFound if id is unknown.
func (t *Table) WithUnit(id ID, fn func(u *Unit)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.units[id]
	if !ok {
		return errdefs.ErrNotFound
	}
	fn(u)
	return nil
}

// Iter calls fn once per unit while holding the token. fn must not
// call back into the Table.
func (t *Table) Iter(fn func(u *Unit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range t.units {
		fn(u)
	}
}

// Snapshot returns a shallow copy of all units, safe to range over
// without holding the token. Used by loops (startup scheduler,
// reconciler, metrics) that need to scan-then-release rather than hold the lock
// across their own blocking work.
func (t *Table) Snapshot() []*Unit {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Unit, 0, len(t.units))
	for _, u := range t.units {
		out = append(out, u)
	}
	return out
}

// PidTable maps a live child pid to the service unit id that owns it.
// Guarded by its own token, deliberately never locked together with
// Table (design note in spec.md §9: avoids lock-ordering hazards
// between the scheduler, which inserts, and the reconciler, which
// looks up on SIGCHLD).
type PidTable struct {
	mu  sync.Mutex
	byP map[int]ID
}

func NewPidTable() *PidTable {
	return &PidTable{byP: make(map[int]ID)}
}

func (p *PidTable) Put(pid int, id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byP[pid] = id
}

func (p *PidTable) Lookup(pid int) (ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byP[pid]
	return id, ok
}

func (p *PidTable) Remove(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byP, pid)
}

// LogStatusChange is a small logging helper shared by the scheduler and
// the reconciler, following the teacher's habit of a one-line
// Infof/Warnf at every state transition.
func LogStatusChange(u *Unit, from, to Status) {
	log.L.Infof("unit %s (id=%d) %s -> %s", u.Name, u.ID, from, to)
}
