/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package depgraph computes, given a Unit Table and the set of unit ids
// that have already completed startup, the subset of pending units
// that are ready to start, and detects dependency cycles at load time.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/svinit/svinit/pkg/errdefs"
	"github.com/svinit/svinit/pkg/unit"
)

// Resolver answers "what's ready to start next" against a fixed Unit
// Table. It holds no mutable state of its own — pending/completed are
// supplied by the caller (the startup scheduler) on every call.
type Resolver struct {
	table *unit.Table
}

func New(table *unit.Table) *Resolver {
	return &Resolver{table: table}
}

// Normalize folds every unit's Before set into the named successor's
// After set, so the rest of the resolver only ever has to look at
// After (invariant 2 in the data model: after/before are mirrors of
// each other, normalized to a single direction for scheduling).
func (r *Resolver) Normalize() {
	snapshot := r.table.Snapshot()
	for _, a := range snapshot {
		for _, bID := range a.Deps.Before.Slice() {
			if b := r.table.Get(bID); b != nil {
				b.Deps.After.Add(a.ID)
			}
		}
	}
}

// DetectCycle walks the After relation looking for a cycle. It must be
// called once, at load time, after Normalize; the scheduler assumes
// acyclicity and never re-checks at runtime (spec.md §4.3).
func (r *Resolver) DetectCycle() error {
	const (
		white = iota
		gray
		black
	)

	snapshot := r.table.Snapshot()
	color := make(map[unit.ID]int, len(snapshot))
	for _, u := range snapshot {
		color[u.ID] = white
	}

	var visit func(id unit.ID) error
	visit = func(id unit.ID) error {
		color[id] = gray

		u := r.table.Get(id)
		if u != nil {
			for _, dep := range u.Deps.After.Slice() {
				switch color[dep] {
				case white:
					if err := visit(dep); err != nil {
						return err
					}
				case gray:
					a := r.table.Get(id)
					b := r.table.Get(dep)
					return cycleError(a, b)
				}
			}
		}

		color[id] = black
		return nil
	}

	for _, u := range snapshot {
		if color[u.ID] == white {
			if err := visit(u.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func cycleError(a, b *unit.Unit) error {
	aName, bName := "?", "?"
	if a != nil {
		aName = a.Name
	}
	if b != nil {
		bName = b.Name
	}
	return fmt.Errorf("%w: %s and %s", errdefs.ErrCycle, aName, bName)
}

// Ready returns the subset of pending ids whose After set is fully
// contained in completed and whose Requires predecessors have reached
// the state appropriate to their kind (Running for a Service, Opened
// for a Socket). Results are sorted ascending by id so that repeated
// runs over the same input are deterministic (spec.md §4.3 tie-break
// rule); the caller may start all of them concurrently.
func (r *Resolver) Ready(pending, completed unit.IDSet) []unit.ID {
	var ready []unit.ID

	for _, id := range pending.Slice() {
		u := r.table.Get(id)
		if u == nil {
			continue
		}

		if !subset(u.Deps.After, completed) {
			continue
		}

		if !r.requiresSatisfied(u) {
			continue
		}

		ready = append(ready, id)
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready
}

func (r *Resolver) requiresSatisfied(u *unit.Unit) bool {
	for _, reqID := range u.Deps.Requires.Slice() {
		req := r.table.Get(reqID)
		if req == nil {
			return false
		}

		switch req.Kind {
		case unit.KindService:
			if req.Service == nil || req.Service.State.Status != unit.StatusRunning {
				return false
			}
		case unit.KindSocket:
			if req.Socket == nil || !req.Socket.State.Opened {
				return false
			}
		case unit.KindTarget:
			// Targets complete as soon as every unit they require has.
		}
	}
	return true
}

func subset(a, b unit.IDSet) bool {
	for id := range a {
		if !b.Has(id) {
			return false
		}
	}
	return true
}
