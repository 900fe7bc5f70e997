/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svinit/svinit/pkg/depgraph"
	"github.com/svinit/svinit/pkg/socketmgr"
	"github.com/svinit/svinit/pkg/unit"
)

func newFixture(t *testing.T) (*unit.Table, *Scheduler) {
	table := unit.NewTable()
	pids := unit.NewPidTable()
	resolver := depgraph.New(table)
	sockets := socketmgr.New(table)
	sched := New(table, pids, resolver, sockets, nil, t.TempDir(), 2)
	return table, sched
}

func TestRunStartsServicesChainedByAfter(t *testing.T) {
	table, sched := newFixture(t)

	a := table.Insert("a.service", unit.KindService)
	a.Service = &unit.ServicePayload{Spec: unit.ServiceSpec{Path: "/bin/true"}}

	b := table.Insert("b.service", unit.KindService)
	b.Service = &unit.ServicePayload{Spec: unit.ServiceSpec{Path: "/bin/true"}}
	b.Deps.After.Add(a.ID)

	sched.resolver.Normalize()
	require.NoError(t, sched.resolver.DetectCycle())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))

	require.Equal(t, unit.StatusRunning, a.Service.State.Status)
	require.Equal(t, unit.StatusRunning, b.Service.State.Status)
	require.NotZero(t, a.Service.State.Pid)
	require.NotZero(t, b.Service.State.Pid)
}

func TestRunFailsOnUnsatisfiableDependency(t *testing.T) {
	table, sched := newFixture(t)

	a := table.Insert("a.service", unit.KindService)
	a.Service = &unit.ServicePayload{Spec: unit.ServiceSpec{Path: "/bin/true"}}
	b := table.Insert("b.service", unit.KindService)
	b.Service = &unit.ServicePayload{Spec: unit.ServiceSpec{Path: "/bin/true"}}

	// Manufacture an impossible dependency: a depends on an id that
	// will never be in the pending/completed universe.
	a.Deps.After.Add(unit.ID(9999))
	_ = b

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sched.Run(ctx)
	require.Error(t, err)
}

func TestTargetCompletesWithoutSpawning(t *testing.T) {
	table, sched := newFixture(t)
	target := table.Insert("multi-user.target", unit.KindTarget)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sched.Run(ctx))
	_ = target
}
