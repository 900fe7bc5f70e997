/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package reconciler

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svinit/svinit/pkg/depgraph"
	"github.com/svinit/svinit/pkg/scheduler"
	"github.com/svinit/svinit/pkg/socketmgr"
	"github.com/svinit/svinit/pkg/unit"
)

func TestReapPromotesFailedOnNonZeroExit(t *testing.T) {
	table := unit.NewTable()
	pids := unit.NewPidTable()
	resolver := depgraph.New(table)
	sockets := socketmgr.New(table)
	sched := scheduler.New(table, pids, resolver, sockets, nil, t.TempDir(), 2)
	r := New(table, pids, sched)

	u := table.Insert("fails.service", unit.KindService)
	u.Service = &unit.ServicePayload{Spec: unit.ServiceSpec{Restart: unit.RestartNever}}
	u.Service.State.Status = unit.StatusRunning

	cmd := exec.Command("/bin/false")
	require.NoError(t, cmd.Start())
	pids.Put(cmd.Process.Pid, u.ID)
	u.Service.State.Pid = cmd.Process.Pid

	// Give the child a moment to actually exit before reaping; reap
	// itself never blocks (WNOHANG), so nothing here waits on the kernel.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.reap(ctx)

	require.Equal(t, unit.StatusFailed, u.Service.State.Status)
}

func TestReapRestartsAlwaysPolicy(t *testing.T) {
	table := unit.NewTable()
	pids := unit.NewPidTable()
	resolver := depgraph.New(table)
	sockets := socketmgr.New(table)
	sched := scheduler.New(table, pids, resolver, sockets, nil, t.TempDir(), 2)
	r := New(table, pids, sched)

	u := table.Insert("always.service", unit.KindService)
	u.Service = &unit.ServicePayload{Spec: unit.ServiceSpec{Path: "/bin/true", Restart: unit.RestartAlways}}
	u.Service.State.Status = unit.StatusRunning

	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	pids.Put(cmd.Process.Pid, u.ID)
	u.Service.State.Pid = cmd.Process.Pid

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.reap(ctx)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, u.Service.State.Restarts)
}
