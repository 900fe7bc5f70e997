/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package reconciler owns the supervisor's signal loop: it reaps every
// exited child on SIGCHLD, looks the pid up in the PID table, applies
// the unit's restart policy, and propagates SIGTERM/SIGKILL to every
// live child on shutdown.
package reconciler

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/svinit/svinit/pkg/scheduler"
	"github.com/svinit/svinit/pkg/unit"
)

// ShutdownGrace is how long a reconciler waits after SIGTERM before
// escalating to SIGKILL for stragglers.
const ShutdownGrace = 10 * time.Second

type Reconciler struct {
	table *unit.Table
	pids  *unit.PidTable
	sched *scheduler.Scheduler

	sigCh chan os.Signal

	// onRestart, if set, is called with the unit name every time the
	// reconciler decides to restart it. Wired to pkg/metrics by the
	// top-level orchestrator; nil in tests that don't care.
	onRestart func(name string)

	mu       sync.Mutex
	shutdown bool
}

func New(table *unit.Table, pids *unit.PidTable, sched *scheduler.Scheduler) *Reconciler {
	return &Reconciler{
		table: table,
		pids:  pids,
		sched: sched,
		sigCh: make(chan os.Signal, 16),
	}
}

// OnRestart registers a callback invoked whenever a unit is restarted.
func (r *Reconciler) OnRestart(fn func(name string)) {
	r.onRestart = fn
}

// Run installs signal handlers and blocks until ctx is cancelled or a
// terminal signal (SIGTERM/SIGINT/SIGQUIT) triggers a graceful shutdown.
func (r *Reconciler) Run(ctx context.Context) {
	signal.Notify(r.sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(r.sigCh)

	for {
		select {
		case <-ctx.Done():
			r.shutdownAll()
			return
		case sig := <-r.sigCh:
			switch sig {
			case syscall.SIGCHLD:
				r.reap(ctx)
			case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
				r.shutdownAll()
				return
			}
		}
	}
}

// reap drains every exited child with WNOHANG, since SIGCHLD delivery
// can coalesce multiple deaths into a single signal.
func (r *Reconciler) reap(ctx context.Context) {
	for {
		var wstatus syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}

		id, ok := r.pids.Lookup(pid)
		if !ok {
			log.L.Warnf("reaped unknown pid %d", pid)
			continue
		}
		r.pids.Remove(pid)
		r.handleDeath(ctx, id, wstatus)
	}
}

func (r *Reconciler) handleDeath(ctx context.Context, id unit.ID, wstatus syscall.WaitStatus) {
	u := r.table.Get(id)
	if u == nil || u.Service == nil {
		return
	}

	failed := wstatus.Signaled() || (wstatus.Exited() && wstatus.ExitStatus() != 0)

	from := u.Service.State.Status
	if failed {
		u.Service.State.Status = unit.StatusFailed
	} else {
		u.Service.State.Status = unit.StatusStopped
	}
	unit.LogStatusChange(u, from, u.Service.State.Status)
	u.Service.State.Pid = 0

	r.mu.Lock()
	shuttingDown := r.shutdown
	r.mu.Unlock()
	if shuttingDown {
		return
	}

	restart := u.Service.Spec.Restart
	shouldRestart := restart == unit.RestartAlways || (restart == unit.RestartOnFailure && failed)
	if !shouldRestart {
		return
	}

	if r.onRestart != nil {
		r.onRestart(u.Name)
	}

	go func() {
		if err := r.sched.RestartOne(ctx, id); err != nil {
			log.L.Errorf("restart %s failed: %v", u.Name, err)
		}
	}()
}

// shutdownAll sends SIGTERM to every live child, waits up to
// ShutdownGrace for them to exit, then escalates to SIGKILL.
func (r *Reconciler) shutdownAll() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	r.mu.Unlock()

	log.L.Infof("reconciler: initiating shutdown")

	live := func() []*unit.Unit {
		var out []*unit.Unit
		for _, u := range r.table.Snapshot() {
			if u.Kind == unit.KindService && u.Service != nil && u.Service.State.Pid > 0 {
				out = append(out, u)
			}
		}
		return out
	}

	for _, u := range live() {
		signalPid(u.Service.State.Pid, syscall.SIGTERM)
	}

	deadline := time.After(ShutdownGrace)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			for _, u := range live() {
				signalPid(u.Service.State.Pid, syscall.SIGKILL)
			}
			r.reapAllNonBlocking()
			return
		case <-ticker.C:
			r.reapAllNonBlocking()
			if len(live()) == 0 {
				log.L.Infof("reconciler: all units terminated")
				return
			}
		}
	}
}

func (r *Reconciler) reapAllNonBlocking() {
	for {
		var wstatus syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		if id, ok := r.pids.Lookup(pid); ok {
			r.pids.Remove(pid)
			if u := r.table.Get(id); u != nil && u.Service != nil {
				u.Service.State.Status = unit.StatusStopped
				u.Service.State.Pid = 0
			}
		}
	}
}

func signalPid(pid int, sig syscall.Signal) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := p.Signal(sig); err != nil {
		log.L.Warnf("signal pid %d with %v: %v", pid, sig, err)
	}
}
