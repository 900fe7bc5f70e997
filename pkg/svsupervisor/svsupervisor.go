/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package svsupervisor wires the Unit Table, Dependency Resolver,
// Socket Manager, Startup Scheduler, I/O Multiplexer and Signal
// Reconciler together into one process lifecycle, the way the
// teacher's cmd/containerd-nydus-grpc/app/snapshotter package wires
// its own manager/filesystem/metrics components.
package svsupervisor

import (
	"context"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/svinit/svinit/internal/config"
	"github.com/svinit/svinit/pkg/depgraph"
	"github.com/svinit/svinit/pkg/iomux"
	"github.com/svinit/svinit/pkg/metrics"
	"github.com/svinit/svinit/pkg/reconciler"
	"github.com/svinit/svinit/pkg/scheduler"
	"github.com/svinit/svinit/pkg/socketmgr"
	"github.com/svinit/svinit/pkg/unit"
	"github.com/svinit/svinit/pkg/unitloader"
)

// Supervisor is the assembled, ready-to-run process tree supervisor.
type Supervisor struct {
	cfg *config.Config

	table    *unit.Table
	pids     *unit.PidTable
	resolver *depgraph.Resolver
	sockets  *socketmgr.Manager
	sched    *scheduler.Scheduler
	mux      *iomux.Multiplexer
	recon    *reconciler.Reconciler
	metrics  *metrics.Server
}

// New loads the unit graph from cfg.UnitsDir (and OverrideUnitsDir, if
// set), validates it, binds every socket, and returns a Supervisor
// ready to Run. A dependency cycle or an unsatisfiable Requires at
// this stage aborts startup entirely (spec.md §4.3).
func New(cfg *config.Config) (*Supervisor, error) {
	table := unit.NewTable()

	dirs := []string{cfg.UnitsDir}
	if cfg.OverrideUnitsDir != "" {
		dirs = append(dirs, cfg.OverrideUnitsDir)
	}
	if err := unitloader.Load(table, dirs...); err != nil {
		return nil, errors.Wrap(err, "load unit files")
	}

	resolver := depgraph.New(table)
	resolver.Normalize()
	if err := resolver.DetectCycle(); err != nil {
		return nil, err
	}

	sockets := socketmgr.New(table)
	if err := sockets.OpenAll(); err != nil {
		return nil, err
	}

	mux, err := iomux.New(table)
	if err != nil {
		sockets.CloseAll()
		return nil, err
	}

	pids := unit.NewPidTable()
	sched := scheduler.New(table, pids, resolver, sockets, mux, cfg.RuntimeDir, cfg.Parallelism)

	recon := reconciler.New(table, pids, sched)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enable {
		metricsServer, err = metrics.NewServer(metrics.WithAddr(cfg.Metrics.Addr), metrics.WithTable(table))
		if err != nil {
			mux.Close()
			sockets.CloseAll()
			return nil, err
		}
		recon.OnRestart(metricsServer.ObserveRestart)
	}

	return &Supervisor{
		cfg:      cfg,
		table:    table,
		pids:     pids,
		resolver: resolver,
		sockets:  sockets,
		sched:    sched,
		mux:      mux,
		recon:    recon,
		metrics:  metricsServer,
	}, nil
}

// Run starts every unit and blocks until ctx is cancelled or a terminal
// signal arrives. Each unit's stdout/stderr/notify descriptors are
// registered with the I/O multiplexer by the scheduler itself, the
// moment it spawns the unit — whether during the initial startup batch
// or from a later reconciler-triggered restart.
func (s *Supervisor) Run(ctx context.Context) error {
	muxStop := make(chan struct{})
	go s.mux.Run(muxStop)
	defer close(muxStop)
	defer s.mux.Close()
	defer s.sockets.CloseAll()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		s.recon.Run(egCtx)
		// recon.Run only returns once shutdown (SIGTERM/SIGINT/SIGQUIT or ctx
		// cancellation) has run to completion; tear down the rest of
		// the supervisor's goroutines now that it has.
		cancel()
		return nil
	})

	if s.metrics != nil {
		eg.Go(func() error {
			return s.metrics.Run(egCtx)
		})
	}

	eg.Go(func() error {
		if err := s.sched.Run(egCtx); err != nil {
			return err
		}
		log.L.Infof("svsupervisor: initial startup complete")
		<-egCtx.Done()
		return nil
	})

	return eg.Wait()
}
