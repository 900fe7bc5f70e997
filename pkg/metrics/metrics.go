/*
 * Copyright (c) 2021. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package metrics exposes supervisor-wide gauges and counters on a
// dedicated Prometheus registry, scraped over HTTP via promhttp.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/svinit/svinit/pkg/unit"
)

// ServerOpt configures a Server via the functional-options pattern.
type ServerOpt func(*Server) error

// Server owns a private Prometheus registry (never the global default
// one, so pkg/metrics can be embedded without surprising whatever else
// links against client_golang) plus the gauges/counters it maintains
// by periodically scanning the Unit Table.
type Server struct {
	addr  string
	table *unit.Table

	registry *prometheus.Registry

	unitStatus   *prometheus.GaugeVec
	unitRestarts *prometheus.CounterVec
	socketsOpen  prometheus.Gauge
}

func WithAddr(addr string) ServerOpt {
	return func(s *Server) error {
		if addr == "" {
			return errors.New("metrics address is required")
		}
		s.addr = addr
		return nil
	}
}

func WithTable(table *unit.Table) ServerOpt {
	return func(s *Server) error {
		s.table = table
		return nil
	}
}

func NewServer(opts ...ServerOpt) (*Server, error) {
	var s Server
	for _, o := range opts {
		if err := o(&s); err != nil {
			return nil, err
		}
	}
	if s.table == nil {
		return nil, errors.New("unit table is required")
	}

	s.registry = prometheus.NewRegistry()

	s.unitStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "svinit",
		Name:      "unit_status",
		Help:      "Current status of a service unit, one gauge per (unit, status) with value 1 for the active status.",
	}, []string{"unit", "status"})

	s.unitRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "svinit",
		Name:      "unit_restarts_total",
		Help:      "Total restarts the reconciler has triggered for a service unit.",
	}, []string{"unit"})

	s.socketsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "svinit",
		Name:      "sockets_open",
		Help:      "Number of socket units currently listening.",
	})

	s.registry.MustRegister(s.unitStatus, s.unitRestarts, s.socketsOpen)

	return &s, nil
}

// Collect samples the Unit Table into the registered metrics. Called
// periodically by Run; exported so tests can call it directly.
func (s *Server) Collect() {
	s.unitStatus.Reset()

	var openSockets float64
	for _, u := range s.table.Snapshot() {
		switch u.Kind {
		case unit.KindService:
			if u.Service == nil {
				continue
			}
			s.unitStatus.WithLabelValues(u.Name, u.Service.State.Status.String()).Set(1)
			s.unitRestarts.WithLabelValues(u.Name).Add(0) // ensure the series exists even at zero
		case unit.KindSocket:
			if u.Socket != nil && u.Socket.State.Opened {
				openSockets++
			}
		}
	}
	s.socketsOpen.Set(openSockets)
}

// ObserveRestart increments the restart counter for unit name. Called
// by the reconciler at the moment it decides to restart a unit, since
// Collect's periodic scan cannot see a restart count's delta, only its
// current total.
func (s *Server) ObserveRestart(name string) {
	s.unitRestarts.WithLabelValues(name).Inc()
}

// Run starts the HTTP handler and the periodic collection loop. It
// blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return srv.Close()
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				log.L.Errorf("metrics server exited: %v", err)
				return err
			}
			return nil
		case <-ticker.C:
			s.Collect()
		}
	}
}
