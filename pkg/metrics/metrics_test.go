/*
 * Copyright (c) 2021. Ant Group. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/svinit/svinit/pkg/unit"
)

func TestNewServerRequiresTable(t *testing.T) {
	_, err := NewServer(WithAddr(":0"))
	require.Error(t, err)
}

func TestCollectReportsUnitStatusAndOpenSockets(t *testing.T) {
	table := unit.NewTable()
	svc := table.Insert("web.service", unit.KindService)
	svc.Service = &unit.ServicePayload{}
	svc.Service.State.Status = unit.StatusRunning

	sock := table.Insert("web.socket", unit.KindSocket)
	sock.Socket = &unit.SocketPayload{}
	sock.Socket.State.Opened = true

	s, err := NewServer(WithAddr(":0"), WithTable(table))
	require.NoError(t, err)

	s.Collect()

	require.Equal(t, float64(1), testutil.ToFloat64(s.unitStatus.WithLabelValues("web.service", "running")))
	require.Equal(t, float64(1), testutil.ToFloat64(s.socketsOpen))
}

func TestObserveRestartIncrementsCounter(t *testing.T) {
	table := unit.NewTable()
	s, err := NewServer(WithAddr(":0"), WithTable(table))
	require.NoError(t, err)

	s.ObserveRestart("flaky.service")
	s.ObserveRestart("flaky.service")

	require.Equal(t, float64(2), testutil.ToFloat64(s.unitRestarts.WithLabelValues("flaky.service")))
}
