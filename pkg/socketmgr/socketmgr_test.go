/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package socketmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/svinit/svinit/pkg/unit"
)

func newSocketUnit(t *testing.T, table *unit.Table, network, address string) *unit.Unit {
	u := table.Insert("test.socket", unit.KindSocket)
	u.Socket = &unit.SocketPayload{Spec: unit.SocketSpec{Network: network, Address: address}}
	return u
}

func TestOpenAllBindsUnixSocket(t *testing.T) {
	dir := t.TempDir()
	table := unit.NewTable()
	u := newSocketUnit(t, table, "unix", filepath.Join(dir, "test.sock"))

	m := New(table)
	require.NoError(t, m.OpenAll())
	defer m.CloseAll()

	require.True(t, u.Socket.State.Opened)
	require.NotZero(t, u.Socket.State.FD)
	require.NotZero(t, u.Socket.State.Inode)
}

func TestActivateClearsCloseOnExecOnDuplicateOnly(t *testing.T) {
	dir := t.TempDir()
	table := unit.NewTable()
	u := newSocketUnit(t, table, "unix", filepath.Join(dir, "test.sock"))

	m := New(table)
	require.NoError(t, m.OpenAll())
	defer m.CloseAll()

	f, err := m.Activate(u.ID)
	require.NoError(t, err)
	defer f.Close()

	require.NotEqual(t, u.Socket.State.FD, int(f.Fd()), "activation must hand out a fresh descriptor")

	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
	require.NoError(t, err)
	require.Zero(t, flags&unix.FD_CLOEXEC, "child copy must not carry close-on-exec")

	// The supervisor's own copy keeps it set (invariant: the listening
	// descriptor survives exec of unrelated children).
	supFlags, err := unix.FcntlInt(uintptr(u.Socket.State.FD), unix.F_GETFD, 0)
	require.NoError(t, err)
	require.NotZero(t, supFlags&unix.FD_CLOEXEC)
}

func TestActivateUnknownUnit(t *testing.T) {
	table := unit.NewTable()
	m := New(table)
	_, err := m.Activate(unit.ID(999))
	require.Error(t, err)
}

func TestCloseAllReleasesDescriptor(t *testing.T) {
	dir := t.TempDir()
	table := unit.NewTable()
	u := newSocketUnit(t, table, "unix", filepath.Join(dir, "test.sock"))

	m := New(table)
	require.NoError(t, m.OpenAll())
	m.CloseAll()

	require.False(t, u.Socket.State.Opened)
}
