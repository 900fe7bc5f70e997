/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package socketmgr opens and owns the listening descriptors declared
// by Socket units, and produces the duplicated, close-on-exec-cleared
// descriptors handed to activated services via the LISTEN_FDS
// contract.
package socketmgr

import (
	"net"
	"os"
	"syscall"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/svinit/svinit/pkg/errdefs"
	"github.com/svinit/svinit/pkg/unit"
)

// Manager binds every Socket unit's listening endpoint at load time and
// keeps the resulting descriptor alive for the supervisor's lifetime
// (invariant 5: a listening descriptor outlives every service that
// uses it, until shutdown).
type Manager struct {
	table *unit.Table
}

func New(table *unit.Table) *Manager {
	return &Manager{table: table}
}

// OpenAll binds every Socket unit in the table. A bind failure is
// fatal at load time (spec.md §4.2); the caller should abort startup
// on the first error.
func (m *Manager) OpenAll() error {
	var openErr error
	m.table.Iter(func(u *unit.Unit) {
		if openErr != nil || u.Kind != unit.KindSocket {
			return
		}
		if err := m.open(u); err != nil {
			openErr = errors.Wrapf(err, "bind socket unit %s", u.Name)
		}
	})
	return openErr
}

func (m *Manager) open(u *unit.Unit) error {
	spec := u.Socket.Spec

	var (
		l   net.Listener
		err error
	)
	switch spec.Network {
	case "unix":
		l, err = net.Listen("unix", spec.Address)
	case "tcp":
		l, err = net.Listen("tcp", spec.Address)
	default:
		return errors.Errorf("unsupported socket network %q", spec.Network)
	}
	if err != nil {
		return err
	}

	f, err := fileOf(l)
	if err != nil {
		l.Close()
		return err
	}
	// The net.Listener's own fd is no longer needed: File() duplicated
	// an independent descriptor that outlives it.
	l.Close()

	// f's finalizer would close its descriptor once f is collected, so
	// the supervisor keeps a raw duplicate of its own instead.
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return errors.Wrap(err, "dup listening descriptor")
	}
	if err := unix.CloseOnExec(fd); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "set close-on-exec on supervisor's copy")
	}

	inode, err := fdInode(fd)
	if err != nil {
		log.L.Warnf("socket %s: could not stat fd %d: %v", u.Name, fd, err)
	}

	u.Socket.State.FD = fd
	u.Socket.State.Opened = true
	u.Socket.State.Inode = inode

	log.L.Infof("socket %s opened on %s:%s (fd=%d)", u.Name, spec.Network, spec.Address, fd)
	return nil
}

func fileOf(l net.Listener) (*os.File, error) {
	switch t := l.(type) {
	case *net.UnixListener:
		return t.File()
	case *net.TCPListener:
		return t.File()
	default:
		return nil, errors.Errorf("unsupported listener type %T", l)
	}
}

func fdInode(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// Activate duplicates the listening descriptor for unit id, clearing
// close-on-exec on the duplicate only (the supervisor's own copy keeps
// it set, per the design note in spec.md §9). The returned file is
// meant to be appended to an exec.Cmd's ExtraFiles.
func (m *Manager) Activate(id unit.ID) (*os.File, error) {
	u := m.table.Get(id)
	if u == nil || u.Kind != unit.KindSocket || !u.Socket.State.Opened {
		return nil, errdefs.ErrNotFound
	}

	dup, err := unix.Dup(u.Socket.State.FD)
	if err != nil {
		return nil, errors.Wrap(err, "dup listening descriptor")
	}

	if _, err := unix.FcntlInt(uintptr(dup), syscall.F_SETFD, 0); err != nil {
		unix.Close(dup)
		return nil, errors.Wrap(err, "clear close-on-exec on child copy")
	}

	return os.NewFile(uintptr(dup), u.Name), nil
}

// CloseAll releases every bound socket. Called once, during shutdown.
func (m *Manager) CloseAll() {
	m.table.Iter(func(u *unit.Unit) {
		if u.Kind != unit.KindSocket || !u.Socket.State.Opened {
			return
		}
		if err := unix.Close(u.Socket.State.FD); err != nil {
			log.L.Warnf("close socket %s: %v", u.Name, err)
		}
		u.Socket.State.Opened = false
	})
}
