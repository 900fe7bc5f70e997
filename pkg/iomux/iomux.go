/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package iomux multiplexes the stdout, stderr and NOTIFY_SOCKET
// descriptors of every running service through one epoll instance,
// fed by a dedicated wake descriptor so the startup scheduler can
// register a newly spawned unit without the multiplexer's EpollWait
// ever needing to restart.
package iomux

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/svinit/svinit/pkg/notifyproto"
	"github.com/svinit/svinit/pkg/unit"
)

// MaxLineBytes bounds how long a single forwarded line may grow before
// the multiplexer flushes it early with a truncation marker, rather
// than buffering an unterminated line forever (resolves the "what if a
// line exceeds the read buffer" open question from spec.md §9).
const MaxLineBytes = 64 * 1024

const readChunk = 4096

type streamKind int

const (
	streamStdout streamKind = iota
	streamStderr
	streamNotify
)

type registration struct {
	unitID unit.ID
	kind   streamKind
	f      *os.File
}

// Multiplexer owns one epoll instance for the whole process. Events on
// registered descriptors are read and dispatched synchronously from
// the single Run goroutine.
type Multiplexer struct {
	table *unit.Table

	epollFd int
	wakeFd  int

	mu  sync.Mutex
	fds map[int]*registration
}

func New(table *unit.Table) (*Multiplexer, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "create epoll instance")
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFd)
		return nil, errors.Wrap(err, "create wake eventfd")
	}

	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Fd:     int32(wakeFd),
		Events: unix.EPOLLIN,
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epollFd)
		return nil, errors.Wrap(err, "register wake eventfd")
	}

	return &Multiplexer{
		table:   table,
		epollFd: epollFd,
		wakeFd:  wakeFd,
		fds:     make(map[int]*registration),
	}, nil
}

// RegisterStdout, RegisterStderr and RegisterNotify add a newly forked
// unit's descriptor to the interest list and wake the Run loop so it
// picks the addition up immediately instead of waiting for the next
// unrelated event.
func (m *Multiplexer) RegisterStdout(id unit.ID, f *os.File) error {
	return m.register(id, streamStdout, f)
}

func (m *Multiplexer) RegisterStderr(id unit.ID, f *os.File) error {
	return m.register(id, streamStderr, f)
}

func (m *Multiplexer) RegisterNotify(id unit.ID, f *os.File) error {
	return m.register(id, streamNotify, f)
}

func (m *Multiplexer) register(id unit.ID, kind streamKind, f *os.File) error {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrap(err, "set nonblocking")
	}

	if err := unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR,
	}); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}

	m.mu.Lock()
	m.fds[fd] = &registration{unitID: id, kind: kind, f: f}
	m.mu.Unlock()

	m.wake()
	return nil
}

func (m *Multiplexer) wake() {
	var one [8]byte
	one[0] = 1
	unix.Write(m.wakeFd, one[:])
}

func (m *Multiplexer) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

func (m *Multiplexer) unregister(fd int) {
	m.mu.Lock()
	reg, ok := m.fds[fd]
	if ok {
		delete(m.fds, fd)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	unix.EpollCtl(m.epollFd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
	reg.f.Close()
}

// Run drains epoll events until stop is closed (checked between
// waits) or epoll_wait fails. It is meant to be run in its own
// goroutine for the life of the supervisor.
func (m *Multiplexer) Run(stop <-chan struct{}) {
	var events [64]unix.EpollEvent
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := unix.EpollWait(m.epollFd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.L.Errorf("iomux: epoll_wait failed: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == m.wakeFd {
				m.drainWake()
				continue
			}

			m.mu.Lock()
			reg, ok := m.fds[fd]
			m.mu.Unlock()
			if !ok {
				continue
			}

			m.handleEvent(fd, reg, ev.Events)
		}
	}
}

func (m *Multiplexer) handleEvent(fd int, reg *registration, events uint32) {
	switch reg.kind {
	case streamStdout, streamStderr:
		m.forwardLines(fd, reg)
	case streamNotify:
		m.readNotify(fd, reg)
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		m.unregister(fd)
	}
}

// forwardLines reads available bytes from a child's stdout/stderr pipe
// and writes prefixed lines to the supervisor's own stdout/stderr. The
// prefix is built in its own buffer, entirely separate from the read
// buffer, so a line right at the buffer boundary can never clobber the
// prefix bytes the way the original implementation did.
func (m *Multiplexer) forwardLines(fd int, reg *registration) {
	u := m.table.Get(reg.unitID)
	if u == nil || u.Service == nil {
		return
	}

	readBuf := make([]byte, readChunk)
	n, err := unix.Read(fd, readBuf)
	if err != nil || n == 0 {
		return
	}

	var (
		out    *os.File
		prefix string
		buffer *string
	)
	if reg.kind == streamStdout {
		out = os.Stdout
		prefix = fmt.Sprintf("[%s] ", u.Name)
		buffer = &u.Service.State.StdoutBuffer
	} else {
		out = os.Stderr
		prefix = fmt.Sprintf("[%s][stderr] ", u.Name)
		buffer = &u.Service.State.StderrBuffer
	}

	lines, rest := splitLines(*buffer, readBuf[:n], MaxLineBytes)
	*buffer = rest

	for _, line := range lines {
		if line == "" {
			continue
		}
		fmt.Fprintf(out, "%s%s\n", prefix, line)
	}
}

// splitLines extracts complete newline-terminated lines from buffer+chunk,
// returning the leftover partial line. An unterminated partial line
// longer than maxLine is flushed early with a truncation marker rather
// than retained indefinitely.
func splitLines(buffer string, chunk []byte, maxLine int) (lines []string, rest string) {
	buffer += string(chunk)

	for {
		i := strings.IndexByte(buffer, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, buffer[:i])
		buffer = buffer[i+1:]
	}

	if len(buffer) > maxLine {
		lines = append(lines, buffer[:maxLine]+"(truncated)")
		buffer = ""
	}

	return lines, buffer
}

func (m *Multiplexer) readNotify(fd int, reg *registration) {
	u := m.table.Get(reg.unitID)
	if u == nil || u.Service == nil {
		return
	}

	buf := make([]byte, readChunk)
	n, err := unix.Read(fd, buf)
	if err != nil || n == 0 {
		return
	}

	msgs, rest := notifyproto.Apply(u.Service.State.NotifyBuffer, buf[:n])
	u.Service.State.NotifyBuffer = rest

	for _, msg := range msgs {
		if notifyproto.IsReady(msg) {
			if u.Service.State.Status != unit.StatusRunning {
				from := u.Service.State.Status
				u.Service.State.Status = unit.StatusRunning
				unit.LogStatusChange(u, from, unit.StatusRunning)
			}
			continue
		}
		if status, ok := notifyproto.IsStatus(msg); ok {
			u.Service.State.StatusMsgs = append(u.Service.State.StatusMsgs, status)
		}
	}
}

// Close releases the epoll instance and the wake descriptor. Open
// stream descriptors are left to their owning units to close.
func (m *Multiplexer) Close() {
	unix.Close(m.wakeFd)
	unix.Close(m.epollFd)
}
