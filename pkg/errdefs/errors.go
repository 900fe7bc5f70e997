/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

const signalKilled = "signal: killed"

var (
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("not found")
	ErrCycle            = errors.New("dependency cycle")
	ErrUnsatisfiable    = errors.New("unsatisfiable dependency")
	ErrSpawnFailed      = errors.New("spawn failed")
	ErrNoFileDescriptor = errors.New("no file descriptor received")
)

// IsAlreadyExists returns true if the error is due to already exists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotFound returns true if the error is due to a missing unit or pid
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCycle returns true if the error is a dependency cycle detected at load time
func IsCycle(err error) bool {
	return errors.Is(err, ErrCycle)
}

// IsUnsatisfiable returns true if the error is an unsatisfiable dependency
func IsUnsatisfiable(err error) bool {
	return errors.Is(err, ErrUnsatisfiable)
}

// IsSignalKilled returns true if the error is signal killed
func IsSignalKilled(err error) bool {
	return strings.Contains(err.Error(), signalKilled)
}

// IsConnectionClosed returns true if error is due to connection closed.
// This is used when the supervisor's listeners are torn down on shutdown.
func IsConnectionClosed(err error) bool {
	switch err := err.(type) {
	case *net.OpError:
		return err.Err.Error() == "use of closed network connection"
	default:
		return false
	}
}
