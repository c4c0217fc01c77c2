// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"errors"

	"github.com/retrage/akari/protocols"
)

// Error taxonomy of the lifecycle controller. Callers classify with
// errors.Is; the shim maps these to grpc status codes and the CLI to exit
// codes.
var (
	// ErrSpecInvalid rejects a malformed configuration at Create, with no
	// side effects.
	ErrSpecInvalid = errors.New("invalid sandbox spec")

	// ErrBootTimeout is returned when the agent handshake does not
	// complete within the boot timeout. The sandbox is Failed; no retry.
	ErrBootTimeout = errors.New("VM boot timed out")

	// ErrBootFailure is returned when the VM fails to start at all.
	ErrBootFailure = errors.New("VM boot failed")

	// ErrConnectionLost fails in-flight operations when the control
	// connection breaks. Recovery is the caller's decision.
	ErrConnectionLost = protocols.ErrConnectionLost

	// ErrProcessSpawnFailure marks a task whose process never started;
	// the task is Exited with the sentinel code and the cause attached.
	ErrProcessSpawnFailure = errors.New("process spawn failed")

	// ErrNotRunning rejects task operations while the sandbox is not
	// Running.
	ErrNotRunning = errors.New("sandbox is not running")

	// ErrInvalidState rejects a lifecycle operation not valid in the
	// sandbox's current state.
	ErrInvalidState = errors.New("invalid sandbox state")

	// ErrSandboxBusy rejects Delete while tasks are still live and no
	// force was requested.
	ErrSandboxBusy = errors.New("sandbox has live tasks")

	// ErrNotFound reports an unknown sandbox or task id.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported reports an operation with no VM-backend equivalent.
	ErrUnsupported = errors.New("unsupported operation")
)
