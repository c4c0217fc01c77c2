// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"fmt"
)

// StateString is a string representing a sandbox state.
type StateString string

const (
	// StateCreated is a sandbox that exists as a record; no VM started.
	StateCreated StateString = "created"

	// StateBooting is a sandbox whose VM is starting; the agent handshake
	// has not completed yet.
	StateBooting StateString = "booting"

	// StateRunning is a sandbox with a live agent connection, accepting
	// task operations.
	StateRunning StateString = "running"

	// StateStopping is a sandbox in deliberate teardown.
	StateStopping StateString = "stopping"

	// StateStopped is a cleanly terminated sandbox. Terminal.
	StateStopped StateString = "stopped"

	// StateFailed is a sandbox that died unexpectedly (boot error, VM
	// crash, lost control connection). Terminal.
	StateFailed StateString = "failed"
)

// OCIState maps a sandbox state to the status field of the OCI state JSON.
func (s StateString) OCIState() string {
	switch s {
	case StateCreated, StateBooting:
		return "created"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Terminal tells whether no further transition can leave s.
func (s StateString) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransition enforces the forward-only state machine. Failed is
// reachable from every non-terminal state; nothing leaves a terminal one.
func validTransition(oldState, newState StateString) error {
	if newState == StateFailed && !oldState.Terminal() {
		return nil
	}

	switch oldState {
	case StateCreated:
		if newState == StateBooting || newState == StateStopped {
			return nil
		}
	case StateBooting:
		if newState == StateRunning || newState == StateStopping {
			return nil
		}
	case StateRunning:
		if newState == StateStopping {
			return nil
		}
	case StateStopping:
		if newState == StateStopped {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition %s -> %s: %w", oldState, newState, ErrInvalidState)
}

// TaskStateString is a string representing a task state.
type TaskStateString string

const (
	// TaskCreated is a registered task whose process has not spawned.
	TaskCreated TaskStateString = "created"

	// TaskRunning is a task with a live process.
	TaskRunning TaskStateString = "running"

	// TaskExited is a task whose exit code has been recorded. Terminal.
	TaskExited TaskStateString = "exited"
)
