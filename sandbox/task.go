// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/retrage/akari/protocols"
)

const (
	// exitCodeConnectionLost is recorded for tasks whose real exit code
	// became unobservable because the VM died or the control connection
	// broke.
	exitCodeConnectionLost = 255

	// exitCodeSpawnFailure is recorded for tasks whose process never
	// started. Same numeric value, distinct failure class.
	exitCodeSpawnFailure = 255
)

// Task is one supervised container process inside a sandbox. It belongs to
// exactly one Sandbox and cannot outlive it.
type Task struct {
	ID string

	mu    sync.Mutex
	state TaskStateString
	pid   int32

	terminal bool

	// Stream ids assigned by the agent at CreateTask.
	stdinID  uint32
	stdoutID uint32
	stderrID uint32

	// stdout/stderr read ends, opened before the process starts so no
	// output frame can arrive for an unknown stream.
	stdout io.ReadCloser
	stderr io.ReadCloser

	exitCode int32
	exitedAt time.Time
	exitOnce sync.Once
	exitCh   chan struct{}
}

func newTask(id string, terminal bool) *Task {
	return &Task{
		ID:       id,
		state:    TaskCreated,
		terminal: terminal,
		exitCh:   make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskStateString {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pid returns the in-guest pid, 0 until the process started.
func (t *Task) Pid() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// ExitCode returns the recorded exit code and exit time. Valid only after
// Wait returned or State reports TaskExited.
func (t *Task) ExitCode() (int32, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode, t.exitedAt
}

func (t *Task) setRunning(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskCreated {
		t.state = TaskRunning
		t.pid = pid
	}
}

// setExited records the exit code exactly once; later calls are ignored so
// a synthetic connection-loss code never overwrites a real one.
func (t *Task) setExited(code int32, at time.Time) {
	t.exitOnce.Do(func() {
		t.mu.Lock()
		t.state = TaskExited
		t.exitCode = code
		if at.IsZero() {
			at = time.Now()
		}
		t.exitedAt = at
		t.mu.Unlock()
		close(t.exitCh)
	})
}

// Wait suspends the caller until the exit code is recorded, then returns
// it. Repeated calls return the cached code immediately.
func (t *Task) Wait(ctx context.Context) (int32, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.exitCh:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.exitCode, nil
	}
}

func (t *Task) openStreams(conn *protocols.Conn, resp *protocols.CreateTaskResponse) {
	t.stdinID = resp.Stdin
	t.stdoutID = resp.Stdout
	t.stderrID = resp.Stderr
	t.stdout = conn.OpenStream(resp.Stdout)
	if !t.terminal {
		t.stderr = conn.OpenStream(resp.Stderr)
	}
}

func (t *Task) closeStreams() {
	if t.stdout != nil {
		t.stdout.Close()
	}
	if t.stderr != nil {
		t.stderr.Close()
	}
}
