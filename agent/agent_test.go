// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package agent

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrage/akari/pkg/version"
	"github.com/retrage/akari/protocols"
)

const testTimeout = 10 * time.Second

// hostConn serves a fresh agent on a unix socket and returns the host side
// of its control connection, with the ready event already consumed.
func hostConn(t *testing.T) *protocols.Conn {
	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	go New().Serve(l)
	t.Cleanup(func() { l.Close() })

	nc, err := net.Dial("unix", sock)
	require.NoError(t, err)

	conn := protocols.NewConn(nc, nil, nil)
	t.Cleanup(func() { conn.Close() })

	select {
	case ev := <-conn.Events():
		require.Equal(t, protocols.EventReady, ev.Kind)
		require.Equal(t, version.Version, ev.Version)
	case <-time.After(testTimeout):
		t.Fatal("no ready event from agent")
	}

	return conn
}

func shSpec(args ...string) protocols.ProcessSpec {
	return protocols.ProcessSpec{
		Args: args,
		Cwd:  "/",
		UID:  uint32(os.Getuid()),
		GID:  uint32(os.Getgid()),
	}
}

func createTask(t *testing.T, conn *protocols.Conn, id string, spec protocols.ProcessSpec) *protocols.CreateTaskResponse {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var resp protocols.CreateTaskResponse
	err := conn.Request(ctx, protocols.TypeCreateTask, &protocols.CreateTaskRequest{
		ID:      id,
		Process: spec,
	}, &resp)
	require.NoError(t, err)
	return &resp
}

func startTask(t *testing.T, conn *protocols.Conn, id string) int32 {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var resp protocols.StartProcessResponse
	err := conn.Request(ctx, protocols.TypeStartProcess, &protocols.StartProcessRequest{ID: id}, &resp)
	require.NoError(t, err)
	return resp.PID
}

func awaitExitEvent(t *testing.T, conn *protocols.Conn, id string) *protocols.Event {
	for {
		select {
		case ev := <-conn.Events():
			if ev.Kind == protocols.EventExit && ev.ID == id {
				return ev
			}
		case <-time.After(testTimeout):
			t.Fatalf("no exit event for task %s", id)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	type testData struct {
		id   string
		spec protocols.ProcessSpec
	}

	data := []testData{
		// no arguments
		{"no-args", protocols.ProcessSpec{Cwd: "/"}},
		// relative working directory
		{"rel-cwd", protocols.ProcessSpec{Args: []string{"/bin/true"}, Cwd: "tmp"}},
		// empty task id
		{"", shSpec("/bin/true")},
	}

	for i, d := range data {
		err := conn.Request(ctx, protocols.TypeCreateTask, &protocols.CreateTaskRequest{
			ID:      d.id,
			Process: d.spec,
		}, nil)
		assert.Errorf(err, "test %d", i)
	}
}

func TestDuplicateTask(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	createTask(t, conn, "dup", shSpec("/bin/sleep", "30"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := conn.Request(ctx, protocols.TypeCreateTask, &protocols.CreateTaskRequest{
		ID:      "dup",
		Process: shSpec("/bin/true"),
	}, nil)
	assert.Error(err)
}

func TestRunTask(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	resp := createTask(t, conn, "exit5", shSpec("/bin/sh", "-c", "exit 5"))
	assert.NotZero(resp.Stdout)

	pid := startTask(t, conn, "exit5")
	assert.NotZero(pid)

	ev := awaitExitEvent(t, conn, "exit5")
	assert.Equal(int32(5), ev.ExitCode)
	assert.False(ev.ExitedAt.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var wresp protocols.WaitResponse
	err := conn.Request(ctx, protocols.TypeWait, &protocols.WaitRequest{ID: "exit5"}, &wresp)
	assert.NoError(err)
	assert.Equal(int32(5), wresp.ExitCode)

	// The acknowledged exit reaped the table entry.
	err = conn.Request(ctx, protocols.TypeWait, &protocols.WaitRequest{ID: "exit5"}, nil)
	assert.Error(err)
}

func TestTaskStdio(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	resp := createTask(t, conn, "pipe", shSpec("/bin/cat"))

	stdout := conn.OpenStream(resp.Stdout)
	stdin := conn.StreamWriter(resp.Stdin)

	startTask(t, conn, "pipe")

	_, err := stdin.Write([]byte("through the guest\n"))
	assert.NoError(err)
	assert.NoError(stdin.Close())

	out, err := io.ReadAll(stdout)
	assert.NoError(err)
	assert.Equal("through the guest\n", string(out))

	ev := awaitExitEvent(t, conn, "pipe")
	assert.Zero(ev.ExitCode)
}

func TestStdinBeforeStart(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	resp := createTask(t, conn, "early", shSpec("/bin/cat"))

	stdout := conn.OpenStream(resp.Stdout)
	stdin := conn.StreamWriter(resp.Stdin)

	// Input sent between CreateTask and StartProcess must reach the
	// process once it starts.
	_, err := stdin.Write([]byte("early bytes\n"))
	assert.NoError(err)
	assert.NoError(stdin.Close())

	startTask(t, conn, "early")

	out, err := io.ReadAll(stdout)
	assert.NoError(err)
	assert.Equal("early bytes\n", string(out))
}

func TestTaskStderr(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	resp := createTask(t, conn, "err", shSpec("/bin/sh", "-c", "echo oops >&2"))

	stderr := conn.OpenStream(resp.Stderr)
	startTask(t, conn, "err")

	out, err := io.ReadAll(stderr)
	assert.NoError(err)
	assert.Equal("oops\n", string(out))
}

func TestSignalBeforeStart(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	createTask(t, conn, "unstarted", shSpec("/bin/true"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := conn.Request(ctx, protocols.TypeSignal, &protocols.SignalRequest{
		ID:     "unstarted",
		Signal: int32(syscall.SIGTERM),
	}, nil)
	assert.Error(err)
}

func TestSignalTerminatesTask(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	createTask(t, conn, "sleeper", shSpec("/bin/sleep", "30"))
	startTask(t, conn, "sleeper")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := conn.Request(ctx, protocols.TypeSignal, &protocols.SignalRequest{
		ID:     "sleeper",
		Signal: int32(syscall.SIGKILL),
	}, nil)
	assert.NoError(err)

	ev := awaitExitEvent(t, conn, "sleeper")
	assert.Equal(int32(128+9), ev.ExitCode)
}

func TestSpawnFailureResolvesWaiters(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	createTask(t, conn, "broken", shSpec("/nonexistent/binary"))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := conn.Request(ctx, protocols.TypeStartProcess, &protocols.StartProcessRequest{ID: "broken"}, nil)
	assert.Error(err)

	// The task is exited with the sentinel code; a wait must not hang.
	var wresp protocols.WaitResponse
	err = conn.Request(ctx, protocols.TypeWait, &protocols.WaitRequest{ID: "broken"}, &wresp)
	assert.NoError(err)
	assert.Equal(int32(exitCodeSpawnFailure), wresp.ExitCode)
}

func TestShutdownTerminatesTasks(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	createTask(t, conn, "sleeper", shSpec("/bin/sleep", "30"))
	startTask(t, conn, "sleeper")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := conn.Request(ctx, protocols.TypeShutdown, &protocols.ShutdownRequest{Grace: time.Second}, nil)
	assert.NoError(err)

	// The agent closes the connection shortly after answering.
	select {
	case <-conn.Done():
	case <-time.After(testTimeout):
		t.Fatal("connection not closed after shutdown")
	}
}

func TestReconnectStartsCreatedTask(t *testing.T) {
	assert := assert.New(t)

	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	go New().Serve(l)
	t.Cleanup(func() { l.Close() })

	dial := func() *protocols.Conn {
		nc, err := net.Dial("unix", sock)
		require.NoError(t, err)
		conn := protocols.NewConn(nc, nil, nil)
		select {
		case ev := <-conn.Events():
			require.Equal(t, protocols.EventReady, ev.Kind)
		case <-time.After(testTimeout):
			t.Fatal("no ready event from agent")
		}
		return conn
	}

	// A task created over one connection survives a host reattach and is
	// started over the next connection.
	first := dial()
	resp := createTask(t, first, "survivor", shSpec("/bin/sh", "-c", "echo back"))
	first.Close()

	second := dial()
	t.Cleanup(func() { second.Close() })
	stdout := second.OpenStream(resp.Stdout)

	startTask(t, second, "survivor")

	out, err := io.ReadAll(stdout)
	assert.NoError(err)
	assert.Equal("back\n", string(out))

	ev := awaitExitEvent(t, second, "survivor")
	assert.Zero(ev.ExitCode)
}

func TestTerminalTask(t *testing.T) {
	assert := assert.New(t)
	conn := hostConn(t)

	spec := shSpec("/bin/sh", "-c", "echo from-tty")
	spec.Terminal = true
	spec.Height = 24
	spec.Width = 80

	resp := createTask(t, conn, "tty", spec)
	stdout := conn.OpenStream(resp.Stdout)

	startTask(t, conn, "tty")

	out, err := io.ReadAll(stdout)
	assert.NoError(err)
	assert.Contains(string(out), "from-tty")

	ev := awaitExitEvent(t, conn, "tty")
	assert.Zero(ev.ExitCode)
}
