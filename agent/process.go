// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package agent

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/containerd/console"
	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/retrage/akari/protocols"
)

type procState int

const (
	procCreated procState = iota
	procRunning
	procExited
)

// exitCodeSpawnFailure marks a task whose process never started.
const exitCodeSpawnFailure = 255

// process is one supervised container process. Its lifecycle is an explicit
// state progression created -> running -> exited; the exit code is recorded
// exactly once by the single reaper goroutine.
type process struct {
	id    string
	spec  *protocols.ProcessSpec
	agent *Agent

	mu    sync.Mutex
	state procState
	cmd   *exec.Cmd

	// ptmx is the pty master for terminal tasks.
	ptmx *os.File

	stdinID  uint32
	stdoutID uint32
	stderrID uint32

	// stdin is the host's stdin stream, registered at creation time so
	// bytes the host sends before StartProcess are buffered, not dropped.
	stdin     io.ReadCloser
	stdinConn *protocols.Conn

	// ioWg tracks the output copy goroutines; the reaper waits for them
	// before calling Wait, which would otherwise close the pipes under
	// a still-running copy.
	ioWg sync.WaitGroup

	exitCode int32
	exitOnce sync.Once
	exitCh   chan struct{}

	logger *logrus.Entry
}

// attachStdin binds the stdin stream to conn, replacing a registration
// made on an earlier, now-dead connection after a host reattach.
func (p *process) attachStdin(conn *protocols.Conn) {
	if conn == nil || p.stdinConn == conn {
		return
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
	p.stdin = conn.OpenStream(p.stdinID)
	p.stdinConn = conn
}

func newProcess(id string, spec *protocols.ProcessSpec, a *Agent) *process {
	return &process{
		id:     id,
		spec:   spec,
		agent:  a,
		exitCh: make(chan struct{}),
		logger: agentLog.WithField("task", id),
	}
}

// start spawns the process and wires its stdio to the connection streams.
func (p *process) start(conn *protocols.Conn) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != procCreated {
		return 0, errors.Errorf("task %s is not in created state", p.id)
	}

	cmd := exec.Command(p.spec.Args[0], p.spec.Args[1:]...)
	cmd.Dir = p.spec.Cwd
	cmd.Env = p.spec.Env

	attr := &syscall.SysProcAttr{
		Setsid: true,
		Credential: &syscall.Credential{
			Uid:    p.spec.UID,
			Gid:    p.spec.GID,
			Groups: p.spec.AdditionalGids,
			// setgroups needs privilege even for an empty set.
			NoSetGroups: len(p.spec.AdditionalGids) == 0,
		},
	}

	p.attachStdin(conn)
	stdin := p.stdin

	var err error
	if p.spec.Terminal {
		err = p.startWithTTY(cmd, attr, conn, stdin)
	} else {
		err = p.startWithPipes(cmd, attr, conn, stdin)
	}
	if err != nil {
		stdin.Close()
		// Spawn failures still resolve waiters: the task exits with the
		// sentinel code and the cause travels in the response.
		p.state = procExited
		p.recordExit(exitCodeSpawnFailure)
		return 0, errors.Wrapf(err, "spawn task %s", p.id)
	}

	p.cmd = cmd
	p.state = procRunning
	p.logger.WithField("pid", cmd.Process.Pid).Info("task started")

	go p.reap()

	return int32(cmd.Process.Pid), nil
}

func (p *process) startWithTTY(cmd *exec.Cmd, attr *syscall.SysProcAttr, conn *protocols.Conn, stdin io.ReadCloser) error {
	attr.Setctty = true

	size := &pty.Winsize{Rows: p.spec.Height, Cols: p.spec.Width}
	if size.Rows == 0 || size.Cols == 0 {
		size = &pty.Winsize{Rows: 24, Cols: 80}
	}

	ptmx, err := pty.StartWithAttrs(cmd, size, attr)
	if err != nil {
		return err
	}
	p.ptmx = ptmx

	// One stream carries the terminal's combined output; stderr is unused.
	out := conn.StreamWriter(p.stdoutID)
	p.ioWg.Add(1)
	go func() {
		defer p.ioWg.Done()
		io.Copy(out, ptmx)
		out.Close()
	}()
	go func() {
		io.Copy(ptmx, stdin)
	}()
	return nil
}

func (p *process) startWithPipes(cmd *exec.Cmd, attr *syscall.SysProcAttr, conn *protocols.Conn, stdin io.ReadCloser) error {
	cmd.SysProcAttr = attr

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	out := conn.StreamWriter(p.stdoutID)
	errw := conn.StreamWriter(p.stderrID)
	p.ioWg.Add(2)
	go func() {
		defer p.ioWg.Done()
		io.Copy(out, stdoutPipe)
		out.Close()
	}()
	go func() {
		defer p.ioWg.Done()
		io.Copy(errw, stderrPipe)
		errw.Close()
	}()
	go func() {
		// IOClose from the host surfaces as EOF here and propagates to
		// the child as a closed stdin.
		io.Copy(stdinPipe, stdin)
		stdinPipe.Close()
	}()
	return nil
}

// reap waits for the child, records the exit code and emits the exit event.
// It is the only caller of Wait, so the child is reaped exactly once.
func (p *process) reap() {
	// Wait closes the stdio pipes; the output copies must finish first or
	// buffered output is lost.
	p.ioWg.Wait()
	err := p.cmd.Wait()

	var code int32
	if err == nil {
		code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		status := exitErr.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			code = 128 + int32(status.Signal())
		} else {
			code = int32(status.ExitStatus())
		}
	} else {
		p.logger.WithError(err).Warn("wait failed")
		code = exitCodeSpawnFailure
	}

	p.mu.Lock()
	p.state = procExited
	if p.ptmx != nil {
		p.ptmx.Close()
	}
	p.mu.Unlock()

	p.recordExit(code)
	p.logger.WithField("code", code).Info("task exited")
	p.agent.notifyExit(p.id, code)
}

func (p *process) recordExit(code int32) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.exitCh)
	})
}

func (p *process) exited() <-chan struct{} {
	return p.exitCh
}

// wait blocks until the exit code is recorded.
func (p *process) wait(ctx context.Context) (int32, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.exitCh:
		return p.exitCode, nil
	}
}

// signal delivers sig to the process or its group. Signalling an already
// exited task is a no-op, not an error.
func (p *process) signal(req *protocols.SignalRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == procExited {
		p.logger.WithField("signal", req.Signal).Debug("ignoring signal for exited task")
		return nil
	}
	if p.state != procRunning {
		return errors.Errorf("task %s has no process yet", p.id)
	}

	sig := syscall.Signal(req.Signal)

	if sig == unix.SIGWINCH && p.ptmx != nil && (req.Height != 0 || req.Width != 0) {
		c, err := console.ConsoleFromFile(p.ptmx)
		if err != nil {
			return errors.Wrap(err, "open pty console")
		}
		return errors.Wrap(c.Resize(console.WinSize{
			Height: req.Height,
			Width:  req.Width,
		}), "resize pty")
	}

	pid := p.cmd.Process.Pid
	if req.All {
		// The child is a session leader, so its pgid is its pid.
		pid = -pid
	}
	if err := unix.Kill(pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.Wrapf(err, "signal task %s", p.id)
	}
	return nil
}

func (p *process) terminate() {
	p.signalLocked(unix.SIGTERM)
}

func (p *process) kill() {
	p.signalLocked(unix.SIGKILL)
}

func (p *process) signalLocked(sig syscall.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case procCreated:
		// Never spawned; resolve waiters as if killed by sig.
		p.state = procExited
		p.recordExit(128 + int32(sig))
	case procRunning:
		unix.Kill(-p.cmd.Process.Pid, sig)
	}
}
