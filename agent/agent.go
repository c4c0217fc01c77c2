// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package agent implements the guest-resident process supervisor. It
// accepts a single control connection on the virtual socket, creates and
// reaps container processes, and streams their stdio back to the host.
package agent

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/retrage/akari/pkg/version"
	"github.com/retrage/akari/protocols"
)

// agentLog is the logger for the agent package.
var agentLog = logrus.WithField("source", "agent")

// SetLogger sets the base logger for the package.
func SetLogger(logger *logrus.Entry) {
	agentLog = logger.WithField("source", "agent")
}

const (
	// shutdownLinger is how long the agent keeps the connection open after
	// a completed Shutdown so the response frame reaches the host.
	shutdownLinger = time.Second

	// defaultShutdownGrace applies when the host does not set one.
	defaultShutdownGrace = 5 * time.Second
)

// Agent supervises the container processes of one sandbox. The process
// table lives only in memory: a restarted agent starts empty and recovers
// no orphans.
type Agent struct {
	mu    sync.Mutex
	procs map[string]*process
	conn  *protocols.Conn

	// nextStream allocates stdio stream ids, three per task.
	nextStream uint32

	shuttingDown bool
}

// New returns an agent with an empty process table.
func New() *Agent {
	return &Agent{
		procs: make(map[string]*process),
	}
}

// Serve accepts control connections on l serially: at most one is active
// at any time, and a new one is accepted only after the previous closed.
// A reconnecting host (a later CLI invocation) sees the same process
// table; only an agent restart loses it. Serve returns after a Shutdown
// request has been completed.
func (a *Agent) Serve(l net.Listener) error {
	defer l.Close()

	for {
		nc, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "accept control connection")
		}

		conn := protocols.NewConn(nc, a, agentLog)

		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()

		if err := conn.SendEvent(&protocols.Event{
			Kind:    protocols.EventReady,
			Version: version.Version,
		}); err != nil {
			agentLog.WithError(err).Warn("send ready event")
			conn.Close()
			continue
		}

		agentLog.WithField("version", version.Version).Info("agent ready")

		<-conn.Done()

		a.mu.Lock()
		done := a.shuttingDown
		a.mu.Unlock()
		if done {
			return nil
		}
	}
}

// Handle implements protocols.Handler. Each request runs on its own
// goroutine, so a blocking Wait does not stall other requests.
func (a *Agent) Handle(ctx context.Context, typ protocols.Type, payload []byte) (interface{}, error) {
	switch typ {
	case protocols.TypeCreateTask:
		var req protocols.CreateTaskRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode CreateTask")
		}
		return a.createTask(&req)
	case protocols.TypeStartProcess:
		var req protocols.StartProcessRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode StartProcess")
		}
		return a.startProcess(req.ID)
	case protocols.TypeSignal:
		var req protocols.SignalRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode Signal")
		}
		return nil, a.signal(&req)
	case protocols.TypeWait:
		var req protocols.WaitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode Wait")
		}
		return a.wait(ctx, req.ID)
	case protocols.TypeShutdown:
		var req protocols.ShutdownRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.Wrap(err, "decode Shutdown")
		}
		return nil, a.shutdown(req.Grace)
	default:
		return nil, errors.Errorf("unsupported request %s", typ)
	}
}

func (a *Agent) createTask(req *protocols.CreateTaskRequest) (*protocols.CreateTaskResponse, error) {
	if err := validateProcessSpec(&req.Process); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shuttingDown {
		return nil, errors.New("agent is shutting down")
	}
	if req.ID == "" {
		return nil, errors.New("empty task id")
	}
	if _, ok := a.procs[req.ID]; ok {
		return nil, errors.Errorf("task %s already exists", req.ID)
	}

	p := newProcess(req.ID, &req.Process, a)
	p.stdinID = a.allocStream()
	p.stdoutID = a.allocStream()
	p.stderrID = a.allocStream()
	// Register stdin now: the host may start pumping input between
	// CreateTask and StartProcess, and those frames must be buffered.
	p.attachStdin(a.conn)
	a.procs[req.ID] = p

	agentLog.WithFields(logrus.Fields{
		"task":     req.ID,
		"terminal": req.Process.Terminal,
	}).Info("task created")

	return &protocols.CreateTaskResponse{
		Stdin:  p.stdinID,
		Stdout: p.stdoutID,
		Stderr: p.stderrID,
	}, nil
}

func (a *Agent) startProcess(id string) (*protocols.StartProcessResponse, error) {
	p, err := a.getProcess(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	pid, err := p.start(conn)
	if err != nil {
		return nil, err
	}
	return &protocols.StartProcessResponse{PID: pid}, nil
}

func (a *Agent) signal(req *protocols.SignalRequest) error {
	p, err := a.getProcess(req.ID)
	if err != nil {
		return err
	}
	return p.signal(req)
}

func (a *Agent) wait(ctx context.Context, id string) (*protocols.WaitResponse, error) {
	p, err := a.getProcess(id)
	if err != nil {
		return nil, err
	}

	code, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}

	// The exit has been observed by the host; drop the table entry so the
	// id can never alias a finished task.
	a.mu.Lock()
	delete(a.procs, id)
	a.mu.Unlock()

	return &protocols.WaitResponse{ExitCode: code}, nil
}

// shutdown signals every tracked process, waits for the grace period,
// force-terminates stragglers, and arranges for the agent to exit.
func (a *Agent) shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	a.mu.Lock()
	a.shuttingDown = true
	procs := make([]*process, 0, len(a.procs))
	for _, p := range a.procs {
		procs = append(procs, p)
	}
	conn := a.conn
	a.mu.Unlock()

	agentLog.WithFields(logrus.Fields{
		"processes": len(procs),
		"grace":     grace,
	}).Info("shutting down")

	for _, p := range procs {
		p.terminate()
	}

	deadline := time.After(grace)
	for _, p := range procs {
		select {
		case <-p.exited():
		case <-deadline:
			p.kill()
			<-p.exited()
		}
	}

	// The response to this request is written right after this handler
	// returns; the linger keeps the connection up long enough for it.
	go func() {
		time.Sleep(shutdownLinger)
		conn.Close()
	}()
	return nil
}

func (a *Agent) getProcess(id string) (*process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.procs[id]
	if !ok {
		return nil, errors.Errorf("task %s not found", id)
	}
	return p, nil
}

func (a *Agent) allocStream() uint32 {
	a.nextStream++
	return a.nextStream
}

// notifyExit emits the authoritative exit event for a task.
func (a *Agent) notifyExit(id string, code int32) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	err := conn.SendEvent(&protocols.Event{
		Kind:     protocols.EventExit,
		ID:       id,
		ExitCode: code,
		ExitedAt: time.Now(),
	})
	if err != nil {
		agentLog.WithError(err).WithField("task", id).Warn("send exit event")
	}
}

func validateProcessSpec(spec *protocols.ProcessSpec) error {
	if len(spec.Args) == 0 {
		return errors.New("process spec has no arguments")
	}
	if spec.Cwd != "" && spec.Cwd[0] != '/' {
		return errors.Errorf("process cwd %q is not absolute", spec.Cwd)
	}
	return nil
}
