// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"context"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/blang/semver"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/retrage/akari/persist"
	"github.com/retrage/akari/pkg/version"
	"github.com/retrage/akari/protocols"
	"github.com/retrage/akari/vmm"
)

// virtLog is the logger for the sandbox package.
var virtLog = logrus.WithField("source", "sandbox")

// SetLogger sets the base logger for the package.
func SetLogger(logger *logrus.Entry) {
	virtLog = logger.WithField("source", "sandbox")
}

const (
	// agentVSockPort is the fixed guest port the agent listens on. The
	// guest CID is the per-sandbox coordinate.
	agentVSockPort = 1024

	// defaultBootTimeout bounds StartVM plus the agent handshake.
	defaultBootTimeout = 10 * time.Second

	// defaultShutdownGrace is how long deliberate teardown waits for
	// tasks to exit before the agent force-terminates them.
	defaultShutdownGrace = 5 * time.Second

	// dialRetryInterval paces connection attempts while the guest boots.
	dialRetryInterval = 50 * time.Millisecond

	consoleSockName = "console.sock"
	rootfsMountTag  = "rootfs"
)

// Dialer opens the control connection to a sandbox's agent. Tests inject
// one backed by net.Pipe; the default dials the virtual socket.
type Dialer func(ctx context.Context) (net.Conn, error)

// SandboxConfig is everything needed to create a sandbox.
type SandboxConfig struct {
	ID         string
	BundlePath string

	HypervisorType vmm.HypervisorType
	VMConfig       vmm.Config

	// RootfsImage, when set, is attached as a virtio block device instead
	// of sharing the bundle rootfs directory.
	RootfsImage string

	// ConsoleSocket, when set, backs the guest serial console instead of
	// the default socket under the sandbox directory.
	ConsoleSocket string

	BootTimeout   time.Duration
	ShutdownGrace time.Duration

	// AgentDialer overrides virtual-socket dialing, for tests.
	AgentDialer Dialer
}

func (c *SandboxConfig) valid() error {
	if c.ID == "" {
		return errors.Wrap(ErrSpecInvalid, "empty sandbox id")
	}
	if c.BundlePath == "" {
		return errors.Wrap(ErrSpecInvalid, "empty bundle path")
	}
	if err := c.VMConfig.Valid(); err != nil {
		return errors.Wrapf(ErrSpecInvalid, "VM config: %v", err)
	}
	return nil
}

// SandboxStatus is a point-in-time snapshot for state queries.
type SandboxStatus struct {
	ID          string
	State       StateString
	PID         int
	Bundle      string
	InitStarted bool
	CreatedAt   time.Time
}

// Sandbox is one VM instance hosting container tasks. All lifecycle
// operations are serialized through its mutex; IO forwarding and waits run
// outside it so the control plane is never blocked by a slow stream.
type Sandbox struct {
	id string

	mu    sync.Mutex
	state StateString

	config *SandboxConfig

	hypervisor vmm.Hypervisor
	conn       *protocols.Conn
	tasks      map[string]*Task

	store     *persist.Store
	guestCID  uint64
	createdAt time.Time

	// initStarted records whether the init task (the task sharing the
	// sandbox id) has been started. It survives reattach so the OCI state
	// command can distinguish "created" from "running".
	initStarted bool

	// stopping distinguishes deliberate teardown from a crash in the
	// monitor goroutine.
	stopping bool

	monitorOnce sync.Once

	logger *logrus.Entry
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() string {
	return s.id
}

// Status returns a snapshot of the sandbox.
func (s *Sandbox) Status() SandboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SandboxStatus{
		ID:          s.id,
		State:       s.state,
		PID:         s.hypervisor.Pid(),
		Bundle:      s.config.BundlePath,
		InitStarted: s.initStarted,
		CreatedAt:   s.createdAt,
	}
}

func (s *Sandbox) setStateLocked(newState StateString) error {
	if err := validTransition(s.state, newState); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"old-state": s.state,
		"new-state": newState,
	}).Debug("state transition")
	s.state = newState
	return s.persistLocked()
}

func (s *Sandbox) persistLocked() error {
	return s.store.Save(&persist.Record{
		ID:            s.id,
		State:         string(s.state),
		BundlePath:    s.config.BundlePath,
		HypervisorPID: s.hypervisor.Pid(),
		GuestCID:      s.guestCID,
		VSockPort:     agentVSockPort,
		InitStarted:   s.initStarted,
		CreatedAt:     s.createdAt,
	})
}

// Start boots the VM and waits for the agent handshake. Valid only from
// Created; on boot error or handshake timeout the sandbox is Failed and
// the error reported, with no automatic retry.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	if err := s.setStateLocked(StateBooting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	timeout := s.config.BootTimeout
	if timeout <= 0 {
		timeout = defaultBootTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.boot(ctx, timeout); err != nil {
		s.markFailed(err)
		// Best effort: do not leak a half-booted VM.
		s.hypervisor.StopVM(context.Background(), true)
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrapf(ErrBootTimeout, "sandbox %s: %v", s.id, err)
		}
		return errors.Wrapf(ErrBootFailure, "sandbox %s: %v", s.id, err)
	}

	s.mu.Lock()
	err := s.setStateLocked(StateRunning)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.monitorOnce.Do(func() { go s.monitor() })

	s.logger.Info("sandbox running")
	return nil
}

func (s *Sandbox) boot(ctx context.Context, timeout time.Duration) error {
	if err := s.attachDevices(ctx); err != nil {
		return err
	}

	if err := s.hypervisor.StartVM(ctx, timeout); err != nil {
		return err
	}

	nc, err := s.dialAgent(ctx)
	if err != nil {
		return errors.Wrap(err, "connect to agent")
	}

	conn := protocols.NewConn(nc, nil, s.logger)

	if err := s.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Sandbox) devices() ([]vmm.Device, error) {
	dir, err := s.store.SandboxDir(s.id)
	if err != nil {
		return nil, err
	}

	consoleSock := s.config.ConsoleSocket
	if consoleSock == "" {
		consoleSock = filepath.Join(dir, consoleSockName)
	}

	devices := []vmm.Device{
		vmm.ConsoleDevice{SocketPath: consoleSock},
		vmm.VSockDevice{ContextID: s.guestCID, Port: agentVSockPort},
	}

	if s.config.RootfsImage != "" {
		devices = append(devices, vmm.BlockDevice{Path: s.config.RootfsImage})
	} else {
		devices = append(devices, vmm.ShareDevice{
			HostPath: filepath.Join(s.config.BundlePath, "rootfs"),
			MountTag: rootfsMountTag,
		})
	}
	return devices, nil
}

func (s *Sandbox) attachDevices(ctx context.Context) error {
	devices, err := s.devices()
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if err := s.hypervisor.AddDevice(ctx, dev); err != nil {
			return errors.Wrapf(err, "attach device %T", dev)
		}
	}
	return nil
}

func (s *Sandbox) dialAgent(ctx context.Context) (net.Conn, error) {
	if s.config.AgentDialer != nil {
		return s.config.AgentDialer(ctx)
	}

	// The agent is reachable only once the guest booted far enough;
	// retry until the boot deadline.
	for {
		nc, err := vsock.Dial(uint32(s.guestCID), agentVSockPort, nil)
		if err == nil {
			return nc, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(err, "dial vsock cid %d", s.guestCID)
		case <-time.After(dialRetryInterval):
		}
	}
}

// handshake waits for the agent's ready event and checks that the agent
// speaks a compatible version.
func (s *Sandbox) handshake(ctx context.Context, conn *protocols.Conn) error {
	select {
	case <-ctx.Done():
		return errors.New("agent handshake timed out")
	case <-conn.Done():
		return errors.New("agent connection closed during handshake")
	case ev, ok := <-conn.Events():
		if !ok || ev.Kind != protocols.EventReady {
			return errors.New("unexpected event before agent ready")
		}
		return checkAgentVersion(ev.Version)
	}
}

func checkAgentVersion(agentVersion string) error {
	av, err := semver.Parse(agentVersion)
	if err != nil {
		return errors.Wrapf(err, "parse agent version %q", agentVersion)
	}
	rv, err := semver.Parse(version.Version)
	if err != nil {
		return errors.Wrapf(err, "parse runtime version %q", version.Version)
	}
	if av.Major != rv.Major {
		return errors.Errorf("agent version %s is incompatible with runtime %s", av, rv)
	}
	return nil
}

// monitor watches the VM process and the agent event stream for the whole
// sandbox lifetime. It records task exits, acknowledges them to the agent,
// and turns unexpected VM or connection death into a Failed sandbox.
func (s *Sandbox) monitor() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	waitVM := s.hypervisor.WaitVM()

	for {
		select {
		case err := <-waitVM:
			s.handleVMExit(err)
			return

		case <-conn.Done():
			// Exit events already delivered to the channel still count.
			s.drainEvents(conn)
			s.handleConnectionLoss()
			return

		case ev := <-conn.Events():
			if ev == nil {
				continue
			}
			if ev.Kind != protocols.EventExit {
				s.logger.WithField("kind", ev.Kind).Debug("ignoring agent event")
				continue
			}
			s.handleTaskExit(ev)
		}
	}
}

// drainEvents consumes whatever the read loop buffered before the
// connection went down.
func (s *Sandbox) drainEvents(conn *protocols.Conn) {
	for {
		select {
		case ev := <-conn.Events():
			if ev != nil && ev.Kind == protocols.EventExit {
				s.handleTaskExit(ev)
			}
		default:
			return
		}
	}
}

// handleTaskExit records an exit event. The event is authoritative even
// with no Wait outstanding: the code is buffered on the task record.
func (s *Sandbox) handleTaskExit(ev *protocols.Event) {
	s.mu.Lock()
	t := s.tasks[ev.ID]
	conn := s.conn
	s.mu.Unlock()

	if t == nil {
		s.logger.WithField("task", ev.ID).Warn("exit event for unknown task")
		return
	}

	t.setExited(ev.ExitCode, ev.ExitedAt)

	// Acknowledge the exit so the agent reaps its table entry. One ack
	// per task, issued by the controller, never by API callers.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		var resp protocols.WaitResponse
		if err := conn.Request(ctx, protocols.TypeWait, &protocols.WaitRequest{ID: ev.ID}, &resp); err != nil {
			s.logger.WithError(err).WithField("task", ev.ID).Debug("exit acknowledgment failed")
		}
	}()
}

func (s *Sandbox) handleVMExit(err error) {
	s.mu.Lock()
	deliberate := s.stopping || s.state.Terminal()
	s.mu.Unlock()
	if deliberate {
		return
	}
	if err == nil {
		err = errors.New("VM exited unexpectedly")
	}
	s.logger.WithError(err).Error("VM died")
	s.markFailed(err)
}

func (s *Sandbox) handleConnectionLoss() {
	s.mu.Lock()
	deliberate := s.stopping || s.state.Terminal()
	s.mu.Unlock()
	if deliberate {
		return
	}
	s.logger.Error("agent connection lost")
	s.markFailed(ErrConnectionLost)
}

// markFailed moves the sandbox to Failed and synthetically exits every
// live task so no Wait caller hangs.
func (s *Sandbox) markFailed(cause error) {
	s.mu.Lock()
	if !s.state.Terminal() {
		if err := s.setStateLocked(StateFailed); err != nil {
			s.logger.WithError(err).Warn("failed state transition")
		}
	}
	conn := s.conn
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.logger.WithError(cause).Error("sandbox failed")

	for _, t := range tasks {
		t.setExited(exitCodeConnectionLost, time.Time{})
		t.closeStreams()
	}
	if conn != nil {
		conn.Close()
	}
}

// connLocked returns the control connection, guarding on Running.
func (s *Sandbox) connLocked() (*protocols.Conn, error) {
	if s.state != StateRunning {
		return nil, errors.Wrapf(ErrNotRunning, "sandbox %s is %s", s.id, s.state)
	}
	if s.conn == nil {
		return nil, errors.Wrapf(ErrNotRunning, "sandbox %s has no agent connection", s.id)
	}
	return s.conn, nil
}

// CreateTask registers a new task with the agent. Valid only while the
// sandbox is Running; the task id must be unique within the sandbox.
func (s *Sandbox) CreateTask(ctx context.Context, id string, spec *protocols.ProcessSpec) (*Task, error) {
	s.mu.Lock()
	conn, err := s.connLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.tasks[id]; ok {
		s.mu.Unlock()
		return nil, errors.Errorf("task %s already exists in sandbox %s", id, s.id)
	}
	s.mu.Unlock()

	var resp protocols.CreateTaskResponse
	if err := conn.Request(ctx, protocols.TypeCreateTask, &protocols.CreateTaskRequest{
		ID:      id,
		Process: *spec,
	}, &resp); err != nil {
		return nil, err
	}

	t := newTask(id, spec.Terminal)
	t.openStreams(conn, &resp)

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	s.logger.WithField("task", id).Info("task created")
	return t, nil
}

// StartTask spawns the process of a created task and returns its in-guest
// pid. A spawn failure leaves the task Exited with the sentinel code.
func (s *Sandbox) StartTask(ctx context.Context, id string) (int32, error) {
	s.mu.Lock()
	conn, err := s.connLocked()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	t := s.tasks[id]
	s.mu.Unlock()

	// A task unknown locally belongs to a reattached sandbox; the agent's
	// process table is authoritative there.
	var resp protocols.StartProcessResponse
	if err := conn.Request(ctx, protocols.TypeStartProcess, &protocols.StartProcessRequest{ID: id}, &resp); err != nil {
		if errors.Is(err, ErrConnectionLost) {
			if t != nil {
				t.setExited(exitCodeConnectionLost, time.Time{})
			}
			return 0, err
		}
		if t != nil {
			t.setExited(exitCodeSpawnFailure, time.Time{})
		}
		return 0, errors.Wrapf(ErrProcessSpawnFailure, "task %s: %v", id, err)
	}

	if t != nil {
		t.setRunning(resp.PID)
	}

	if id == s.id {
		s.mu.Lock()
		s.initStarted = true
		if err := s.persistLocked(); err != nil {
			s.logger.WithError(err).Warn("persist init start")
		}
		s.mu.Unlock()
	}

	return resp.PID, nil
}

// SignalProcess delivers a signal to a task. Signalling an Exited task is
// a no-op.
func (s *Sandbox) SignalProcess(ctx context.Context, id string, sig syscall.Signal, all bool) error {
	s.mu.Lock()
	conn, err := s.connLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t := s.tasks[id]
	s.mu.Unlock()

	// A task unknown locally (reattached sandbox) is still forwarded; the
	// agent's process table is authoritative there.
	if t != nil && t.State() == TaskExited {
		return nil
	}

	return conn.Request(ctx, protocols.TypeSignal, &protocols.SignalRequest{
		ID:     id,
		Signal: int32(sig),
		All:    all,
	}, nil)
}

// WinsizeProcess resizes the pty of a terminal task.
func (s *Sandbox) WinsizeProcess(ctx context.Context, id string, height, width uint16) error {
	s.mu.Lock()
	conn, err := s.connLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return conn.Request(ctx, protocols.TypeSignal, &protocols.SignalRequest{
		ID:     id,
		Signal: int32(unix.SIGWINCH),
		Height: height,
		Width:  width,
	}, nil)
}

// WaitProcess suspends the caller until the task's exit code is recorded,
// then returns it. Idempotent: repeated calls return the cached code.
func (s *Sandbox) WaitProcess(ctx context.Context, id string) (int32, error) {
	s.mu.Lock()
	t := s.tasks[id]
	conn := s.conn
	s.mu.Unlock()

	if t != nil {
		return t.Wait(ctx)
	}

	// Reattached sandbox: the task record lives only in the agent.
	if conn == nil {
		return 0, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	var resp protocols.WaitResponse
	if err := conn.Request(ctx, protocols.TypeWait, &protocols.WaitRequest{ID: id}, &resp); err != nil {
		return 0, err
	}
	return resp.ExitCode, nil
}

// IOStreams returns the stdio endpoints of a task: the stdin writer and
// the stdout/stderr readers. stderr is nil for terminal tasks.
func (s *Sandbox) IOStreams(id string) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tasks[id]
	if t == nil {
		return nil, nil, nil, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	if s.conn == nil {
		return nil, nil, nil, ErrConnectionLost
	}
	return s.conn.StreamWriter(t.stdinID), t.stdout, t.stderr, nil
}

// Task looks up a task by id.
func (s *Sandbox) Task(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if t == nil {
		return nil, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return t, nil
}

func (s *Sandbox) liveTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*Task
	for _, t := range s.tasks {
		if t.State() != TaskExited {
			live = append(live, t)
		}
	}
	return live
}

// exitDrainTimeout bounds how long Stop waits for in-flight exit events
// after the agent acknowledged its shutdown.
const exitDrainTimeout = 3 * time.Second

// drainTaskExits waits, bounded, for every live task's exit code to land.
func (s *Sandbox) drainTaskExits(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, exitDrainTimeout)
	defer cancel()
	for _, t := range s.liveTasks() {
		if _, err := t.Wait(dctx); err != nil {
			s.logger.WithField("task", t.ID).Warn("task exit event not delivered in time")
			return
		}
	}
}

// Stop tears the sandbox down: agent shutdown with a grace period, then
// hypervisor teardown. Every step is attempted; failures are aggregated.
func (s *Sandbox) Stop(ctx context.Context, force bool) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateFailed:
		s.mu.Unlock()
		return nil
	case StateCreated:
		err := s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return err
	}
	s.stopping = true
	conn := s.conn
	if err := s.setStateLocked(StateStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var result *multierror.Error

	grace := s.config.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}

	// Even a forced stop asks the agent to shut down first so tasks get
	// signalled and the grace period; force only changes how the VM is
	// stopped and whether agent errors are tolerated.
	if conn != nil {
		sctx, cancel := context.WithTimeout(ctx, grace+defaultShutdownGrace)
		err := conn.Request(sctx, protocols.TypeShutdown, &protocols.ShutdownRequest{Grace: grace}, nil)
		cancel()
		if err != nil && !force && !errors.Is(err, ErrConnectionLost) {
			result = multierror.Append(result, errors.Wrap(err, "agent shutdown"))
		}

		// The agent has terminated its tasks, but their exit events may
		// still be in flight. Let the monitor deliver the real codes
		// before the synthetic fallback below takes over.
		s.drainTaskExits(ctx)

		conn.Close()
	}

	if err := s.hypervisor.StopVM(ctx, force); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop VM"))
	}

	s.mu.Lock()
	// Teardown resolves every remaining waiter.
	for _, t := range s.tasks {
		t.setExited(exitCodeConnectionLost, time.Time{})
		t.closeStreams()
	}
	err := s.setStateLocked(StateStopped)
	s.mu.Unlock()
	if err != nil {
		result = multierror.Append(result, err)
	}

	s.logger.Info("sandbox stopped")
	return result.ErrorOrNil()
}

// Delete releases the sandbox record. Valid only once every task has
// exited, unless force is set, in which case the sandbox is stopped first
// (signalling tasks and waiting out the grace period). It never releases
// state while live tasks remain.
func (s *Sandbox) Delete(ctx context.Context, force bool) error {
	if live := s.liveTasks(); len(live) > 0 {
		if !force {
			return errors.Wrapf(ErrSandboxBusy, "sandbox %s has %d live tasks", s.id, len(live))
		}
	}

	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()

	if !terminal {
		if err := s.Stop(ctx, force); err != nil && !force {
			return err
		}
	}

	if err := s.store.Delete(s.id); err != nil {
		return err
	}

	s.mu.Lock()
	// Deleting the sandbox invalidates all its tasks.
	s.tasks = make(map[string]*Task)
	s.mu.Unlock()

	s.logger.Info("sandbox deleted")
	return nil
}

// allocateCID picks a random guest CID outside the reserved range. The
// kernel rejects a collision with a running VM at boot, which surfaces as
// a boot failure rather than silent cross-talk.
func allocateCID() uint64 {
	return uint64(rand.Int31n(1<<30-3)) + 3
}
