// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"context"
	"io"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/retrage/akari/persist"
	"github.com/retrage/akari/protocols"
	"github.com/retrage/akari/vmm"
)

// VCSandbox is the controller surface the shim and the CLI depend on.
// *Sandbox implements it; tests substitute a mock.
type VCSandbox interface {
	ID() string
	Status() SandboxStatus

	Start(ctx context.Context) error
	Stop(ctx context.Context, force bool) error
	Delete(ctx context.Context, force bool) error

	CreateTask(ctx context.Context, id string, spec *protocols.ProcessSpec) (*Task, error)
	StartTask(ctx context.Context, id string) (int32, error)
	SignalProcess(ctx context.Context, id string, sig syscall.Signal, all bool) error
	WinsizeProcess(ctx context.Context, id string, height, width uint16) error
	WaitProcess(ctx context.Context, id string) (int32, error)
	IOStreams(id string) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error)
	Task(id string) (*Task, error)
}

// CreateSandbox validates the configuration and allocates the sandbox
// record in Created. No VM is started; a malformed config fails with
// ErrSpecInvalid and no side effects.
func CreateSandbox(ctx context.Context, root string, config *SandboxConfig) (*Sandbox, error) {
	if err := config.valid(); err != nil {
		return nil, err
	}

	store, err := persist.NewStore(root)
	if err != nil {
		return nil, err
	}
	if store.Exists(config.ID) {
		return nil, errors.Errorf("sandbox %s already exists", config.ID)
	}

	hType := config.HypervisorType
	if hType == "" {
		hType = vmm.QemuHypervisor
	}
	hypervisor, err := vmm.New(hType)
	if err != nil {
		return nil, err
	}
	if err := hypervisor.CreateVM(ctx, config.ID, &config.VMConfig); err != nil {
		return nil, errors.Wrapf(ErrSpecInvalid, "create VM: %v", err)
	}

	s := &Sandbox{
		id:         config.ID,
		state:      StateCreated,
		config:     config,
		hypervisor: hypervisor,
		tasks:      make(map[string]*Task),
		store:      store,
		guestCID:   allocateCID(),
		createdAt:  time.Now(),
		logger:     virtLog.WithField("sandbox", config.ID),
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}

	s.logger.WithField("bundle", config.BundlePath).Info("sandbox created")
	return s, nil
}

// FetchSandbox reattaches to a sandbox persisted by an earlier invocation.
// The hypervisor handle is reconstructed from the recorded VM process id;
// the agent connection is re-established on demand for task operations.
func FetchSandbox(ctx context.Context, root, id string) (*Sandbox, error) {
	store, err := persist.NewStore(root)
	if err != nil {
		return nil, err
	}

	r, err := store.Load(id)
	if err != nil {
		if errors.Is(err, persist.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "sandbox %s", id)
		}
		return nil, err
	}

	s := &Sandbox{
		id:          r.ID,
		state:       StateString(r.State),
		config:      &SandboxConfig{ID: r.ID, BundlePath: r.BundlePath},
		hypervisor:  vmm.Attach(r.HypervisorPID),
		tasks:       make(map[string]*Task),
		store:       store,
		guestCID:    r.GuestCID,
		createdAt:   r.CreatedAt,
		initStarted: r.InitStarted,
		logger:      virtLog.WithField("sandbox", r.ID),
	}

	if s.state == StateRunning {
		if err := s.reconnect(ctx, r); err != nil {
			s.logger.WithError(err).Warn("agent unreachable, marking sandbox failed")
			s.markFailed(err)
		}
	}
	return s, nil
}

// reconnect dials the persisted vsock coordinates and redoes the
// handshake; the agent serves one active connection at a time.
func (s *Sandbox) reconnect(ctx context.Context, r *persist.Record) error {
	ctx, cancel := context.WithTimeout(ctx, defaultBootTimeout)
	defer cancel()

	nc, err := s.dialAgent(ctx)
	if err != nil {
		return err
	}
	conn := protocols.NewConn(nc, nil, s.logger)
	if err := s.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.monitorOnce.Do(func() { go s.monitor() })
	return nil
}

// ListSandboxes returns the status of every persisted sandbox under root.
func ListSandboxes(ctx context.Context, root string) ([]SandboxStatus, error) {
	store, err := persist.NewStore(root)
	if err != nil {
		return nil, err
	}
	ids, err := store.List()
	if err != nil {
		return nil, err
	}

	var statuses []SandboxStatus
	for _, id := range ids {
		r, err := store.Load(id)
		if err != nil {
			logrus.WithError(err).WithField("sandbox", id).Warn("skipping unreadable record")
			continue
		}
		statuses = append(statuses, SandboxStatus{
			ID:          r.ID,
			State:       StateString(r.State),
			PID:         r.HypervisorPID,
			Bundle:      r.BundlePath,
			InitStarted: r.InitStarted,
			CreatedAt:   r.CreatedAt,
		})
	}
	return statuses, nil
}
