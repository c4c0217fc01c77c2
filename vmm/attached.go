// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// attached is a handle to a VM process started by an earlier runtime
// invocation, reconstructed from the persisted sandbox record. It can only
// observe and stop the process; configuration happened in the original
// invocation.
type attached struct {
	pid    int
	waitCh chan error
}

// Attach returns a hypervisor handle for an already running VM process.
func Attach(pid int) Hypervisor {
	a := &attached{
		pid:    pid,
		waitCh: make(chan error, 1),
	}
	go a.watch()
	return a
}

// watch polls the process since it is not our child and cannot be waited on.
func (a *attached) watch() {
	for {
		if err := unix.Kill(a.pid, 0); err != nil {
			a.waitCh <- nil
			return
		}
		time.Sleep(time.Second)
	}
}

func (a *attached) CreateVM(ctx context.Context, id string, config *Config) error {
	return errors.New("cannot create a VM through an attached handle")
}

func (a *attached) AddDevice(ctx context.Context, dev Device) error {
	return errors.New("cannot attach devices through an attached handle")
}

func (a *attached) StartVM(ctx context.Context, timeout time.Duration) error {
	return errors.New("cannot start a VM through an attached handle")
}

func (a *attached) WaitVM() <-chan error {
	return a.waitCh
}

func (a *attached) StopVM(ctx context.Context, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(a.pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.Wrapf(err, "signal VM process %d", a.pid)
	}
	return nil
}

func (a *attached) Pid() int {
	return a.pid
}

func (a *attached) Capabilities(ctx context.Context) Capabilities {
	return Capabilities{}
}
