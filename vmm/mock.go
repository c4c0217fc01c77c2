// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"os"
	"sync"
	"time"
)

// mock is a hypervisor that boots nothing. The lifecycle controller and its
// tests run against it with an in-process agent standing in for the guest.
type mock struct {
	mu      sync.Mutex
	created bool
	started bool
	devices []Device
	waitCh  chan error
}

func (m *mock) CreateVM(ctx context.Context, id string, config *Config) error {
	if err := config.Valid(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = true
	m.waitCh = make(chan error, 1)
	return nil
}

func (m *mock) AddDevice(ctx context.Context, dev Device) error {
	if err := dev.Valid(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, dev)
	return nil
}

func (m *mock) StartVM(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *mock) WaitVM() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitCh
}

func (m *mock) StopVM(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.started = false
		m.waitCh <- nil
	}
	return nil
}

func (m *mock) Pid() int {
	return os.Getpid()
}

func (m *mock) Capabilities(ctx context.Context) Capabilities {
	return Capabilities{}
}
