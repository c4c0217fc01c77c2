// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		KernelPath: "/usr/share/akari/vmlinux",
		NumVCPUs:   1,
		MemorySize: 2048,
	}
}

func TestConfigValid(t *testing.T) {
	assert := assert.New(t)

	type testData struct {
		mutate func(*Config)
		valid  bool
	}

	data := []testData{
		{func(*Config) {}, true},
		{func(c *Config) { c.KernelPath = "" }, false},
		{func(c *Config) { c.NumVCPUs = 0 }, false},
		{func(c *Config) { c.MemorySize = 0 }, false},
	}

	for i, d := range data {
		c := validConfig()
		d.mutate(c)
		err := c.Valid()
		if d.valid {
			assert.NoError(err, "test %d", i)
		} else {
			assert.Error(err, "test %d", i)
		}
	}
}

func TestDeviceValid(t *testing.T) {
	assert := assert.New(t)

	type testData struct {
		dev   Device
		valid bool
	}

	data := []testData{
		{VSockDevice{ContextID: 3, Port: 1024}, true},
		{VSockDevice{ContextID: 2, Port: 1024}, false},
		{VSockDevice{ContextID: 3, Port: 0}, false},
		{BlockDevice{Path: "/tmp/rootfs.img"}, true},
		{BlockDevice{}, false},
		{ShareDevice{HostPath: "/tmp/share", MountTag: "shared"}, true},
		{ShareDevice{HostPath: "/tmp/share"}, false},
		{ShareDevice{MountTag: "shared"}, false},
		{ConsoleDevice{SocketPath: "/tmp/console.sock"}, true},
		{ConsoleDevice{}, false},
		{NetDevice{TapName: "tap0"}, true},
		{NetDevice{}, false},
	}

	for i, d := range data {
		err := d.dev.Valid()
		if d.valid {
			assert.NoError(err, "test %d", i)
		} else {
			assert.Error(err, "test %d", i)
		}
	}
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	h, err := New(QemuHypervisor)
	assert.NoError(err)
	assert.IsType(&qemu{}, h)

	h, err = New(MockHypervisor)
	assert.NoError(err)
	assert.IsType(&mock{}, h)

	_, err = New("acrn")
	assert.Error(err)
}

func TestMockLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	h, err := New(MockHypervisor)
	assert.NoError(err)

	assert.Error(h.CreateVM(ctx, "sb", &Config{}))
	assert.NoError(h.CreateVM(ctx, "sb", validConfig()))

	assert.Error(h.AddDevice(ctx, VSockDevice{}))
	assert.NoError(h.AddDevice(ctx, VSockDevice{ContextID: 3, Port: 1024}))

	assert.NoError(h.StartVM(ctx, time.Second))
	assert.NotZero(h.Pid())

	assert.NoError(h.StopVM(ctx, false))
	select {
	case err := <-h.WaitVM():
		assert.NoError(err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for VM exit")
	}

	// StopVM is idempotent.
	assert.NoError(h.StopVM(ctx, false))
}
