// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQemuAppendConfig(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{
		id: "sb",
		config: &Config{
			KernelPath:   "/usr/share/akari/vmlinux",
			InitrdPath:   "/usr/share/akari/initrd.img",
			KernelParams: "quiet",
			NumVCPUs:     2,
			MemorySize:   1024,
		},
	}

	args := strings.Join(q.appendConfig(nil), " ")
	assert.Contains(args, "-name sandbox-sb")
	assert.Contains(args, "-smp 2")
	assert.Contains(args, "-m 1024M")
	assert.Contains(args, "-kernel /usr/share/akari/vmlinux")
	assert.Contains(args, "-initrd /usr/share/akari/initrd.img")
	assert.Contains(args, "console=ttyS0 quiet")
	assert.Contains(args, "-nodefaults")
}

func TestQemuAppendConfigNoInitrd(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{
		id: "sb",
		config: &Config{
			KernelPath: "/usr/share/akari/vmlinux",
			NumVCPUs:   1,
			MemorySize: 2048,
		},
	}

	args := strings.Join(q.appendConfig(nil), " ")
	assert.NotContains(args, "-initrd")
}

func TestQemuAppendDevice(t *testing.T) {
	assert := assert.New(t)

	type testData struct {
		dev      Device
		expected string
	}

	data := []testData{
		{VSockDevice{ContextID: 5, Port: 1024}, "vhost-vsock-pci,guest-cid=5"},
		{BlockDevice{Path: "/tmp/rootfs.img"}, "file=/tmp/rootfs.img,format=raw,if=virtio,cache=none"},
		{BlockDevice{Path: "/tmp/rootfs.img", ReadOnly: true}, "readonly=on"},
		{ShareDevice{HostPath: "/tmp/share", MountTag: "shared"}, "local,path=/tmp/share,mount_tag=shared"},
		{ConsoleDevice{SocketPath: "/tmp/console.sock"}, "socket,id=console0,path=/tmp/console.sock"},
		{NetDevice{TapName: "tap0", MACAddr: "02:00:00:00:00:01"}, "mac=02:00:00:00:00:01"},
	}

	q := &qemu{id: "sb"}
	for i, d := range data {
		args, err := q.appendDevice(nil, d.dev)
		assert.NoError(err, "test %d", i)
		assert.Contains(strings.Join(args, " "), d.expected, "test %d", i)
	}
}

type fakeDevice struct{}

func (fakeDevice) Valid() error { return nil }

func TestQemuAppendDeviceUnsupported(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{id: "sb"}
	_, err := q.appendDevice(nil, fakeDevice{})
	assert.Error(err)
}

func TestQemuStartBeforeCreate(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{}
	assert.Error(q.StartVM(context.Background(), time.Second))
}

func TestQemuStopBeforeStart(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{}
	assert.NoError(q.CreateVM(context.Background(), "sb", validConfig()))
	assert.NoError(q.StopVM(context.Background(), false))
	assert.Zero(q.Pid())
}
