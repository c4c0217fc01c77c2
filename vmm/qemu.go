// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultQemuPath    = "qemu-system-x86_64"
	defaultQemuMachine = "q35,accel=kvm"

	// stopGracePeriod is how long StopVM waits after SIGTERM before it
	// sends SIGKILL to the VM process.
	stopGracePeriod = 5 * time.Second
)

// qemu drives a QEMU VM process. The command line is assembled from the
// configuration and the attached devices at StartVM time.
type qemu struct {
	mu sync.Mutex

	id      string
	config  *Config
	devices []Device

	cmd    *exec.Cmd
	waitCh chan error

	stopped bool
}

func (q *qemu) logger() *logrus.Entry {
	return vmmLog.WithFields(logrus.Fields{
		"subsystem": "qemu",
		"vm":        q.id,
	})
}

func (q *qemu) CreateVM(ctx context.Context, id string, config *Config) error {
	if err := config.Valid(); err != nil {
		return errors.Wrap(err, "invalid VM config")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.id = id
	q.config = config
	q.waitCh = make(chan error, 1)
	return nil
}

func (q *qemu) AddDevice(ctx context.Context, dev Device) error {
	if err := dev.Valid(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cmd != nil {
		return errors.New("cannot attach devices to a started VM")
	}
	q.devices = append(q.devices, dev)
	return nil
}

func (q *qemu) StartVM(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config == nil {
		return errors.New("StartVM called before CreateVM")
	}
	if q.cmd != nil {
		return errors.New("VM already started")
	}

	path := q.config.HypervisorPath
	if path == "" {
		path = defaultQemuPath
	}

	args := q.appendConfig(nil)
	for _, dev := range q.devices {
		var err error
		if args, err = q.appendDevice(args, dev); err != nil {
			return err
		}
	}

	q.logger().WithField("args", args).Debug("launching hypervisor")

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "launch hypervisor")
	}
	q.cmd = cmd

	go func() {
		err := cmd.Wait()
		if err != nil {
			q.logger().WithError(err).Info("VM process exited")
		}
		q.waitCh <- err
	}()

	return nil
}

func (q *qemu) appendConfig(args []string) []string {
	args = append(args, "-name", fmt.Sprintf("sandbox-%s", q.id))
	args = append(args, "-machine", defaultQemuMachine)
	args = append(args, "-cpu", "host")
	args = append(args, "-smp", fmt.Sprintf("%d", q.config.NumVCPUs))
	args = append(args, "-m", fmt.Sprintf("%dM", q.config.MemorySize))
	args = append(args, "-kernel", q.config.KernelPath)
	if q.config.InitrdPath != "" {
		args = append(args, "-initrd", q.config.InitrdPath)
	}

	params := "reboot=k panic=1 console=ttyS0"
	if q.config.KernelParams != "" {
		params = params + " " + q.config.KernelParams
	}
	args = append(args, "-append", params)

	args = append(args, "-nodefaults", "-nographic", "-no-user-config")
	return args
}

func (q *qemu) appendDevice(args []string, dev Device) ([]string, error) {
	switch d := dev.(type) {
	case VSockDevice:
		args = append(args, "-device",
			fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", d.ContextID))
	case BlockDevice:
		drive := fmt.Sprintf("file=%s,format=raw,if=virtio,cache=none", d.Path)
		if d.ReadOnly {
			drive += ",readonly=on"
		}
		args = append(args, "-drive", drive)
	case ShareDevice:
		args = append(args, "-virtfs",
			fmt.Sprintf("local,path=%s,mount_tag=%s,security_model=none", d.HostPath, d.MountTag))
	case ConsoleDevice:
		args = append(args, "-chardev",
			fmt.Sprintf("socket,id=console0,path=%s,server=on,wait=off", d.SocketPath))
		args = append(args, "-serial", "chardev:console0")
	case NetDevice:
		args = append(args, "-netdev",
			fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", d.TapName))
		nic := "virtio-net-pci,netdev=net0"
		if d.MACAddr != "" {
			nic += ",mac=" + d.MACAddr
		}
		args = append(args, "-device", nic)
	default:
		return nil, errors.Errorf("unsupported device type %T", dev)
	}
	return args, nil
}

func (q *qemu) WaitVM() <-chan error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitCh
}

func (q *qemu) StopVM(ctx context.Context, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cmd == nil || q.stopped {
		return nil
	}
	q.stopped = true

	pid := q.cmd.Process.Pid
	if force {
		return errors.Wrap(syscall.Kill(pid, syscall.SIGKILL), "kill VM process")
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "terminate VM process")
	}

	select {
	case <-q.waitCh:
		return nil
	case <-time.After(stopGracePeriod):
		q.logger().Warn("VM did not stop within grace period, killing it")
		return errors.Wrap(syscall.Kill(pid, syscall.SIGKILL), "kill VM process")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *qemu) Pid() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cmd == nil {
		return 0
	}
	return q.cmd.Process.Pid
}

func (q *qemu) Capabilities(ctx context.Context) Capabilities {
	return Capabilities{
		BlockDeviceSupport: true,
		FsSharingSupport:   true,
		NetworkSupport:     true,
	}
}
