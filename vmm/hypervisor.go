// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// HypervisorType names a hypervisor implementation.
type HypervisorType string

const (
	// QemuHypervisor is the QEMU/KVM implementation.
	QemuHypervisor HypervisorType = "qemu"

	// MockHypervisor is a no-op implementation for testing.
	MockHypervisor HypervisorType = "mock"
)

// vmmLog is the logger for the vmm package.
var vmmLog = logrus.WithField("source", "vmm")

// SetLogger sets the base logger for the package.
func SetLogger(logger *logrus.Entry) {
	vmmLog = logger.WithField("source", "vmm")
}

// Config is the static VM configuration, fixed before boot.
type Config struct {
	// HypervisorPath is the path to the hypervisor binary.
	HypervisorPath string

	// KernelPath is the guest kernel image path.
	KernelPath string

	// InitrdPath is the guest initrd image path, holding the agent.
	InitrdPath string

	// KernelParams is appended to the guest kernel command line.
	KernelParams string

	// NumVCPUs is the number of virtual CPUs.
	NumVCPUs uint32

	// MemorySize is the guest memory in MiB.
	MemorySize uint32

	// Debug keeps the hypervisor's own output attached for debugging.
	Debug bool
}

// Valid checks that the configuration is bootable.
func (c *Config) Valid() error {
	if c.KernelPath == "" {
		return errors.New("guest kernel path is empty")
	}
	if c.NumVCPUs == 0 {
		return errors.New("VM needs at least one vCPU")
	}
	if c.MemorySize == 0 {
		return errors.New("VM memory size is zero")
	}
	return nil
}

// Capabilities advertises what a hypervisor implementation supports.
type Capabilities struct {
	BlockDeviceSupport bool
	FsSharingSupport   bool
	NetworkSupport     bool
}

// Device is a guest device attached before boot.
type Device interface {
	// Valid checks the device parameters.
	Valid() error
}

// VSockDevice is the host-guest virtual socket.
type VSockDevice struct {
	// ContextID is the guest CID, unique per running VM on the host.
	ContextID uint64
	// Port is the guest port the agent listens on.
	Port uint32
}

func (d VSockDevice) Valid() error {
	// CIDs below 3 are reserved for the hypervisor and the host.
	if d.ContextID < 3 {
		return errors.Errorf("vsock context id %d is reserved", d.ContextID)
	}
	if d.Port == 0 {
		return errors.New("vsock port is zero")
	}
	return nil
}

// BlockDevice exposes a host image to the guest as a virtio block device.
type BlockDevice struct {
	Path     string
	ReadOnly bool
}

func (d BlockDevice) Valid() error {
	if d.Path == "" {
		return errors.New("block device path is empty")
	}
	return nil
}

// ShareDevice exposes a host directory to the guest by mount tag.
type ShareDevice struct {
	HostPath string
	MountTag string
}

func (d ShareDevice) Valid() error {
	if d.HostPath == "" || d.MountTag == "" {
		return errors.New("share device needs a host path and a mount tag")
	}
	return nil
}

// ConsoleDevice is the guest serial console, backed by a host unix socket.
type ConsoleDevice struct {
	SocketPath string
}

func (d ConsoleDevice) Valid() error {
	if d.SocketPath == "" {
		return errors.New("console socket path is empty")
	}
	return nil
}

// NetDevice attaches a host tap interface to the guest.
type NetDevice struct {
	TapName string
	MACAddr string
}

func (d NetDevice) Valid() error {
	if d.TapName == "" {
		return errors.New("tap name is empty")
	}
	return nil
}

// Hypervisor hides the platform virtualization primitives behind a narrow
// capability surface so the lifecycle core can run against a fake backend.
//
// The call sequence is CreateVM, AddDevice*, StartVM; WaitVM observes the
// VM process for its whole lifetime; StopVM is valid from any point after
// CreateVM and is idempotent.
type Hypervisor interface {
	CreateVM(ctx context.Context, id string, config *Config) error
	AddDevice(ctx context.Context, dev Device) error
	StartVM(ctx context.Context, timeout time.Duration) error

	// WaitVM returns a channel that receives exactly one value when the
	// VM process exits: nil for a clean exit, the failure otherwise.
	WaitVM() <-chan error

	StopVM(ctx context.Context, force bool) error
	Pid() int
	Capabilities(ctx context.Context) Capabilities
}

// New returns a fresh hypervisor handle of the given type.
func New(hType HypervisorType) (Hypervisor, error) {
	switch hType {
	case QemuHypervisor:
		return &qemu{}, nil
	case MockHypervisor:
		return &mock{}, nil
	default:
		return nil, errors.Errorf("unknown hypervisor type %q", hType)
	}
}
