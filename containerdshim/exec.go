// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"time"

	"github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/typeurl"
	googleProtobuf "github.com/gogo/protobuf/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/retrage/akari/pkg/oci"
	"github.com/retrage/akari/protocols"
)

// execProcess is an additional process running in the sandbox next to the
// init task. Its controller-side task id is the exec id.
type execProcess struct {
	container *container

	id   string
	spec *protocols.ProcessSpec

	tty   *tty
	ttyio *ttyIO

	exitCode int32
	exitTime time.Time

	status task.Status

	exitIOch chan struct{}
	exitCh   chan uint32

	stdinCloser chan struct{}
}

type tty struct {
	stdin    string
	stdout   string
	stderr   string
	height   uint32
	width    uint32
	terminal bool
}

func newExec(c *container, stdin, stdout, stderr string, terminal bool, jspec *googleProtobuf.Any) (*execProcess, error) {
	if jspec == nil {
		return nil, errdefs.ToGRPCf(errdefs.ErrInvalidArgument, "exec spec is nil")
	}

	v, err := typeurl.UnmarshalAny(jspec)
	if err != nil {
		return nil, err
	}
	procSpec, ok := v.(*specs.Process)
	if !ok {
		return nil, errdefs.ToGRPCf(errdefs.ErrInvalidArgument, "invalid exec spec type %T", v)
	}
	if len(procSpec.Args) == 0 {
		return nil, errdefs.ToGRPCf(errdefs.ErrInvalidArgument, "exec spec has no arguments")
	}

	var height, width uint32
	if procSpec.ConsoleSize != nil {
		height = uint32(procSpec.ConsoleSize.Height)
		width = uint32(procSpec.ConsoleSize.Width)
	}

	spec := oci.ProcessSpec(procSpec)
	spec.Terminal = terminal

	return &execProcess{
		container: c,
		spec:      spec,
		tty: &tty{
			stdin:    stdin,
			stdout:   stdout,
			stderr:   stderr,
			height:   height,
			width:    width,
			terminal: terminal,
		},
		exitCode:    exitCode255,
		status:      task.StatusCreated,
		exitIOch:    make(chan struct{}),
		exitCh:      make(chan uint32, 1),
		stdinCloser: make(chan struct{}),
	}, nil
}
