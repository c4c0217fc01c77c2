// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"time"

	"github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// container tracks one external task handle: the init task of a sandbox
// plus its exec processes. It is the shim-side half of the handle map; the
// sandbox/task ids on the controller side share the same identifiers.
type container struct {
	s *service

	id     string
	bundle string

	ociSpec *specs.Spec

	stdin    string
	stdout   string
	stderr   string
	terminal bool

	ttyio       *ttyIO
	stdinCloser chan struct{}

	execs map[string]*execProcess

	status   task.Status
	exit     uint32
	exitTime time.Time

	exitIOch chan struct{}
	exitCh   chan uint32

	mounted bool
}

func newContainer(s *service, id, bundle string, ociSpec *specs.Spec, stdin, stdout, stderr string, terminal bool) *container {
	return &container{
		s:           s,
		id:          id,
		bundle:      bundle,
		ociSpec:     ociSpec,
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
		terminal:    terminal,
		execs:       make(map[string]*execProcess),
		status:      task.StatusCreated,
		exitIOch:    make(chan struct{}),
		exitCh:      make(chan uint32, 1),
		stdinCloser: make(chan struct{}),
	}
}

func (c *container) getExec(id string) (*execProcess, error) {
	if c.execs == nil {
		return nil, errdefs.ToGRPCf(errdefs.ErrNotFound, "exec does not exist %s", id)
	}

	execs := c.execs[id]
	if execs == nil {
		return nil, errdefs.ToGRPCf(errdefs.ErrNotFound, "exec does not exist %s", id)
	}

	return execs, nil
}
