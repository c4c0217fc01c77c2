// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"context"

	"github.com/containerd/containerd/api/types/task"
	"github.com/pkg/errors"

	"github.com/retrage/akari/pkg/oci"
)

func startContainer(ctx context.Context, s *service, c *container) error {
	if s.sandbox == nil {
		return errors.Errorf("BUG: the sandbox hasn't been created for container %s", c.id)
	}

	if err := s.sandbox.Start(ctx); err != nil {
		return err
	}
	s.hpid = uint32(s.sandbox.Status().PID)

	spec := oci.ProcessSpec(c.ociSpec.Process)
	if _, err := s.sandbox.CreateTask(ctx, c.id, spec); err != nil {
		return err
	}

	stdin, stdout, stderr, err := s.sandbox.IOStreams(c.id)
	if err != nil {
		return err
	}

	if c.stdin != "" || c.stdout != "" || c.stderr != "" {
		tty, err := newTtyIO(ctx, c.stdin, c.stdout, c.stderr, c.terminal)
		if err != nil {
			return err
		}
		c.ttyio = tty
		go ioCopy(c.exitIOch, c.stdinCloser, tty, stdin, stdout, stderr)
	} else {
		// close the io exit channel, since there is no io for this
		// container, otherwise the wait goroutine hangs on it. Same for
		// the stdin closer channel.
		close(c.exitIOch)
		close(c.stdinCloser)
	}

	if _, err := s.sandbox.StartTask(ctx, c.id); err != nil {
		return err
	}

	c.status = task.StatusRunning

	go wait(s, c, "")

	return nil
}

func startExec(ctx context.Context, s *service, c *container, execID string) error {
	execs, err := c.getExec(execID)
	if err != nil {
		return err
	}

	if _, err := s.sandbox.CreateTask(ctx, execs.id, execs.spec); err != nil {
		return err
	}

	stdin, stdout, stderr, err := s.sandbox.IOStreams(execs.id)
	if err != nil {
		return err
	}

	tty, err := newTtyIO(ctx, execs.tty.stdin, execs.tty.stdout, execs.tty.stderr, execs.tty.terminal)
	if err != nil {
		return err
	}
	execs.ttyio = tty
	go ioCopy(execs.exitIOch, execs.stdinCloser, tty, stdin, stdout, stderr)

	if _, err := s.sandbox.StartTask(ctx, execs.id); err != nil {
		return err
	}

	execs.status = task.StatusRunning

	if execs.tty.height != 0 && execs.tty.width != 0 {
		if err := s.sandbox.WinsizeProcess(ctx, execs.id, uint16(execs.tty.height), uint16(execs.tty.width)); err != nil {
			return err
		}
	}

	go wait(s, c, execID)

	return nil
}
