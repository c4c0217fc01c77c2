// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/retrage/akari/sandbox"
)

var startCLICommand = cli.Command{
	Name:  "start",
	Usage: "executes the user defined process in a created container",
	ArgsUsage: `<container-id>

   <container-id> is your name for the instance of the container that you
   are starting.`,
	Description: `The start command executes the user defined process in a created container.`,
	Action: func(c *cli.Context) error {
		ctx, err := cliContextToContext(c)
		if err != nil {
			return err
		}

		args := c.Args()
		if len(args) != 1 {
			return fmt.Errorf("expecting one container ID, got %d: %v", len(args), []string(args))
		}

		return start(ctx, args.First())
	},
}

func start(ctx context.Context, containerID string) error {
	akariLog = akariLog.WithField("container", containerID)

	sb, err := sandbox.FetchSandbox(ctx, rootDir, containerID)
	if err != nil {
		return err
	}

	status := sb.Status()
	if status.State != sandbox.StateRunning {
		return errors.Wrapf(sandbox.ErrInvalidState, "container %s is %s", containerID, status.State.OCIState())
	}
	if status.InitStarted {
		return errors.Wrapf(sandbox.ErrInvalidState, "container %s is already running", containerID)
	}

	if _, err := sb.StartTask(ctx, containerID); err != nil {
		return err
	}

	akariLog.Info("container started")
	return nil
}
