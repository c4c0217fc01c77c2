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

var deleteCLICommand = cli.Command{
	Name:  "delete",
	Usage: "delete any resources held by one or more containers",
	ArgsUsage: `<container-id> [container-id...]

   <container-id> is the name for the instance of the container`,
	Description: `The delete command shuts down the sandbox virtual machine (if still
running) and removes the persisted sandbox state.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "force, f",
			Usage: "forcibly delete the container if it is still running",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, err := cliContextToContext(c)
		if err != nil {
			return err
		}

		args := c.Args()
		if len(args) < 1 {
			return fmt.Errorf("missing container ID, should provide one")
		}

		force := c.Bool("force")
		for _, cID := range []string(args) {
			if err := remove(ctx, cID, force); err != nil {
				return err
			}
		}

		return nil
	},
}

func remove(ctx context.Context, containerID string, force bool) error {
	akariLog = akariLog.WithField("container", containerID)

	sb, err := sandbox.FetchSandbox(ctx, rootDir, containerID)
	if err != nil {
		return err
	}

	status := sb.Status()
	if status.State == sandbox.StateRunning && status.InitStarted && !force {
		return errors.Wrapf(sandbox.ErrSandboxBusy, "container %s is running", containerID)
	}

	if err := sb.Delete(ctx, force); err != nil {
		return err
	}

	akariLog.Info("container deleted")
	return nil
}
