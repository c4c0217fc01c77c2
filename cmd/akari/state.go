// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli"

	"github.com/retrage/akari/pkg/oci"
	"github.com/retrage/akari/sandbox"
)

var stateCLICommand = cli.Command{
	Name:  "state",
	Usage: "output the state of a container",
	ArgsUsage: `<container-id>

   <container-id> is your name for the instance of the container`,
	Description: `The state command outputs current state information for the
instance of a container.`,
	Action: func(c *cli.Context) error {
		ctx, err := cliContextToContext(c)
		if err != nil {
			return err
		}

		args := c.Args()
		if len(args) != 1 {
			return fmt.Errorf("expecting one container ID, got %d: %v", len(args), []string(args))
		}

		return state(ctx, args.First())
	},
}

func state(ctx context.Context, containerID string) error {
	akariLog = akariLog.WithField("container", containerID)

	sb, err := sandbox.FetchSandbox(ctx, rootDir, containerID)
	if err != nil {
		return err
	}

	status := sb.Status()
	st := oci.NewState(containerID, ociStatus(status), status.PID, status.Bundle)

	stateJSON, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	// Print stateJSON to stdout
	fmt.Fprintf(defaultOutputFile, "%s", stateJSON)

	return nil
}

// ociStatus maps the sandbox snapshot to the OCI container status: a
// booted sandbox whose init process has not been started yet is still
// "created" from the caller's point of view.
func ociStatus(status sandbox.SandboxStatus) string {
	if status.State == sandbox.StateRunning && !status.InitStarted {
		return "created"
	}
	return status.State.OCIState()
}
