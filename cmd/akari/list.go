// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/retrage/akari/sandbox"
)

var listCLICommand = cli.Command{
	Name:  "list",
	Usage: "lists containers started with the given root",
	Description: `The list command lists every container known to the runtime root,
one line per container.`,
	Action: func(c *cli.Context) error {
		ctx, err := cliContextToContext(c)
		if err != nil {
			return err
		}

		return list(ctx)
	},
}

func list(ctx context.Context) error {
	statuses, err := sandbox.ListSandboxes(ctx, rootDir)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "ID\tPID\tSTATUS\tBUNDLE\tCREATED\n")
	for _, status := range statuses {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			status.ID,
			status.PID,
			ociStatus(status),
			status.Bundle,
			status.CreatedAt.Format(time.RFC3339Nano))
	}

	return w.Flush()
}
