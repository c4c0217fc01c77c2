// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/urfave/cli"

	"github.com/retrage/akari/pkg/oci"
)

var specCLICommand = cli.Command{
	Name:  "spec",
	Usage: "create a new specification file",
	Description: `The spec command creates the new specification file named "` + specConfig + `"
for the bundle.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "bundle, b",
			Value: "",
			Usage: "path to the root of the bundle directory",
		},
	},
	Action: func(c *cli.Context) error {
		bundlePath := c.String("bundle")
		if bundlePath == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			bundlePath = cwd
		}

		configPath := filepath.Join(bundlePath, specConfig)
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("file %s exists, remove it first to overwrite", configPath)
		}

		data, err := json.MarshalIndent(defaultSpec(), "", "\t")
		if err != nil {
			return err
		}
		return os.WriteFile(configPath, data, 0o644)
	},
}

// defaultSpec is the scaffold emitted by the spec command: a terminal
// shell in a read-only rootfs, to be edited by the user.
func defaultSpec() *specs.Spec {
	return &specs.Spec{
		Version: oci.StateVersion,
		Process: &specs.Process{
			Terminal: true,
			User:     specs.User{},
			Args: []string{
				"sh",
			},
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"TERM=xterm",
			},
			Cwd: "/",
		},
		Root: &specs.Root{
			Path:     "rootfs",
			Readonly: true,
		},
		Hostname: "akari",
	}
}
