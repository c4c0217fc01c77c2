// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/retrage/akari/pkg/oci"
	"github.com/retrage/akari/sandbox"
)

// annotationRootfsImage selects a block-device rootfs image instead of
// sharing the bundle rootfs directory.
const annotationRootfsImage = "dev.akari.rootfs_image"

var createCLICommand = cli.Command{
	Name:  "create",
	Usage: "create a container",
	ArgsUsage: `<container-id>

   <container-id> is your name for the instance of the container that you
   are starting. The name you provide for the container instance must be
   unique on your host.`,
	Description: `The create command boots a new sandbox virtual machine for the
container described by the bundle's ` + specConfig + `. The container process is
spawned by a subsequent invocation of the start command.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "bundle, b",
			Value: "",
			Usage: `path to the root of the bundle directory, defaults to the current directory`,
		},
		cli.StringFlag{
			Name:  "pid-file",
			Value: "",
			Usage: "specify the file to write the sandbox VM process id to",
		},
		cli.StringFlag{
			Name:  "console-socket",
			Value: "",
			Usage: "path to an AF_UNIX socket which will receive a file descriptor referencing the master end of the console's pseudoterminal",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, err := cliContextToContext(c)
		if err != nil {
			return err
		}

		args := c.Args()
		if len(args) != 1 {
			return fmt.Errorf("expecting one container ID, got %d: %v", len(args), []string(args))
		}

		return create(ctx, args.First(), c.String("bundle"), c.String("pid-file"), c.String("console-socket"))
	},
}

func create(ctx context.Context, containerID, bundlePath, pidFilePath, consoleSocket string) error {
	akariLog = akariLog.WithField("container", containerID)

	if bundlePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		bundlePath = cwd
	}
	bundlePath, err := filepath.Abs(bundlePath)
	if err != nil {
		return err
	}

	ociSpec, err := oci.ParseConfigJSON(bundlePath)
	if err != nil {
		return errors.Wrapf(sandbox.ErrSpecInvalid, "%s: %v", specConfig, err)
	}
	if err := oci.ValidateSpec(&ociSpec); err != nil {
		return err
	}

	runtimeConfig, err := loadRuntimeConfig()
	if err != nil {
		return err
	}

	sconfig := &sandbox.SandboxConfig{
		ID:             containerID,
		BundlePath:     bundlePath,
		HypervisorType: runtimeConfig.HypervisorType,
		VMConfig:       runtimeConfig.VMConfig,
		RootfsImage:    ociSpec.Annotations[annotationRootfsImage],
		ConsoleSocket:  consoleSocket,
		BootTimeout:    runtimeConfig.BootTimeout,
		ShutdownGrace:  runtimeConfig.ShutdownGrace,
	}

	sb, err := sandbox.CreateSandbox(ctx, rootDir, sconfig)
	if err != nil {
		return err
	}

	// Boot the VM now so the container process can be spawned without
	// further delay by the start command. A boot error leaves the
	// sandbox record in place for inspection; delete removes it.
	if err := sb.Start(ctx); err != nil {
		return err
	}

	if _, err := sb.CreateTask(ctx, containerID, oci.ProcessSpec(ociSpec.Process)); err != nil {
		return err
	}

	if pidFilePath != "" {
		pid := strconv.Itoa(sb.Status().PID)
		if err := os.WriteFile(pidFilePath, []byte(pid), 0o644); err != nil {
			return err
		}
	}

	akariLog.Info("container created")
	return nil
}
