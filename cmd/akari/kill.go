// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/retrage/akari/sandbox"
)

var killCLICommand = cli.Command{
	Name:  "kill",
	Usage: "sends a signal to the container",
	ArgsUsage: `<container-id> [signal]

   <container-id> is the name for the instance of the container
   [signal] is the signal to be sent to the container (default: SIGTERM)`,
	Description: `The kill command sends the specified signal to the container's init
process. When the signal terminates the init process, the sandbox virtual
machine is shut down as well.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "all, a",
			Usage: "send the specified signal to all processes inside the container",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, err := cliContextToContext(c)
		if err != nil {
			return err
		}

		args := c.Args()
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("expecting a container ID and an optional signal, got %v", []string(args))
		}

		sigstr := args.Get(1)
		if sigstr == "" {
			sigstr = "SIGTERM"
		}

		return kill(ctx, args.First(), sigstr, c.Bool("all"))
	},
}

var signalList = map[string]syscall.Signal{
	"SIGABRT":   unix.SIGABRT,
	"SIGALRM":   unix.SIGALRM,
	"SIGBUS":    unix.SIGBUS,
	"SIGCHLD":   unix.SIGCHLD,
	"SIGCONT":   unix.SIGCONT,
	"SIGFPE":    unix.SIGFPE,
	"SIGHUP":    unix.SIGHUP,
	"SIGILL":    unix.SIGILL,
	"SIGINT":    unix.SIGINT,
	"SIGIO":     unix.SIGIO,
	"SIGIOT":    unix.SIGIOT,
	"SIGKILL":   unix.SIGKILL,
	"SIGPIPE":   unix.SIGPIPE,
	"SIGPROF":   unix.SIGPROF,
	"SIGQUIT":   unix.SIGQUIT,
	"SIGSEGV":   unix.SIGSEGV,
	"SIGSTOP":   unix.SIGSTOP,
	"SIGSYS":    unix.SIGSYS,
	"SIGTERM":   unix.SIGTERM,
	"SIGTRAP":   unix.SIGTRAP,
	"SIGTSTP":   unix.SIGTSTP,
	"SIGTTIN":   unix.SIGTTIN,
	"SIGTTOU":   unix.SIGTTOU,
	"SIGURG":    unix.SIGURG,
	"SIGUSR1":   unix.SIGUSR1,
	"SIGUSR2":   unix.SIGUSR2,
	"SIGVTALRM": unix.SIGVTALRM,
	"SIGWINCH":  unix.SIGWINCH,
	"SIGXCPU":   unix.SIGXCPU,
	"SIGXFSZ":   unix.SIGXFSZ,
}

func processSignal(sigstr string) (syscall.Signal, error) {
	signum, signumOk := signalList[sigstr]
	if signumOk {
		return signum, nil
	}

	// Support "TERM" as well as "SIGTERM".
	signum, signumOk = signalList["SIG"+sigstr]
	if signumOk {
		return signum, nil
	}

	// Accept a numeric signal as well.
	s, err := strconv.Atoi(sigstr)
	if err != nil {
		return 0, fmt.Errorf("failed to convert signal %s to int", sigstr)
	}
	signum = syscall.Signal(s)
	// Check whether signal is valid.
	if !strings.HasPrefix(unix.SignalName(signum), "SIG") {
		return 0, fmt.Errorf("signal %s is not valid", sigstr)
	}

	return signum, nil
}

func kill(ctx context.Context, containerID, sigstr string, all bool) error {
	akariLog = akariLog.WithField("container", containerID)

	signum, err := processSignal(sigstr)
	if err != nil {
		return errors.Wrapf(sandbox.ErrSpecInvalid, "%v", err)
	}

	sb, err := sandbox.FetchSandbox(ctx, rootDir, containerID)
	if err != nil {
		return err
	}

	status := sb.Status()
	if status.State.Terminal() {
		// Stopping signals on a terminated container are idempotent.
		if signum == unix.SIGKILL || signum == unix.SIGTERM {
			return nil
		}
		return errors.Wrapf(sandbox.ErrNotRunning, "container %s is %s", containerID, status.State.OCIState())
	}

	if err := sb.SignalProcess(ctx, containerID, signum, all); err != nil {
		return err
	}

	// A terminating signal to the init process takes the whole sandbox
	// down with it.
	if signum == unix.SIGKILL || signum == unix.SIGTERM {
		return sb.Stop(ctx, signum == unix.SIGKILL)
	}

	return nil
}
