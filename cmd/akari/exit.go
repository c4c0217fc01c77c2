// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/retrage/akari/sandbox"
)

// Exit codes per error class, so scripted callers can tell a rejected
// configuration from an unreachable sandbox.
const (
	exitFailure      = 1
	exitSpecInvalid  = 2
	exitBoot         = 3
	exitConnLost     = 4
	exitNotFound     = 5
	exitInvalidState = 6
	exitBusy         = 7
	exitUnsupported  = 8
)

var atexitFuncs []func()

var exitFunc = os.Exit

// atexit registers a function f that will be run when exit is called. The
// handlers so registered will be called in reverse order of their
// registration.
func atexit(f func()) {
	atexitFuncs = append(atexitFuncs, f)
}

// exit calls all atexit handlers before exiting the process with status.
func exit(status int) {
	for i := len(atexitFuncs) - 1; i >= 0; i-- {
		f := atexitFuncs[i]
		f()
	}
	exitFunc(status)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrSpecInvalid):
		return exitSpecInvalid
	case errors.Is(err, sandbox.ErrBootTimeout), errors.Is(err, sandbox.ErrBootFailure):
		return exitBoot
	case errors.Is(err, sandbox.ErrConnectionLost):
		return exitConnLost
	case errors.Is(err, sandbox.ErrNotFound):
		return exitNotFound
	case errors.Is(err, sandbox.ErrInvalidState), errors.Is(err, sandbox.ErrNotRunning):
		return exitInvalidState
	case errors.Is(err, sandbox.ErrSandboxBusy):
		return exitBusy
	case errors.Is(err, sandbox.ErrUnsupported):
		return exitUnsupported
	}
	return exitFailure
}

// fatal prints the error's details exits the program.
func fatal(err error) {
	akariLog.Error(err)
	fmt.Fprintln(os.Stderr, err)
	exit(exitCodeFor(err))
}
