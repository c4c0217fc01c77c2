// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"syscall"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/retrage/akari/pkg/oci"
	"github.com/retrage/akari/sandbox"
)

// toGRPC maps controller errors to grpc status codes, using the original
// error message as the description.
func toGRPC(err error) error {
	if err == nil {
		return nil
	}

	if isGRPCError(err) {
		// error has already been mapped to grpc
		return err
	}

	switch {
	case isInvalidArgument(err):
		return status.Errorf(codes.InvalidArgument, err.Error())
	case isNotFound(err):
		return status.Errorf(codes.NotFound, err.Error())
	case isFailedPrecondition(err):
		return status.Errorf(codes.FailedPrecondition, err.Error())
	case isUnavailable(err):
		return status.Errorf(codes.Unavailable, err.Error())
	case isUnsupported(err):
		return status.Errorf(codes.Unimplemented, err.Error())
	}

	return err
}

// toGRPCf wraps the error with extra context before mapping it.
func toGRPCf(err error, format string, args ...interface{}) error {
	return toGRPC(errors.Wrapf(err, format, args...))
}

func isGRPCError(err error) bool {
	_, ok := status.FromError(err)
	return ok
}

func isInvalidArgument(err error) bool {
	return errors.Is(err, sandbox.ErrSpecInvalid) ||
		errors.Is(err, oci.ErrSpecInvalid) ||
		errors.Is(err, syscall.EINVAL)
}

func isNotFound(err error) bool {
	return errors.Is(err, sandbox.ErrNotFound) || errors.Is(err, syscall.ENOENT)
}

func isFailedPrecondition(err error) bool {
	return errors.Is(err, sandbox.ErrNotRunning) ||
		errors.Is(err, sandbox.ErrInvalidState) ||
		errors.Is(err, sandbox.ErrSandboxBusy)
}

func isUnavailable(err error) bool {
	return errors.Is(err, sandbox.ErrConnectionLost) ||
		errors.Is(err, sandbox.ErrBootTimeout) ||
		errors.Is(err, sandbox.ErrBootFailure)
}

func isUnsupported(err error) bool {
	return errors.Is(err, sandbox.ErrUnsupported)
}

func isGRPCErrorCode(code codes.Code, err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	return s != nil && s.Code() == code
}
