// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/retrage/akari/pkg/oci"
	"github.com/retrage/akari/sandbox"
)

func TestToGRPC(t *testing.T) {
	assert := assert.New(t)

	type testData struct {
		err  error
		code codes.Code
	}

	data := []testData{
		{sandbox.ErrSpecInvalid, codes.InvalidArgument},
		{oci.ErrSpecInvalid, codes.InvalidArgument},
		{syscall.EINVAL, codes.InvalidArgument},
		{sandbox.ErrNotFound, codes.NotFound},
		{syscall.ENOENT, codes.NotFound},
		{sandbox.ErrNotRunning, codes.FailedPrecondition},
		{sandbox.ErrInvalidState, codes.FailedPrecondition},
		{sandbox.ErrSandboxBusy, codes.FailedPrecondition},
		{sandbox.ErrConnectionLost, codes.Unavailable},
		{sandbox.ErrBootTimeout, codes.Unavailable},
		{sandbox.ErrBootFailure, codes.Unavailable},
		{sandbox.ErrUnsupported, codes.Unimplemented},
	}

	for i, d := range data {
		err := toGRPC(d.err)
		assert.Error(err, "test %d", i)
		assert.True(isGRPCErrorCode(d.code, err), "test %d: got %v", i, err)

		// Wrapped errors map the same way.
		err = toGRPC(errors.Wrap(d.err, "context"))
		assert.True(isGRPCErrorCode(d.code, err), "test %d wrapped: got %v", i, err)
	}
}

func TestToGRPCNil(t *testing.T) {
	assert := assert.New(t)
	assert.NoError(toGRPC(nil))
}

func TestToGRPCUnmapped(t *testing.T) {
	assert := assert.New(t)

	err := errors.New("something else")
	assert.Equal(err, toGRPC(err))
}

func TestToGRPCAlreadyMapped(t *testing.T) {
	assert := assert.New(t)

	err := status.Errorf(codes.NotFound, "gone")
	assert.Equal(err, toGRPC(err))

	// A second pass must not re-wrap into another code.
	err = toGRPC(toGRPC(sandbox.ErrNotRunning))
	assert.True(isGRPCErrorCode(codes.FailedPrecondition, err))
}

func TestToGRPCf(t *testing.T) {
	assert := assert.New(t)

	err := toGRPCf(sandbox.ErrNotFound, "sandbox %s", "sb")
	assert.True(isGRPCErrorCode(codes.NotFound, err))
	assert.Contains(err.Error(), "sandbox sb")
}

func TestIsGRPCErrorCode(t *testing.T) {
	assert := assert.New(t)

	assert.True(isGRPCErrorCode(codes.Unavailable, status.Errorf(codes.Unavailable, "down")))
	assert.False(isGRPCErrorCode(codes.Unavailable, status.Errorf(codes.NotFound, "gone")))
	assert.False(isGRPCErrorCode(codes.Unavailable, errors.New("plain")))
}
