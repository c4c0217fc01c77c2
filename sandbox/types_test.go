// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	assert := assert.New(t)

	type testData struct {
		oldState StateString
		newState StateString
		valid    bool
	}

	data := []testData{
		{StateCreated, StateBooting, true},
		{StateCreated, StateStopped, true},
		{StateCreated, StateRunning, false},
		{StateBooting, StateRunning, true},
		{StateBooting, StateStopping, true},
		{StateBooting, StateStopped, false},
		{StateRunning, StateStopping, true},
		{StateRunning, StateStopped, false},
		{StateRunning, StateBooting, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateRunning, false},
		{StateStopped, StateBooting, false},
		{StateStopped, StateFailed, false},
		{StateFailed, StateBooting, false},
		{StateFailed, StateFailed, false},

		// Failed is reachable from every non-terminal state.
		{StateCreated, StateFailed, true},
		{StateBooting, StateFailed, true},
		{StateRunning, StateFailed, true},
		{StateStopping, StateFailed, true},
	}

	for i, d := range data {
		err := validTransition(d.oldState, d.newState)
		if d.valid {
			assert.NoErrorf(err, "test %d: %s -> %s", i, d.oldState, d.newState)
		} else {
			assert.Errorf(err, "test %d: %s -> %s", i, d.oldState, d.newState)
			assert.ErrorIs(err, ErrInvalidState)
		}
	}
}

func TestOCIState(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("created", StateCreated.OCIState())
	assert.Equal("created", StateBooting.OCIState())
	assert.Equal("running", StateRunning.OCIState())
	assert.Equal("stopped", StateStopping.OCIState())
	assert.Equal("stopped", StateStopped.OCIState())
	assert.Equal("stopped", StateFailed.OCIState())
}

func TestTerminal(t *testing.T) {
	assert := assert.New(t)

	assert.False(StateCreated.Terminal())
	assert.False(StateBooting.Terminal())
	assert.False(StateRunning.Terminal())
	assert.False(StateStopping.Terminal())
	assert.True(StateStopped.Terminal())
	assert.True(StateFailed.Terminal())
}
