// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)

	r := &Record{
		ID:            "sb",
		State:         "running",
		BundlePath:    "/tmp/bundle",
		HypervisorPID: 4242,
		GuestCID:      3,
		VSockPort:     1024,
		InitStarted:   true,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	assert.NoError(s.Save(r))

	got, err := s.Load("sb")
	assert.NoError(err)
	assert.Equal(r, got)

	// No leftover write-aside file after the rename.
	_, err = os.Stat(filepath.Join(s.Root(), "sb", stateFileName+".tmp"))
	assert.True(os.IsNotExist(err))
}

func TestStoreLoadNotFound(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)

	_, err := s.Load("missing")
	assert.Error(err)
	assert.True(errors.Is(err, ErrRecordNotFound))
}

func TestStoreExists(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)

	assert.False(s.Exists("sb"))

	// A bare sandbox dir without a record does not count.
	_, err := s.SandboxDir("sb")
	assert.NoError(err)
	assert.False(s.Exists("sb"))

	assert.NoError(s.Save(&Record{ID: "sb", State: "created", CreatedAt: time.Now()}))
	assert.True(s.Exists("sb"))
}

func TestStoreList(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)

	ids, err := s.List()
	assert.NoError(err)
	assert.Empty(ids)

	for _, id := range []string{"a", "b"} {
		assert.NoError(s.Save(&Record{ID: id, State: "created", CreatedAt: time.Now()}))
	}
	// Directories without a record are skipped.
	_, err = s.SandboxDir("empty")
	assert.NoError(err)

	ids, err = s.List()
	assert.NoError(err)
	assert.ElementsMatch([]string{"a", "b"}, ids)
}

func TestStoreDelete(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)

	assert.NoError(s.Save(&Record{ID: "sb", State: "stopped", CreatedAt: time.Now()}))
	assert.True(s.Exists("sb"))

	assert.NoError(s.Delete("sb"))
	assert.False(s.Exists("sb"))
	_, err := os.Stat(filepath.Join(s.Root(), "sb"))
	assert.True(os.IsNotExist(err))

	// Deleting an absent record is not an error.
	assert.NoError(s.Delete("sb"))
}

func TestStoreSaveOverwrite(t *testing.T) {
	assert := assert.New(t)
	s := testStore(t)

	r := &Record{ID: "sb", State: "created", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	assert.NoError(s.Save(r))

	r.State = "running"
	r.InitStarted = true
	assert.NoError(s.Save(r))

	got, err := s.Load("sb")
	assert.NoError(err)
	assert.Equal("running", got.State)
	assert.True(got.InitStarted)
}

func TestRootPath(t *testing.T) {
	assert := assert.New(t)

	p, err := RootPath("/var/run/custom")
	assert.NoError(err)
	assert.Equal("/var/run/custom", p)

	p, err = RootPath("")
	assert.NoError(err)
	assert.True(filepath.IsAbs(p))
}
