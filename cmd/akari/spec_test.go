// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrage/akari/pkg/oci"
)

func TestDefaultSpec(t *testing.T) {
	assert := assert.New(t)

	spec := defaultSpec()
	assert.NoError(oci.ValidateSpec(spec))
	assert.True(spec.Process.Terminal)

	// The scaffold must load back through the bundle parser.
	bundle := t.TempDir()
	data, err := json.MarshalIndent(spec, "", "\t")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundle, specConfig), data, 0o644))

	parsed, err := oci.ParseConfigJSON(bundle)
	assert.NoError(err)
	assert.Equal([]string{"sh"}, parsed.Process.Args)
	assert.Equal("rootfs", parsed.Root.Path)
}
