// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package oci loads and validates OCI bundles and renders the OCI state
// JSON for the CLI surface.
package oci

import (
	"encoding/json"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"

	"github.com/retrage/akari/protocols"
)

// StateVersion is the ociVersion emitted in state JSON.
var StateVersion = specs.Version

// ErrSpecInvalid rejects a malformed bundle with no side effects.
var ErrSpecInvalid = errors.New("invalid OCI spec")

// ParseConfigJSON reads and decodes <bundle>/config.json.
func ParseConfigJSON(bundlePath string) (specs.Spec, error) {
	configPath := filepath.Join(bundlePath, "config.json")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return specs.Spec{}, errors.Wrap(err, "read bundle config")
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return specs.Spec{}, errors.Wrapf(ErrSpecInvalid, "decode %s: %v", configPath, err)
	}
	return spec, nil
}

// ValidateSpec checks the fields this runtime needs from an OCI spec.
func ValidateSpec(spec *specs.Spec) error {
	if spec.Process == nil {
		return errors.Wrap(ErrSpecInvalid, "spec has no process")
	}
	if len(spec.Process.Args) == 0 {
		return errors.Wrap(ErrSpecInvalid, "process has no arguments")
	}
	if spec.Root == nil || spec.Root.Path == "" {
		return errors.Wrap(ErrSpecInvalid, "spec has no root path")
	}
	return nil
}

// ProcessSpec reduces an OCI process spec to the agent's process spec.
func ProcessSpec(p *specs.Process) *protocols.ProcessSpec {
	spec := &protocols.ProcessSpec{
		Args:           p.Args,
		Env:            p.Env,
		Cwd:            p.Cwd,
		UID:            p.User.UID,
		GID:            p.User.GID,
		AdditionalGids: p.User.AdditionalGids,
		Terminal:       p.Terminal,
	}
	if p.ConsoleSize != nil {
		spec.Height = uint16(p.ConsoleSize.Height)
		spec.Width = uint16(p.ConsoleSize.Width)
	}
	return spec
}

// State is the OCI state JSON shape.
type State struct {
	OCIVersion  string            `json:"ociVersion"`
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Pid         int               `json:"pid"`
	Bundle      string            `json:"bundle"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// NewState assembles the state JSON for a sandbox snapshot.
func NewState(id, status string, pid int, bundle string) *State {
	return &State{
		OCIVersion: StateVersion,
		ID:         id,
		Status:     status,
		Pid:        pid,
		Bundle:     bundle,
	}
}
