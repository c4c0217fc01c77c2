// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the runtime's TOML configuration.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/retrage/akari/vmm"
)

// DefaultConfigPaths are probed in order when no path is given.
var DefaultConfigPaths = []string{
	"/etc/akari/configuration.toml",
	"/usr/share/defaults/akari/configuration.toml",
}

const (
	defaultNumVCPUs       = 1
	defaultMemorySize     = "2048M"
	defaultBootTimeoutSec = 10
)

// tomlConfig mirrors the on-disk layout.
type tomlConfig struct {
	Hypervisor hypervisorConfig `toml:"hypervisor"`
	Agent      agentConfig      `toml:"agent"`
	Runtime    runtimeConfig    `toml:"runtime"`
}

type hypervisorConfig struct {
	Path         string `toml:"path"`
	Kernel       string `toml:"kernel"`
	Initrd       string `toml:"initrd"`
	KernelParams string `toml:"kernel_params"`
	NumVCPUs     uint32 `toml:"default_vcpus"`
	// MemorySize accepts human sizes ("2048M", "4G").
	MemorySize string `toml:"default_memory"`
}

type agentConfig struct {
	BootTimeoutSec   uint32 `toml:"boot_timeout_sec"`
	ShutdownGraceSec uint32 `toml:"shutdown_grace_sec"`
}

type runtimeConfig struct {
	Debug bool `toml:"debug"`
}

// RuntimeConfig is the resolved configuration handed to the controller.
type RuntimeConfig struct {
	HypervisorType vmm.HypervisorType
	VMConfig       vmm.Config
	BootTimeout    time.Duration
	ShutdownGrace  time.Duration
	Debug          bool
}

// LoadConfiguration reads the TOML file at path, or the first default path
// that exists when path is empty. A missing file yields the defaults.
func LoadConfiguration(path string) (RuntimeConfig, error) {
	paths := DefaultConfigPaths
	if path != "" {
		paths = []string{path}
	}

	var tc tomlConfig
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) && path == "" {
				continue
			}
			return RuntimeConfig{}, errors.Wrapf(err, "read config %s", p)
		}
		if err := toml.Unmarshal(data, &tc); err != nil {
			return RuntimeConfig{}, errors.Wrapf(err, "parse config %s", p)
		}
		break
	}

	return resolve(&tc)
}

func resolve(tc *tomlConfig) (RuntimeConfig, error) {
	numVCPUs := tc.Hypervisor.NumVCPUs
	if numVCPUs == 0 {
		numVCPUs = defaultNumVCPUs
	}

	memStr := tc.Hypervisor.MemorySize
	if memStr == "" {
		memStr = defaultMemorySize
	}
	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return RuntimeConfig{}, errors.Wrapf(err, "parse memory size %q", memStr)
	}

	bootTimeout := time.Duration(tc.Agent.BootTimeoutSec) * time.Second
	if bootTimeout == 0 {
		bootTimeout = defaultBootTimeoutSec * time.Second
	}

	return RuntimeConfig{
		HypervisorType: vmm.QemuHypervisor,
		VMConfig: vmm.Config{
			HypervisorPath: tc.Hypervisor.Path,
			KernelPath:     tc.Hypervisor.Kernel,
			InitrdPath:     tc.Hypervisor.Initrd,
			KernelParams:   tc.Hypervisor.KernelParams,
			NumVCPUs:       numVCPUs,
			MemorySize:     uint32(memBytes >> 20),
			Debug:          tc.Runtime.Debug,
		},
		BootTimeout:   bootTimeout,
		ShutdownGrace: time.Duration(tc.Agent.ShutdownGraceSec) * time.Second,
		Debug:         tc.Runtime.Debug,
	}, nil
}
