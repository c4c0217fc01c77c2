// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrage/akari/vmm"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "configuration.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfiguration(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[hypervisor]
path = "/usr/bin/qemu-system-x86_64"
kernel = "/usr/share/akari/vmlinux"
initrd = "/usr/share/akari/initrd.img"
kernel_params = "console=hvc0"
default_vcpus = 4
default_memory = "4G"

[agent]
boot_timeout_sec = 30
shutdown_grace_sec = 5

[runtime]
debug = true
`)

	cfg, err := LoadConfiguration(path)
	assert.NoError(err)
	assert.Equal(vmm.QemuHypervisor, cfg.HypervisorType)
	assert.Equal("/usr/bin/qemu-system-x86_64", cfg.VMConfig.HypervisorPath)
	assert.Equal("/usr/share/akari/vmlinux", cfg.VMConfig.KernelPath)
	assert.Equal("/usr/share/akari/initrd.img", cfg.VMConfig.InitrdPath)
	assert.Equal("console=hvc0", cfg.VMConfig.KernelParams)
	assert.Equal(uint32(4), cfg.VMConfig.NumVCPUs)
	assert.Equal(uint32(4096), cfg.VMConfig.MemorySize)
	assert.Equal(30*time.Second, cfg.BootTimeout)
	assert.Equal(5*time.Second, cfg.ShutdownGrace)
	assert.True(cfg.Debug)
	assert.True(cfg.VMConfig.Debug)
}

func TestLoadConfigurationDefaults(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[hypervisor]
kernel = "/usr/share/akari/vmlinux"
`)

	cfg, err := LoadConfiguration(path)
	assert.NoError(err)
	assert.Equal(uint32(defaultNumVCPUs), cfg.VMConfig.NumVCPUs)
	assert.Equal(uint32(2048), cfg.VMConfig.MemorySize)
	assert.Equal(defaultBootTimeoutSec*time.Second, cfg.BootTimeout)
	assert.Zero(cfg.ShutdownGrace)
	assert.False(cfg.Debug)
}

func TestLoadConfigurationMissingExplicitPath(t *testing.T) {
	assert := assert.New(t)

	_, err := LoadConfiguration(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(err)
}

func TestLoadConfigurationMalformed(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `[hypervisor`)
	_, err := LoadConfiguration(path)
	assert.Error(err)
}

func TestLoadConfigurationBadMemorySize(t *testing.T) {
	assert := assert.New(t)

	path := writeConfig(t, `
[hypervisor]
default_memory = "lots"
`)
	_, err := LoadConfiguration(path)
	assert.Error(err)
}
