// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"context"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/mount"
	taskAPI "github.com/containerd/containerd/runtime/v2/task"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/retrage/akari/config"
	"github.com/retrage/akari/pkg/oci"
	"github.com/retrage/akari/sandbox"
)

// Annotations consulted at create time. They let a caller steer a single
// container away from the system-wide configuration file.
const (
	annotationConfigPath  = "dev.akari.config_path"
	annotationRootfsImage = "dev.akari.rootfs_image"
)

func create(ctx context.Context, s *service, r *taskAPI.CreateTaskRequest) (*container, error) {
	ociSpec, bundlePath, err := loadSpec(r)
	if err != nil {
		return nil, err
	}

	if s.sandbox != nil {
		return nil, errors.Errorf("cannot create another sandbox in sandbox: %s", s.sandbox.ID())
	}

	runtimeConfig, err := loadRuntimeConfig(s, ociSpec.Annotations)
	if err != nil {
		return nil, err
	}

	rootfs := filepath.Join(r.Bundle, "rootfs")
	mounted := false
	if len(r.Rootfs) > 0 {
		mounts := make([]mount.Mount, 0, len(r.Rootfs))
		for _, m := range r.Rootfs {
			mounts = append(mounts, mount.Mount{
				Type:    m.Type,
				Source:  m.Source,
				Options: m.Options,
			})
		}
		if err := mount.All(mounts, rootfs); err != nil {
			return nil, errors.Wrap(err, "mount rootfs")
		}
		mounted = true
	}
	defer func() {
		if err != nil && mounted {
			if err2 := mount.UnmountAll(rootfs, 0); err2 != nil {
				shimLog.WithError(err2).Warn("failed to cleanup rootfs mount")
			}
		}
	}()

	sconfig := &sandbox.SandboxConfig{
		ID:             r.ID,
		BundlePath:     bundlePath,
		HypervisorType: runtimeConfig.HypervisorType,
		VMConfig:       runtimeConfig.VMConfig,
		RootfsImage:    ociSpec.Annotations[annotationRootfsImage],
		BootTimeout:    runtimeConfig.BootTimeout,
		ShutdownGrace:  runtimeConfig.ShutdownGrace,
	}

	// Pass the service's context instead of the local ctx to
	// CreateSandbox, since the local ctx is canceled after this rpc call
	// but the sandbox lives across calls.
	sb, err := sandbox.CreateSandbox(s.ctx, s.rootPath, sconfig)
	if err != nil {
		return nil, err
	}
	s.sandbox = sb

	c := newContainer(s, r.ID, bundlePath, ociSpec, r.Stdin, r.Stdout, r.Stderr, r.Terminal)
	c.mounted = mounted

	return c, nil
}

func loadSpec(r *taskAPI.CreateTaskRequest) (*specs.Spec, string, error) {
	// Checks the MUST and MUST NOT from the OCI runtime specification.
	bundlePath, err := validBundle(r.ID, r.Bundle)
	if err != nil {
		return nil, "", err
	}

	ociSpec, err := oci.ParseConfigJSON(bundlePath)
	if err != nil {
		return nil, "", err
	}

	if err := oci.ValidateSpec(&ociSpec); err != nil {
		return nil, "", err
	}

	return &ociSpec, bundlePath, nil
}

func validBundle(containerID, bundlePath string) (string, error) {
	if containerID == "" {
		return "", errors.Wrap(sandbox.ErrSpecInvalid, "empty container id")
	}

	// container bundle path is a MUST
	if bundlePath == "" {
		return "", errors.Wrapf(sandbox.ErrSpecInvalid, "missing bundle for container %s", containerID)
	}

	// container bundle path MUST be an absolute path
	if !filepath.IsAbs(bundlePath) {
		return "", errors.Wrapf(sandbox.ErrSpecInvalid, "bundle path %s is not absolute", bundlePath)
	}

	resolved, err := filepath.EvalSymlinks(bundlePath)
	if err != nil {
		return "", err
	}

	fi, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", errors.Wrapf(sandbox.ErrSpecInvalid, "bundle path %s is not a directory", resolved)
	}

	return resolved, nil
}

func loadRuntimeConfig(s *service, annotations map[string]string) (*config.RuntimeConfig, error) {
	if s.config != nil {
		return s.config, nil
	}

	configPath := annotations[annotationConfigPath]
	runtimeConfig, err := config.LoadConfiguration(configPath)
	if err != nil {
		return nil, err
	}
	if runtimeConfig.Debug {
		shimLog.Logger.SetLevel(logrus.DebugLevel)
	}

	s.config = &runtimeConfig

	return s.config, nil
}
