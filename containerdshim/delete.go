// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"context"
	"path"

	"github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/mount"
)

func deleteContainer(ctx context.Context, s *service, c *container) error {
	if s.sandbox != nil {
		if c.status != task.StatusStopped {
			if err := s.sandbox.Stop(ctx, true); err != nil {
				shimLog.WithField("sandbox", s.sandbox.ID()).WithError(err).Warn("stop sandbox failed")
			}
		}

		if err := s.sandbox.Delete(ctx, true); err != nil {
			return err
		}
	}

	if c.mounted {
		rootfs := path.Join(c.bundle, "rootfs")
		if err := mount.UnmountAll(rootfs, 0); err != nil {
			shimLog.WithError(err).Warn("failed to cleanup rootfs mount")
		}
	}

	delete(s.containers, c.id)

	return nil
}
