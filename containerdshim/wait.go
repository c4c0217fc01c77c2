// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"runtime/debug"
	"time"

	"github.com/containerd/containerd/api/types/task"
	"github.com/sirupsen/logrus"
)

func wait(s *service, c *container, execID string) (int32, error) {
	var execs *execProcess
	var err error

	defer func() {
		if x := recover(); x != nil {
			shimLog.WithField("stack", string(debug.Stack())).Errorf("wait recover: %+v", x)
		}
	}()

	processID := c.id

	if execID == "" {
		// wait until the io is closed, then wait the container
		<-c.exitIOch
	} else {
		execs, err = c.getExec(execID)
		if err != nil {
			return exitCode255, err
		}
		<-execs.exitIOch
		processID = execs.id
	}

	ret, err := s.sandbox.WaitProcess(s.ctx, processID)
	if err != nil {
		shimLog.WithError(err).WithFields(logrus.Fields{
			"container": c.id,
			"process":   processID,
		}).Error("wait for process failed")
	}

	timeStamp := time.Now()

	s.mu.Lock()
	if execID == "" {
		// The init task going down takes the sandbox with it. Stop the
		// VM here so the Delete rpc only has the record left to release.
		if err = s.sandbox.Stop(s.ctx, true); err != nil {
			shimLog.WithField("sandbox", s.sandbox.ID()).WithError(err).Warn("failed to stop sandbox")
		}

		c.status = task.StatusStopped
		c.exit = uint32(ret)
		c.exitTime = timeStamp

		c.exitCh <- uint32(ret)
	} else {
		execs.status = task.StatusStopped
		execs.exitCode = ret
		execs.exitTime = timeStamp

		execs.exitCh <- uint32(ret)
	}
	s.mu.Unlock()

	go cReap(s, int(ret), c.id, execID, timeStamp)

	return ret, nil
}

func cReap(s *service, status int, id, execid string, exitat time.Time) {
	s.ec <- exit{
		timestamp: exitat,
		pid:       s.hpid,
		id:        id,
		execid:    execid,
		status:    status,
	}
}
