// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package protocols

import (
	"time"
)

// Type identifies the kind of message carried by a frame.
type Type uint8

const (
	// TypeCreateTask registers a new task in the agent's process table.
	TypeCreateTask Type = iota + 1

	// TypeStartProcess spawns the process of an already created task.
	TypeStartProcess

	// TypeSignal delivers a signal to a task's process or process group.
	TypeSignal

	// TypeWait blocks until a task's exit code has been recorded.
	TypeWait

	// TypeIOData carries raw stdio bytes for the stream in the frame header.
	TypeIOData

	// TypeIOClose closes the stream named in the frame header.
	TypeIOClose

	// TypeShutdown asks the agent to terminate all tasks and exit.
	TypeShutdown

	// TypeEvent is an unsolicited agent notification (handshake, task exit).
	TypeEvent

	typeMax
)

func (t Type) String() string {
	switch t {
	case TypeCreateTask:
		return "CreateTask"
	case TypeStartProcess:
		return "StartProcess"
	case TypeSignal:
		return "Signal"
	case TypeWait:
		return "Wait"
	case TypeIOData:
		return "IOData"
	case TypeIOClose:
		return "IOClose"
	case TypeShutdown:
		return "Shutdown"
	case TypeEvent:
		return "Event"
	}
	return "Unknown"
}

// Valid tells whether t is a known message type.
func (t Type) Valid() bool {
	return t > 0 && t < typeMax
}

const (
	// FlagResponse marks a frame as the reply to the request sharing its
	// correlation id.
	FlagResponse uint8 = 1 << iota

	// FlagError marks a response frame whose payload is an ErrorResponse.
	FlagError
)

// ProcessSpec describes the process a task runs, reduced from the OCI
// process spec to what the agent needs to spawn it.
type ProcessSpec struct {
	Args           []string `json:"args"`
	Env            []string `json:"env,omitempty"`
	Cwd            string   `json:"cwd"`
	UID            uint32   `json:"uid"`
	GID            uint32   `json:"gid"`
	AdditionalGids []uint32 `json:"additionalGids,omitempty"`
	Terminal       bool     `json:"terminal"`
	Height         uint16   `json:"height,omitempty"`
	Width          uint16   `json:"width,omitempty"`
}

// CreateTaskRequest registers a task. The agent allocates the three stdio
// stream ids and returns them in the response; no process is spawned yet.
type CreateTaskRequest struct {
	ID      string      `json:"id"`
	Process ProcessSpec `json:"process"`
}

type CreateTaskResponse struct {
	Stdin  uint32 `json:"stdin"`
	Stdout uint32 `json:"stdout"`
	Stderr uint32 `json:"stderr"`
}

type StartProcessRequest struct {
	ID string `json:"id"`
}

type StartProcessResponse struct {
	PID int32 `json:"pid"`
}

// SignalRequest delivers a signal. A SIGWINCH with non-zero dimensions on a
// terminal task resizes the pty instead of being forwarded.
type SignalRequest struct {
	ID     string `json:"id"`
	Signal int32  `json:"signal"`
	All    bool   `json:"all,omitempty"`
	Height uint16 `json:"height,omitempty"`
	Width  uint16 `json:"width,omitempty"`
}

type WaitRequest struct {
	ID string `json:"id"`
}

type WaitResponse struct {
	ExitCode int32 `json:"exitCode"`
}

// ShutdownRequest asks the agent to stop every tracked task, waiting up to
// the grace period before force-terminating stragglers.
type ShutdownRequest struct {
	Grace time.Duration `json:"grace"`
}

// EventKind discriminates unsolicited agent events.
type EventKind string

const (
	// EventReady is sent once right after the agent accepts the control
	// connection. Version carries the agent version for the handshake.
	EventReady EventKind = "ready"

	// EventExit reports a task exit. It is authoritative: the agent sends
	// it exactly once per task, whether or not a Wait is outstanding.
	EventExit EventKind = "exit"
)

// Event is the payload of a TypeEvent frame.
type Event struct {
	Kind     EventKind `json:"kind"`
	ID       string    `json:"id,omitempty"`
	Version  string    `json:"version,omitempty"`
	ExitCode int32     `json:"exitCode,omitempty"`
	ExitedAt time.Time `json:"exitedAt,omitempty"`
}

// ErrorResponse is the payload of a response frame with FlagError set.
type ErrorResponse struct {
	Message string `json:"message"`
}
