// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package persist stores one record per sandbox on the host filesystem so
// a later runtime invocation can reattach to an already running sandbox.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const stateFileName = "state.json"

// ErrRecordNotFound reports a missing sandbox record.
var ErrRecordNotFound = errors.New("sandbox record not found")

// Record is the persisted host-side state of one sandbox.
type Record struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	BundlePath    string    `json:"bundle"`
	HypervisorPID int       `json:"hypervisorPid,omitempty"`
	GuestCID      uint64    `json:"guestCid,omitempty"`
	VSockPort     uint32    `json:"vsockPort,omitempty"`
	InitStarted   bool      `json:"initStarted,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RootPath resolves the runtime root directory: the explicit path when
// given, otherwise $HOME/.akari/run, otherwise /run/akari.
func RootPath(path string) (string, error) {
	if path != "" {
		return filepath.Abs(path)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".akari", "run"), nil
	}
	return "/run/akari", nil
}

// Store reads and writes sandbox records under a runtime root.
type Store struct {
	root string
}

// NewStore returns a store rooted at root, creating it if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errors.Wrap(err, "create runtime root")
	}
	return &Store{root: root}, nil
}

// Root returns the runtime root directory.
func (s *Store) Root() string {
	return s.root
}

// SandboxDir returns the per-sandbox directory, creating it if needed.
func (s *Store) SandboxDir(id string) (string, error) {
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "create sandbox dir")
	}
	return dir, nil
}

// Exists tells whether a record for id is present.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(s.root, id, stateFileName))
	return err == nil
}

// Save writes the record atomically: write aside, then rename.
func (s *Store) Save(r *Record) error {
	dir, err := s.SandboxDir(r.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal sandbox record")
	}

	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write sandbox record")
	}
	return errors.Wrap(os.Rename(tmp, filepath.Join(dir, stateFileName)), "commit sandbox record")
}

// Load reads the record for id.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrRecordNotFound, "sandbox %s", id)
		}
		return nil, errors.Wrap(err, "read sandbox record")
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode sandbox record")
	}
	return &r, nil
}

// List returns the ids of all persisted sandboxes.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "read runtime root")
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes the record and the per-sandbox directory.
func (s *Store) Delete(id string) error {
	return errors.Wrap(os.RemoveAll(filepath.Join(s.root, id)), "delete sandbox record")
}
