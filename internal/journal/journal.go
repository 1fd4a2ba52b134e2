// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal implements the durable, atomic small-record store the
// coalescer uses to survive crashes between phases. Each record is
// keyed by (kind, uuid) and holds a short string payload.
//
// Durability: write to a temp file in the same directory, fsync, then
// rename over the final name. Rename is atomic on the same
// filesystem, so a crash never observes a half-written record.
package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Kind names a journal record type.
type Kind string

const (
	KindCoalesce Kind = "coalesce"
	KindRelink   Kind = "relink"
	KindLeaf     Kind = "leaf"
	KindClone    Kind = "clone"
	KindZero     Kind = "zero"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("journal: record not found")

// Store is a directory of journal records, one file per (kind, uuid).
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open returns a Store rooted at dir, creating dir if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(kind Kind, id uuid.UUID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s", kind, id))
}

// Path exposes a record's on-disk location, for callers (the VHD tool's
// own journaled-resize mode) that need a scratch-file path alongside the
// record rather than the record's content.
func (s *Store) Path(kind Kind, id uuid.UUID) string {
	return s.path(kind, id)
}

// Create writes a new record, or overwrites an existing one with the
// same key. The write is atomic and durable before Create returns.
func (s *Store) Create(kind Kind, id uuid.UUID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AtomicWriteFile(s.path(kind, id), []byte(payload), 0o600)
}

// Get reads a record's payload. Returns ErrNotFound if absent.
func (s *Store) Get(kind Kind, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path(kind, id))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("journal: reading %s/%s: %w", kind, id, err)
	}
	return string(b), nil
}

// Exists reports whether a record is present for the key.
func (s *Store) Exists(kind Kind, id uuid.UUID) bool {
	_, err := s.Get(kind, id)
	return err == nil
}

// Remove deletes a record. Removing an absent record is not an error,
// matching the idempotent-retry requirement of the recovery protocol.
func (s *Store) Remove(kind Kind, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(kind, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("journal: removing %s/%s: %w", kind, id, err)
	}
	return nil
}

// Record pairs a decoded journal key with its payload, as returned by
// All.
type Record struct {
	UUID    uuid.UUID
	Payload string
}

// All enumerates every record of the given kind.
func (s *Store) All(kind Kind) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: listing %s: %w", s.dir, err)
	}

	prefix := string(kind) + "."
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		idStr := strings.TrimPrefix(e.Name(), prefix)
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("journal: reading %s: %w", e.Name(), err)
		}
		out = append(out, Record{UUID: id, Payload: string(b)})
	}
	return out, nil
}

// AtomicWriteFile writes data to path by first writing a sibling temp
// file and renaming it into place, so readers never observe a partial
// write. Shared by the journal store and the throughput speed log
// (internal/throttle).
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("journal: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("journal: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("journal: renaming into place: %w", err)
	}
	return nil
}
