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

// Package cachesweep reclaims stale IntelliCache read-cache files on
// the file back-end: for each
// "<uuid>.vhdcache" file under the SR's cache directory, remove it if
// the VDI it caches is gone from the control plane, if caching has
// been disabled for that VDI, or — when a max age is supplied — if it
// hasn't been touched within that age and has no attached consumer.
package cachesweep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/logging"
	"github.com/vhdsr/smgc/internal/xapi"
)

// cacheSuffix is the extension the file back-end gives its per-VDI
// IntelliCache read-cache files.
const cacheSuffix = ".vhdcache"

// allowCachingKey is the sm-config key that records whether a VDI has
// caching enabled.
const allowCachingKey = "allow_caching"

// Sweeper scans one SR's cache directory and removes files that no
// longer need to be kept around.
type Sweeper struct {
	CacheDir string
	XAPI     xapi.Client
	Locks    *lockset.NamedLock
}

// New returns a Sweeper bound to dir, consulting client for VDI
// liveness/config and serializing per-file work through locks (shared
// with any other sweeper for the same SR so two sweeps never race on
// one cache file).
func New(dir string, client xapi.Client, locks *lockset.NamedLock) *Sweeper {
	return &Sweeper{CacheDir: dir, XAPI: client, Locks: locks}
}

// Sweep walks the cache directory once, removing every file that
// satisfies one of the three removal conditions. maxAge of zero
// disables the staleness condition, leaving only the
// gone-from-control-plane and caching-disabled conditions.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("cachesweep: reading %s: %w", s.CacheDir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), cacheSuffix) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(entry.Name(), cacheSuffix))
		if err != nil {
			logging.Warnf("cachesweep: skipping unrecognized cache file %s", entry.Name())
			continue
		}

		didRemove, err := s.sweepOne(ctx, id, maxAge)
		if err != nil {
			logging.Warnf("cachesweep: %s: %v", id, err)
			continue
		}
		if didRemove {
			removed++
		}
	}
	return removed, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id uuid.UUID, maxAge time.Duration) (bool, error) {
	key := id.String()
	s.Locks.Lock(key)
	defer s.Locks.Unlock(key)

	path := s.path(id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	present, err := s.XAPI.LookupVDI(ctx, id)
	if err != nil {
		return false, fmt.Errorf("looking up VDI %s: %w", id, err)
	}
	if !present {
		return s.remove(path, id, "VDI no longer present on control plane")
	}

	cfg, err := s.XAPI.GetVDIConfig(ctx, id, "sm-config")
	if err != nil {
		return false, fmt.Errorf("reading sm-config for %s: %w", id, err)
	}
	if cfg[allowCachingKey] == "false" {
		return s.remove(path, id, "caching disabled for VDI")
	}

	if maxAge <= 0 {
		return false, nil
	}
	if time.Since(info.ModTime()) < maxAge {
		return false, nil
	}
	attached, err := s.XAPI.IsVDIAttached(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking attachment for %s: %w", id, err)
	}
	if attached {
		return false, nil
	}
	return s.remove(path, id, fmt.Sprintf("stale (older than %s) and not attached", maxAge))
}

func (s *Sweeper) remove(path string, id uuid.UUID, reason string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("removing %s: %w", path, err)
	}
	logging.Infof("cachesweep: removed cache for %s: %s", id, reason)
	return true, nil
}

func (s *Sweeper) path(id uuid.UUID) string {
	return filepath.Join(s.CacheDir, id.String()+cacheSuffix)
}
