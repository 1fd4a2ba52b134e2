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

package cachesweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/xapi"
)

func writeCacheFile(t *testing.T, dir string, id uuid.UUID, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, id.String()+cacheSuffix)
	require.NoError(t, os.WriteFile(path, []byte("cache"), 0o600))
	if age > 0 {
		old := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, old, old))
	}
}

func newFixture(t *testing.T) (*Sweeper, *xapi.Fake, string) {
	t.Helper()
	dir := t.TempDir()
	fake := xapi.NewFake(uuid.New(), "host-1")
	s := New(dir, fake, lockset.NewNamedLock())
	return s, fake, dir
}

func TestSweepRemovesCacheForGoneVDI(t *testing.T) {
	s, _, dir := newFixture(t)
	id := uuid.New()
	writeCacheFile(t, dir, id, 0)

	removed, err := s.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, filepath.Join(dir, id.String()+cacheSuffix))
}

func TestSweepRemovesCacheWhenCachingDisabled(t *testing.T) {
	s, fake, dir := newFixture(t)
	id := uuid.New()
	fake.SeedVDI(id)
	require.NoError(t, fake.SetVDIConfig(context.Background(), id, "sm-config", xapi.ConfigMap{"allow_caching": "false"}))
	writeCacheFile(t, dir, id, 0)

	removed, err := s.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSweepKeepsCacheForLiveAttachedVDI(t *testing.T) {
	s, fake, dir := newFixture(t)
	id := uuid.New()
	fake.SeedVDI(id)
	fake.Attached[id] = true
	writeCacheFile(t, dir, id, 48*time.Hour)

	removed, err := s.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.FileExists(t, filepath.Join(dir, id.String()+cacheSuffix))
}

func TestSweepRemovesStaleUnattachedCache(t *testing.T) {
	s, fake, dir := newFixture(t)
	id := uuid.New()
	fake.SeedVDI(id)
	writeCacheFile(t, dir, id, 48*time.Hour)

	removed, err := s.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestSweepKeepsFreshCacheWithNoMaxAge(t *testing.T) {
	s, fake, dir := newFixture(t)
	id := uuid.New()
	fake.SeedVDI(id)
	writeCacheFile(t, dir, id, time.Minute)

	removed, err := s.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSweepIgnoresUnrecognizedFiles(t *testing.T) {
	s, _, dir := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-uuid.vhdcache"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o600))

	removed, err := s.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSweepOnMissingDirectoryIsANoop(t *testing.T) {
	fake := xapi.NewFake(uuid.New(), "host-1")
	s := New(filepath.Join(t.TempDir(), "missing"), fake, lockset.NewNamedLock())

	removed, err := s.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
