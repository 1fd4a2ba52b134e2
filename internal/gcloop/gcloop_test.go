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

package gcloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vhdsr/smgc/internal/abortbus"
	"github.com/vhdsr/smgc/internal/cachesweep"
	"github.com/vhdsr/smgc/internal/coalescer"
	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/srdriver"
	"github.com/vhdsr/smgc/internal/telemetry"
	"github.com/vhdsr/smgc/internal/throttle"
	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

var errInjectedCoalesceFailure = errors.New("gcloop test: injected coalesce failure")

type fixture struct {
	w      *Worker
	driver *srdriver.FileDriver
	tool   *vhdtool.Fake
	client *xapi.Fake
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	sr := uuid.New()
	js, err := journal.Open(filepath.Join(dir, "journal"))
	require.NoError(t, err)

	tool := vhdtool.NewFake()
	client := xapi.NewFake(sr, "host0")
	tap := srdriver.NewFakeTapDisk()
	mountDir := filepath.Join(dir, "mnt")
	require.NoError(t, os.MkdirAll(mountDir, 0o700))
	driver := srdriver.NewFileDriver(sr, "host0", mountDir, tool, client, tap)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0o700))
	locks := lockset.New(filepath.Join(dir, "locks"))
	speed := throttle.NewSpeedLog(filepath.Join(dir, "speed_log"))
	msgs := throttle.NewMessageThrottle(client, 0)
	bus := abortbus.New()

	c := coalescer.New(sr, "host0", driver, tool, client, js, locks, bus, speed, msgs)

	metrics, err := telemetry.New()
	require.NoError(t, err)
	t.Cleanup(func() { metrics.Shutdown(context.Background()) })

	w := New(sr, "host0", driver, client, c, locks, bus, js, metrics)
	w.GCInitPath = filepath.Join(dir, "gc_init")
	return &fixture{w: w, driver: driver, tool: tool, client: client, dir: dir}
}

func (f *fixture) seedVHD(t *testing.T, id uuid.UUID, info vhdtool.Info) string {
	t.Helper()
	path := filepath.Join(f.driver.MountDir, id.String()+".vhd")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	f.tool.PutNode(path, id, info)
	f.client.SeedVDI(id)
	return path
}

func TestGCPrunesGarbageSubtree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root := uuid.New()
	dead1 := uuid.New()
	dead2 := uuid.New()
	f.seedVHD(t, root, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	deadPath1 := f.seedVHD(t, dead1, vhdtool.Info{ParentUUID: root, Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	deadPath2 := f.seedVHD(t, dead2, vhdtool.Info{ParentUUID: dead1, Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	require.NoError(t, f.w.GC(ctx, false, false))

	_, err := os.Stat(deadPath1)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(deadPath2)
	require.True(t, os.IsNotExist(err))

	present, err := f.client.LookupVDI(ctx, dead1)
	require.NoError(t, err)
	require.False(t, present)

	require.FileExists(t, f.w.GCInitPath)
}

func TestGCCoalescesInlineChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root, v, leaf := uuid.New(), uuid.New(), uuid.New()
	f.seedVHD(t, root, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	vPath := f.seedVHD(t, v, vhdtool.Info{ParentUUID: root, Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	f.seedVHD(t, leaf, vhdtool.Info{ParentUUID: v, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	// A second leaf leaves root with two children after v is coalesced,
	// so the run ends without going on to leaf-coalesce into root.
	f.seedVHD(t, uuid.New(), vhdtool.Info{ParentUUID: v, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	require.NoError(t, f.w.GC(ctx, false, false))

	_, err := os.Stat(vPath)
	require.True(t, os.IsNotExist(err))
}

// TestGCContinuesWithOtherWorkAfterCandidateFailure injects a coalesce
// failure on the first-selected candidate (its tree is the tallest, so
// selection is deterministic) and checks the same run still coalesces
// the healthy candidate in the other tree instead of bailing out after
// the failure.
func TestGCContinuesWithOtherWorkAfterCandidateFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Tall tree: rootA -> vA(hidden) -> mid -> {leafA1, leafA2}. vA is
	// selected first; its data copy is rigged to fail.
	rootA, vA, mid := uuid.New(), uuid.New(), uuid.New()
	f.seedVHD(t, rootA, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	vAPath := f.seedVHD(t, vA, vhdtool.Info{ParentUUID: rootA, Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	f.seedVHD(t, mid, vhdtool.Info{ParentUUID: vA, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	f.seedVHD(t, uuid.New(), vhdtool.Info{ParentUUID: mid, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	f.seedVHD(t, uuid.New(), vhdtool.Info{ParentUUID: mid, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	// Shorter healthy tree: rootC -> vC(hidden) -> {leafC1, leafC2}.
	rootC, vC, leafC := uuid.New(), uuid.New(), uuid.New()
	f.seedVHD(t, rootC, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	vCPath := f.seedVHD(t, vC, vhdtool.Info{ParentUUID: rootC, Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	leafCPath := f.seedVHD(t, leafC, vhdtool.Info{ParentUUID: vC, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	f.seedVHD(t, uuid.New(), vhdtool.Info{ParentUUID: vC, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	f.tool.CoalFn = func(childPath string) (int64, error) {
		if childPath == vAPath {
			return 0, errInjectedCoalesceFailure
		}
		return 100, nil
	}

	require.NoError(t, f.w.GC(ctx, false, false))

	// The healthy candidate was coalesced despite the earlier failure.
	_, err := os.Stat(vCPath)
	require.True(t, os.IsNotExist(err))
	parentID, err := f.tool.GetParent(ctx, leafCPath)
	require.NoError(t, err)
	require.Equal(t, rootC, parentID)

	// The failed candidate survives untouched, to be retried next run.
	require.FileExists(t, vAPath)
}

func TestGCDryRunMakesNoMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root := uuid.New()
	dead := uuid.New()
	f.seedVHD(t, root, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	deadPath := f.seedVHD(t, dead, vhdtool.Info{ParentUUID: root, Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	require.NoError(t, f.w.GC(ctx, false, true))

	require.FileExists(t, deadPath)
}

func TestGetStateReflectsGCRunningIndicator(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.w.GetState())
	require.NoError(t, f.w.Locks.GCRunning.Set())
	require.True(t, f.w.GetState())
	require.NoError(t, f.w.Locks.GCRunning.Clear())
	require.False(t, f.w.GetState())
}

func TestSoftAbortFailsWhenAlreadyPending(t *testing.T) {
	f := newFixture(t)
	f.w.AbortBus.Signal()
	require.False(t, f.w.Abort(true))
}

func TestShouldPreemptTrueWithNoInFlightCoalesce(t *testing.T) {
	f := newFixture(t)
	ok, err := f.w.ShouldPreempt(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestShouldPreemptFalseDuringInFlightCoalesce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.w.Journal.Create(journal.KindCoalesce, uuid.New(), "1"))
	ok, err := f.w.ShouldPreempt(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheCleanupIsNoopWithoutSweeper(t *testing.T) {
	f := newFixture(t)
	removed, err := f.w.CacheCleanup(context.Background(), 1.0)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestCacheCleanupDelegatesToSweeper(t *testing.T) {
	f := newFixture(t)
	cacheDir := filepath.Join(f.dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o700))
	f.w.Sweeper = cachesweep.New(cacheDir, f.client, lockset.NewNamedLock())

	gone := uuid.New()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, gone.String()+".vhdcache"), []byte("x"), 0o600))

	removed, err := f.w.CacheCleanup(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestGCRefusesWhenNotSolAttachedHostOfLocalSR(t *testing.T) {
	f := newFixture(t)
	f.client.SetAttachedHosts([]string{"some-other-host"})
	err := f.w.GC(context.Background(), false, false)
	require.ErrorIs(t, err, ErrNotPoolMaster)
}
