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

package coalescer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vhdsr/smgc/internal/vhdtool"
)

// TestCoalesceLeafSmallSizeSkipsIterationLoop covers the 5 MiB
// live-leaf-coalesce scenario: with no speed sample yet, a leaf well
// under LiveLeafMaxSize can live-coalesce on the very first check, so
// the iteration loop never runs and the final live step alone finishes
// the chain into a single surviving VDI under the leaf's original UUID.
func TestCoalesceLeafSmallSizeSkipsIterationLoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	parentID, leafID := uuid.New(), uuid.New()
	h.seedVHD(t, parentID, vhdtool.Info{Hidden: true, SizeVirt: 10 << 20, SizePhys: 1 << 20})
	leafPath := h.seedVHD(t, leafID, vhdtool.Info{
		ParentUUID:    parentID,
		SizeVirt:      10 << 20,
		SizePhys:      1 << 20,
		SizeAllocated: 5 << 20,
	})

	tree, err := h.rescan(ctx)
	require.NoError(t, err)
	leaf, ok := tree.Get(leafID)
	require.True(t, ok)

	require.NoError(t, h.c.CoalesceLeaf(ctx, leaf, h.rescan, false))

	// The survivor now lives under the leaf's original UUID; the old
	// parent UUID is forgotten by the control plane.
	require.FileExists(t, leafPath)
	present, err := h.xapi.LookupVDI(ctx, parentID)
	require.NoError(t, err)
	require.False(t, present)
}

// TestCoalesceLeafAbortsOnNoProgress covers the progress-tracker abort
// scenario: a leaf big enough to force the iteration loop whose
// snapshot-coalesce iterations keep growing the physical size instead of
// shrinking it lands on the failed-targets list once MAX_ITERATIONS_NO_PROGRESS
// is exceeded, with the live chain never touched by a final live step.
func TestCoalesceLeafAbortsOnNoProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	parentID, leafID := uuid.New(), uuid.New()
	h.seedVHD(t, parentID, vhdtool.Info{SizeVirt: 1 << 30, SizePhys: 1 << 20})
	leafPath := h.seedVHD(t, leafID, vhdtool.Info{
		ParentUUID:    parentID,
		SizeVirt:      1 << 30,
		SizePhys:      30 << 20,
		SizeAllocated: 30 << 20, // above LiveLeafMaxSize, forces the loop
	})

	// Each snapshot splices a hidden snapshot node in above the leaf (as
	// a real XenServer snapshot would) and bumps the leaf's reported
	// physical size instead of shrinking it, so the tracker never sees
	// progress past the first iteration.
	const growth = 1 << 20
	h.xapi.SnapshotFn = func(vdi, snapID uuid.UUID) {
		info, err := h.tool.GetInfo(ctx, leafPath)
		require.NoError(t, err)

		snapPath := filepath.Join(h.driver.MountDir, snapID.String()+".vhd")
		require.NoError(t, os.WriteFile(snapPath, nil, 0o600))
		h.tool.PutNode(snapPath, snapID, vhdtool.Info{
			ParentUUID: info.ParentUUID,
			Hidden:     true,
			SizeVirt:   info.SizeVirt,
			SizePhys:   info.SizePhys,
		})

		info.ParentUUID = snapID
		info.SizePhys += growth
		h.tool.Put(leafPath, info)
	}
	for i := 0; i < MaxIterationsNoProgress+3; i++ {
		h.xapi.QueueSnapshot(uuid.New())
	}
	// A zero-sector coalesce records a zero speed sample, so no usable
	// speed average exists and the LiveLeafMaxSize gate keeps the loop going.
	h.tool.Sectors = 0

	tree, err := h.rescan(ctx)
	require.NoError(t, err)
	leaf, ok := tree.Get(leafID)
	require.True(t, ok)

	err = h.c.CoalesceLeaf(ctx, leaf, h.rescan, false)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTransient)
	require.True(t, h.c.isFailedTarget(leafID))

	// No final live step ran: the leaf still exists under its own name.
	require.FileExists(t, leafPath)
}
