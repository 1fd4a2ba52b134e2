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

package srdriver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/vhdtool"
)

func newLVFixture(t *testing.T) (*LVDriver, *FakeLVM, *vhdtool.Fake) {
	t.Helper()
	sr := uuid.New()
	lvm := NewFakeLVM()
	tool := vhdtool.NewFake()
	js, err := journal.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	d := NewLVDriver(sr, "host0", "VG_XenStorage-"+sr.String(), lvm, tool, nil, NewFakeTapDisk(), js)
	return d, lvm, tool
}

func seedLV(t *testing.T, d *LVDriver, lvm *FakeLVM, tool *vhdtool.Fake, id uuid.UUID, info vhdtool.Info) {
	t.Helper()
	name := VHDLVPrefix + id.String()
	lvm.Seed(d.VG, name, LVInfo{Name: name, Size: info.SizePhys, Active: true})
	tool.PutNode(d.devicePath(name), id, info)
}

func TestLVDriverScanBuildsForest(t *testing.T) {
	ctx := context.Background()
	d, lvm, tool := newLVFixture(t)

	root, child := uuid.New(), uuid.New()
	seedLV(t, d, lvm, tool, root, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	seedLV(t, d, lvm, tool, child, vhdtool.Info{ParentUUID: root, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	tree, err := d.Scan(ctx, false)
	require.NoError(t, err)

	n, ok := tree.Get(child)
	require.True(t, ok)
	require.NotNil(t, n.Parent())
	assert.Equal(t, root, n.Parent().UUID)
	assert.Equal(t, VHDLVPrefix+child.String(), n.LVName)
}

func TestLVDriverScanTreatsRenameSurvivorAsExtraRoot(t *testing.T) {
	ctx := context.Background()
	d, lvm, tool := newLVFixture(t)

	orphanParent := uuid.New()
	survivor := uuid.New()
	name := VHDLVPrefix + model.RenamePrefix + survivor.String()
	lvm.Seed(d.VG, name, LVInfo{Name: name, Size: 1 << 20, Active: true})
	tool.PutNode(d.devicePath(name), survivor, vhdtool.Info{ParentUUID: orphanParent, Hidden: true})

	tree, err := d.Scan(ctx, false)
	require.NoError(t, err)
	require.Len(t, tree.Roots(), 1)
	assert.True(t, tree.Roots()[0].IsRenameSurvivor())
}

func TestLVDriverActivateRefcountsPerLV(t *testing.T) {
	ctx := context.Background()
	d, lvm, tool := newLVFixture(t)

	id := uuid.New()
	seedLV(t, d, lvm, tool, id, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	tree, err := d.Scan(ctx, false)
	require.NoError(t, err)
	n, ok := tree.Get(id)
	require.True(t, ok)

	require.NoError(t, d.Activate(ctx, n))
	require.NoError(t, d.Activate(ctx, n))

	// The first nested release must not deactivate the device.
	require.NoError(t, d.Deactivate(ctx, n))
	lvs, err := lvm.List(ctx, d.VG)
	require.NoError(t, err)
	assert.True(t, lvs[0].Active)

	require.NoError(t, d.Deactivate(ctx, n))
	lvs, err = lvm.List(ctx, d.VG)
	require.NoError(t, err)
	assert.False(t, lvs[0].Active)

	// Deactivating past zero is a no-op, not an error.
	require.NoError(t, d.Deactivate(ctx, n))
}

func TestLVDriverRenameAsideMarksSurvivor(t *testing.T) {
	ctx := context.Background()
	d, lvm, tool := newLVFixture(t)

	id := uuid.New()
	seedLV(t, d, lvm, tool, id, vhdtool.Info{SizeVirt: 10 << 20, SizePhys: 1 << 20})
	tree, err := d.Scan(ctx, false)
	require.NoError(t, err)
	n, ok := tree.Get(id)
	require.True(t, ok)

	require.NoError(t, d.RenameAside(ctx, n))
	assert.True(t, n.Renamed)
	assert.Equal(t, VHDLVPrefix+model.RenamePrefix+id.String(), n.LVName)

	lvs, err := lvm.List(ctx, d.VG)
	require.NoError(t, err)
	require.Len(t, lvs, 1)
	assert.Equal(t, n.LVName, lvs[0].Name)
}

func TestLVDriverPrepareCoalesceLeafGrowsRawParent(t *testing.T) {
	ctx := context.Background()
	d, lvm, tool := newLVFixture(t)

	parentID, leafID := uuid.New(), uuid.New()
	parentName := RawLVPrefix + parentID.String()
	lvm.Seed(d.VG, parentName, LVInfo{Name: parentName, Size: 5 << 20, Active: true})
	tool.PutNode(d.devicePath(parentName), parentID, vhdtool.Info{})
	seedLV(t, d, lvm, tool, leafID, vhdtool.Info{ParentUUID: parentID, SizeVirt: 10 << 20, SizePhys: 1 << 20})

	tree, err := d.Scan(ctx, false)
	require.NoError(t, err)
	leaf, ok := tree.Get(leafID)
	require.True(t, ok)
	parent, ok := tree.Get(parentID)
	require.True(t, ok)
	require.True(t, parent.Raw)
	parent.SizeVirt = 5 << 20

	require.NoError(t, d.PrepareCoalesceLeaf(ctx, leaf, parent))
	assert.Equal(t, leaf.SizeVirt, parent.SizeVirt)

	lvs, err := lvm.List(ctx, d.VG)
	require.NoError(t, err)
	for _, lv := range lvs {
		if lv.Name == parentName {
			assert.Equal(t, leaf.SizeVirt, lv.Size)
		}
	}
	assert.False(t, d.Journal.Exists(journal.KindZero, parentID))
}
