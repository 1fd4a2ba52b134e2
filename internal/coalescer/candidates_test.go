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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vhdsr/smgc/internal/abortbus"
	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/srdriver"
	"github.com/vhdsr/smgc/internal/throttle"
	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

func newCoalescerForCandidates(t *testing.T) *Coalescer {
	t.Helper()
	dir := t.TempDir()
	js, err := journal.Open(dir + "/journal")
	require.NoError(t, err)

	sr := uuid.New()
	tool := vhdtool.NewFake()
	client := xapi.NewFake(sr, "host0")
	tap := srdriver.NewFakeTapDisk()
	mountDir := dir + "/mnt"
	require.NoError(t, os.MkdirAll(mountDir, 0o700))
	driver := srdriver.NewFileDriver(sr, "host0", mountDir, tool, client, tap)

	locks := lockset.New(dir + "/locks")
	speed := throttle.NewSpeedLog(dir + "/speed_log")
	msgs := throttle.NewMessageThrottle(client, 0)
	return New(sr, "host0", driver, tool, client, js, locks, abortbus.New(), speed, msgs)
}

func node(id uuid.UUID, parent uuid.UUID, hidden bool) *model.Node {
	return &model.Node{UUID: id, ParentUUID: parent, Hidden: hidden, Config: map[string]string{}}
}

func TestFindGarbagePrunesUnreferencedHiddenSubtree(t *testing.T) {
	root := node(uuid.New(), uuid.Nil, false)
	dead1 := node(uuid.New(), root.UUID, true)
	dead2 := node(uuid.New(), dead1.UUID, true)
	live := node(uuid.New(), root.UUID, false)

	tree, err := model.NewTree([]*model.Node{root, dead1, dead2, live}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	garbage := c.FindGarbage(tree)
	require.Len(t, garbage, 2)
	ids := map[uuid.UUID]bool{garbage[0].UUID: true, garbage[1].UUID: true}
	require.True(t, ids[dead1.UUID])
	require.True(t, ids[dead2.UUID])
}

func TestFindGarbageSkipsLiveSubtree(t *testing.T) {
	root := node(uuid.New(), uuid.Nil, false)
	hiddenButReferenced := node(uuid.New(), root.UUID, true)
	leaf := node(uuid.New(), hiddenButReferenced.UUID, false)

	tree, err := model.NewTree([]*model.Node{root, hiddenButReferenced, leaf}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	require.Empty(t, c.FindGarbage(tree))
}

func TestFindCoalesceablePrefersTallestTree(t *testing.T) {
	ctx := context.Background()
	rootA := node(uuid.New(), uuid.Nil, false)
	vA := node(uuid.New(), rootA.UUID, true)
	leafA := node(uuid.New(), vA.UUID, false)

	rootB := node(uuid.New(), uuid.Nil, false)
	midB := node(uuid.New(), rootB.UUID, false)
	vB := node(uuid.New(), midB.UUID, true)
	leafB := node(uuid.New(), vB.UUID, false)

	tree, err := model.NewTree([]*model.Node{rootA, vA, leafA, rootB, midB, vB, leafB}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	best, err := c.FindCoalesceable(ctx, tree)
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, vB.UUID, best.UUID)
}

// TestFindCoalesceableComparesWholeTreeHeightNotCandidateDepth pits a
// shallow candidate in an overall-tall tree against a deeper candidate
// in an overall-short tree: the tie-break is the height of the tree
// each candidate lives in, so the tall tree's candidate must win even
// though it sits closer to its root.
func TestFindCoalesceableComparesWholeTreeHeightNotCandidateDepth(t *testing.T) {
	ctx := context.Background()

	// Tall tree (height 4): rootA -> vA(hidden) -> c1 -> c2 -> c3.
	rootA := node(uuid.New(), uuid.Nil, false)
	vA := node(uuid.New(), rootA.UUID, true)
	c1 := node(uuid.New(), vA.UUID, false)
	c2 := node(uuid.New(), c1.UUID, false)
	c3 := node(uuid.New(), c2.UUID, false)

	// Short tree (height 3) with the deeper candidate:
	// rootB -> midB -> vB(hidden) -> leafB.
	rootB := node(uuid.New(), uuid.Nil, false)
	midB := node(uuid.New(), rootB.UUID, false)
	vB := node(uuid.New(), midB.UUID, true)
	leafB := node(uuid.New(), vB.UUID, false)

	tree, err := model.NewTree([]*model.Node{rootA, vA, c1, c2, c3, rootB, midB, vB, leafB}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	best, err := c.FindCoalesceable(ctx, tree)
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, vA.UUID, best.UUID)
}

func TestFindLeafCoalesceableSkipsOnBootReset(t *testing.T) {
	root := node(uuid.New(), uuid.Nil, false)
	leaf := node(uuid.New(), root.UUID, false)
	leaf.Config[ConfigKeyOnBoot] = "reset"

	tree, err := model.NewTree([]*model.Node{root, leaf}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	require.Nil(t, c.FindLeafCoalesceable(tree))
}

func TestFindLeafCoalesceableHonorsAutoOnlineToggle(t *testing.T) {
	root := node(uuid.New(), uuid.Nil, false)
	leaf := node(uuid.New(), root.UUID, false)

	tree, err := model.NewTree([]*model.Node{root, leaf}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	c.AutoOnlineLeafCoalesceDisabled = true
	require.Nil(t, c.FindLeafCoalesceable(tree))

	leaf.Config[ConfigKeyLeafCoalesce] = "force"
	require.NotNil(t, c.FindLeafCoalesceable(tree))
}

func TestFindCoalesceableSkipsCandidateExceedingFreeSpaceAndPostsOnce(t *testing.T) {
	ctx := context.Background()
	root := node(uuid.New(), uuid.Nil, false)
	v := node(uuid.New(), root.UUID, true)
	leaf := node(uuid.New(), v.UUID, false)

	tree, err := model.NewTree([]*model.Node{root, v, leaf}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	driver := c.Driver.(*srdriver.FileDriver)
	require.NoError(t, os.MkdirAll(driver.MountDir, 0o700))

	fake := c.Tool.(*vhdtool.Fake)
	// Force the overhead terms sky-high so predicted extra space always
	// exceeds whatever free space the test's real temp filesystem
	// reports, regardless of its actual size.
	fake.Overhead = 1 << 60

	best, err := c.FindCoalesceable(ctx, tree)
	require.NoError(t, err)
	require.Nil(t, best)
	require.True(t, c.isNoSpace(v.UUID))

	client := c.XAPI.(*xapi.Fake)
	require.Len(t, client.Messages, 1)
	require.Equal(t, throttle.MsgGCNoSpace, client.Messages[0].Name)

	// A second call within the message-throttle interval must not post
	// again for the same candidate.
	best, err = c.FindCoalesceable(ctx, tree)
	require.NoError(t, err)
	require.Nil(t, best)
	require.Len(t, client.Messages, 1)
}

func TestGetCoalesceableLeavesFiltersDisqualified(t *testing.T) {
	parentA := node(uuid.New(), uuid.Nil, true)
	ok1 := node(uuid.New(), parentA.UUID, false)

	// Not leaf-coalesceable: the parent has two children.
	parentB := node(uuid.New(), uuid.Nil, false)
	sibling := node(uuid.New(), parentB.UUID, false)
	sibling2 := node(uuid.New(), parentB.UUID, false)

	// Not leaf-coalesceable: the user opted out.
	parentC := node(uuid.New(), uuid.Nil, true)
	disabled := node(uuid.New(), parentC.UUID, false)
	disabled.Config[ConfigKeyLeafCoalesce] = "false"

	tree, err := model.NewTree([]*model.Node{parentA, ok1, parentB, sibling, sibling2, parentC, disabled}, false)
	require.NoError(t, err)

	c := newCoalescerForCandidates(t)
	got := c.GetCoalesceableLeaves(tree, []uuid.UUID{ok1.UUID, sibling.UUID, disabled.UUID})
	require.Equal(t, []uuid.UUID{ok1.UUID}, got)
}
