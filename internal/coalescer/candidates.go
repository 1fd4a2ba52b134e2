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

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/srdriver"
	"github.com/vhdsr/smgc/internal/throttle"
)

// FindGarbage returns every node that is hidden, not ScanError, has no
// pending relink journal, and every descendant of which is itself
// garbage — i.e. a hidden subtree nothing references. Nodes are
// returned in preorder (an ancestor always precedes its descendants),
// so callers delete in reverse to remove the leaves of a garbage
// subtree before their ancestors.
func (c *Coalescer) FindGarbage(tree *model.Tree) []*model.Node {
	memo := map[*model.Node]bool{}
	var isGarbage func(n *model.Node) bool
	isGarbage = func(n *model.Node) bool {
		if v, ok := memo[n]; ok {
			return v
		}
		if !n.Hidden || n.ScanError || c.Journal.Exists(journal.KindRelink, n.UUID) {
			memo[n] = false
			return false
		}
		for _, child := range n.Children() {
			if !isGarbage(child) {
				memo[n] = false
				return false
			}
		}
		memo[n] = true
		return true
	}

	var out []*model.Node
	var visit func(nodes []*model.Node)
	visit = func(nodes []*model.Node) {
		for _, n := range nodes {
			if isGarbage(n) {
				out = append(out, n)
			}
			visit(n.Children())
		}
	}
	visit(tree.Roots())
	return out
}

// FindCoalesceable chooses one hidden, non-leaf node whose parent has
// exactly one child (itself) as the next inline-coalesce candidate.
// Among candidates that fit, the one in the tallest tree wins (on equal
// heights, the first one visited is kept); candidates whose predicted
// extra space exceeds free space are
// recorded in the no-space set and excluded, with a rate-limited
// GC_NO_SPACE message posted.
func (c *Coalescer) FindCoalesceable(ctx context.Context, tree *model.Tree) (*model.Node, error) {
	free, err := c.Driver.FreeSpace(ctx)
	if err != nil {
		return nil, err
	}

	var best *model.Node
	bestHeight := -1
	// The tie-break compares the overall height of each candidate's
	// tree (root to deepest leaf), computed once per root.
	treeHeights := map[*model.Node]int{}
	for _, n := range tree.All() {
		if !n.Hidden || n.IsLeaf() || n.ScanError || c.isFailedTarget(n.UUID) {
			continue
		}
		p := n.Parent()
		if p == nil || len(p.Children()) != 1 {
			continue
		}

		extra, err := c.Driver.CalcExtraSpaceNeeded(ctx, srdriver.SpaceInline, n, p)
		if err != nil {
			return nil, err
		}
		if extra > free {
			c.markNoSpace(n.UUID)
			if err := c.postNoSpace(ctx, n); err != nil {
				return nil, err
			}
			continue
		}

		root := model.Root(n)
		h, ok := treeHeights[root]
		if !ok {
			h = model.TreeHeight(root)
			treeHeights[root] = h
		}
		if h > bestHeight {
			best, bestHeight = n, h
		}
	}
	return best, nil
}

func (c *Coalescer) postNoSpace(ctx context.Context, n *model.Node) error {
	if c.Msgs == nil {
		return nil
	}
	return c.Msgs.Post(ctx, throttle.MsgGCNoSpace, 3, "VDI", n.UUID.String(),
		throttle.ErrnoBody("ENOSPC", "insufficient free space to coalesce "+n.UUID.String()))
}

// FindLeafCoalesceable chooses one visible leaf whose parent has
// exactly one child (itself), skipping any leaf disqualified by
// on-boot policy, caching, user opt-out, scan errors, or an earlier
// failure this run.
func (c *Coalescer) FindLeafCoalesceable(tree *model.Tree) *model.Node {
	for _, n := range tree.All() {
		if n.Hidden || !n.IsLeaf() || n.ScanError || c.isFailedTarget(n.UUID) {
			continue
		}
		p := n.Parent()
		if p == nil || len(p.Children()) != 1 {
			continue
		}
		if c.leafCoalesceDisqualified(n) {
			continue
		}
		return n
	}
	return nil
}

func (c *Coalescer) leafCoalesceDisqualified(n *model.Node) bool {
	cfg := n.Config
	if onBootIsReset(cfg) {
		return true
	}
	if boolConfig(cfg, ConfigKeyAllowCaching, false) {
		return true
	}
	if leafCoalesceDisabled(cfg) {
		return true
	}
	if c.AutoOnlineLeafCoalesceDisabled && !leafCoalesceForced(cfg) {
		return true
	}
	return false
}

// GetCoalesceableLeaves filters uuids down to those currently
// leaf-coalesceable, backing the
// get_coalesceable_leaves(session, sr, [uuids]) public API.
func (c *Coalescer) GetCoalesceableLeaves(tree *model.Tree, uuids []uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range uuids {
		n, ok := tree.Get(id)
		if !ok {
			continue
		}
		if n.Hidden || !n.IsLeaf() || n.ScanError {
			continue
		}
		p := n.Parent()
		if p == nil || len(p.Children()) != 1 {
			continue
		}
		if c.leafCoalesceDisqualified(n) {
			continue
		}
		out = append(out, id)
	}
	return out
}
