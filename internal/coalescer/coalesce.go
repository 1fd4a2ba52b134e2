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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/srdriver"
)

// Rescanner refreshes the tree mid-protocol. internal/gcloop supplies the
// Driver's own Scan bound to the force flag the outer loop is running
// with, so a rescan inside a coalesce observes the same tolerance for
// per-VDI scan errors as the loop that launched it.
type Rescanner func(ctx context.Context) (*model.Tree, error)

// CoalesceInline runs the journal-guarded inline-coalesce protocol on v,
// a hidden non-leaf node whose parent has v as its only child. rescan is
// used at step 7 to re-observe the tree after releasing and
// re-acquiring the SR lock, since v's set of children may have changed
// underneath the now-stale tree the caller selected v from.
func (c *Coalescer) CoalesceInline(ctx context.Context, v *model.Node, rescan Rescanner) error {
	parent := v.Parent()
	if parent == nil {
		return fmt.Errorf("%w: %s has no parent", ErrStructural, v.UUID)
	}

	// The LV back-end needs both device nodes active for the tool to
	// touch them; a no-op on the file back-end. v's own deactivation
	// happens just before its deletion.
	if err := c.Driver.Activate(ctx, v); err != nil {
		return fmt.Errorf("%w: activating %s: %v", ErrTransient, v.UUID, err)
	}
	defer func() { _ = c.Driver.Deactivate(ctx, v) }()
	if err := c.Driver.Activate(ctx, parent); err != nil {
		return fmt.Errorf("%w: activating parent %s: %v", ErrTransient, parent.UUID, err)
	}
	defer func() { _ = c.Driver.Deactivate(ctx, parent) }()

	if !c.Journal.Exists(journal.KindRelink, v.UUID) {
		if err := c.coalesceSteps2to5(ctx, v, parent); err != nil {
			return err
		}
	}

	return c.relinkAndDelete(ctx, v, rescan)
}

// coalesceSteps2to5 covers journal-write, validate, offline-grow, and the
// actual vhd-coalesce run. Skipped entirely when relink(v) is already
// present (the crash-recovery fast path of step 1).
func (c *Coalescer) coalesceSteps2to5(ctx context.Context, v, parent *model.Node) error {
	if err := c.Journal.Create(journal.KindCoalesce, v.UUID, parent.UUID.String()); err != nil {
		return fmt.Errorf("coalescer: writing coalesce journal: %w", err)
	}

	if err := c.Tool.Check(ctx, v.Path, true); err != nil {
		return fmt.Errorf("%w: checking %s: %v", ErrStructural, v.UUID, err)
	}
	if err := c.Tool.Check(ctx, parent.Path, true); err != nil {
		return fmt.Errorf("%w: checking parent %s: %v", ErrStructural, parent.UUID, err)
	}

	if err := c.growParentOffline(ctx, v, parent); err != nil {
		return err
	}

	if err := c.runCoalesce(ctx, v, parent); err != nil {
		return err
	}

	if err := c.Journal.Remove(journal.KindCoalesce, v.UUID); err != nil {
		return fmt.Errorf("coalescer: clearing coalesce journal: %w", err)
	}
	return c.Journal.Create(journal.KindRelink, v.UUID, parent.UUID.String())
}

// growParentOffline implements step 4: grow the parent's virtual size to
// at least v's, offline (pause the whole subtree first, unpause after).
func (c *Coalescer) growParentOffline(ctx context.Context, v, parent *model.Node) error {
	subtree := model.Leaves(parent)
	uuids := make([]uuid.UUID, 0, len(subtree))
	for _, n := range subtree {
		uuids = append(uuids, n.UUID)
	}

	if err := c.Driver.PauseVDIs(ctx, uuids); err != nil {
		return fmt.Errorf("%w: pausing subtree of %s: %v", ErrTransient, parent.UUID, err)
	}
	defer func() { _ = c.Driver.UnpauseVDIs(ctx, uuids) }()

	extra, err := c.Driver.CalcExtraSpaceNeeded(ctx, srdriver.SpaceInline, v, parent)
	if err != nil {
		return err
	}
	if err := c.Driver.Inflate(ctx, parent, parent.SizeAllocated+extra); err != nil {
		return &TransientError{Errno: "ENOSPC", Cause: fmt.Errorf("inflating parent %s: %w", parent.UUID, err)}
	}

	target := v.SizeVirt
	if target < parent.SizeVirt {
		target = parent.SizeVirt
	}
	journalFile := c.Journal.Path(journal.KindZero, parent.UUID)
	if err := c.Tool.SetSizeVirt(ctx, parent.Path, target, journalFile); err != nil {
		return fmt.Errorf("%w: resizing parent %s: %v", ErrStructural, parent.UUID, err)
	}
	parent.SizeVirt = target
	return nil
}

// runCoalesce implements step 5: vhd-coalesce under the abort watchdog,
// with throughput recorded and a best-effort repair attempted on
// failure.
func (c *Coalescer) runCoalesce(ctx context.Context, v, parent *model.Node) error {
	runCtx, cancel := c.Abort.Context(ctx)
	defer cancel()

	start := time.Now()
	sectors, err := c.Tool.Coalesce(runCtx, v.Path)
	elapsed := time.Since(start)

	if err != nil {
		if abortErr := c.Abort.Check(); abortErr != nil {
			return fmt.Errorf("%w: %v", ErrAbort, abortErr)
		}
		if repairErr := c.Tool.Repair(ctx, parent.Path); repairErr != nil {
			return fmt.Errorf("%w: coalescing %s failed (%v), repair of parent also failed: %v", ErrStructural, v.UUID, err, repairErr)
		}
		return fmt.Errorf("%w: coalescing %s: %v", ErrStructural, v.UUID, err)
	}

	if elapsed > 0 && c.Speed != nil {
		bytesPerSec := float64(sectors*512) / elapsed.Seconds()
		_ = c.Speed.Record(bytesPerSec)
	}
	return nil
}

// relinkAndDelete covers steps 6–9: relink journal (already written by
// coalesceSteps2to5, or present from a prior crash), repoint children
// under the SR lock, refresh the parent's remaining leaves, then delete
// v and clear the journal.
func (c *Coalescer) relinkAndDelete(ctx context.Context, v *model.Node, rescan Rescanner) error {
	if err := c.Locks.SRLock.Acquire(ctx); err != nil {
		return err
	}

	tree, err := rescan(ctx)
	if err != nil {
		c.Locks.SRLock.Release()
		return err
	}

	cur, ok := tree.Get(v.UUID)
	if !ok {
		// v is already gone: a previous crash got as far as step 9
		// before dying. Nothing left to relink.
		c.Locks.SRLock.Release()
		if err := c.Journal.Remove(journal.KindRelink, v.UUID); err != nil {
			return err
		}
		return nil
	}
	parent := cur.Parent()
	if parent == nil {
		c.Locks.SRLock.Release()
		return fmt.Errorf("%w: %s lost its parent mid-coalesce", ErrConcurrentModification, v.UUID)
	}

	children := append([]*model.Node(nil), cur.Children()...)
	for _, child := range children {
		if err := c.Abort.Check(); err != nil {
			c.Locks.SRLock.Release()
			return err
		}
		rawParent := parent.Raw
		if err := c.Tool.SetParent(ctx, child.Path, parent.Path, rawParent); err != nil {
			c.Locks.SRLock.Release()
			return fmt.Errorf("%w: relinking %s onto %s: %v", ErrStructural, child.UUID, parent.UUID, err)
		}
		child.ParentUUID = parent.UUID
		if child.Config == nil {
			child.Config = map[string]string{}
		}
		child.Config[ConfigKeyVHDParent] = parent.UUID.String()
	}
	c.Locks.SRLock.Release()

	leaves := model.Leaves(parent)
	refresh := make([]uuid.UUID, 0, len(leaves))
	for _, n := range leaves {
		if n.UUID == cur.UUID {
			continue
		}
		refresh = append(refresh, n.UUID)
	}
	if err := c.Driver.RefreshVDIs(ctx, refresh); err != nil {
		return fmt.Errorf("%w: refreshing leaves of %s: %v", ErrTransient, parent.UUID, err)
	}

	if err := c.Journal.Remove(journal.KindRelink, cur.UUID); err != nil {
		return err
	}

	// An LV must be inactive before removal; a no-op when the LV was
	// never activated by this process (recovery path) or on the file
	// back-end.
	_ = c.Driver.Deactivate(ctx, cur)
	if err := c.Driver.DeleteVDI(ctx, cur); err != nil {
		return fmt.Errorf("%w: deleting %s: %v", ErrTransient, cur.UUID, err)
	}
	return c.Driver.ForgetVDI(ctx, cur.UUID)
}
