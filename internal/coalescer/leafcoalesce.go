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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/srdriver"
)

// CoalesceLeaf drives the whole leaf-coalesce protocol for a live
// leaf whose parent has it as its only child: the iteration loop of
// single-snapshot-then-inline-coalesce steps, gated by the progress
// tracker, followed by the final live step. forced mirrors the user's
// leaf-coalesce=force override, which bypasses both the speed/size gate
// and the LiveLeafMaxSize/speed timeout on the final step.
func (c *Coalescer) CoalesceLeaf(ctx context.Context, leaf *model.Node, rescan Rescanner, forced bool) error {
	cur := leaf
	tracker := progressTracker{}
	defer func() {
		c.Metrics.RecordLeafCoalesceIterations(ctx, int64(tracker.iterations))
	}()

	for !c.canLiveCoalesce(cur, forced) {
		if cur.Parent() == nil {
			c.markFailedTarget(leaf.UUID)
			return fmt.Errorf("%w: %s lost its parent", ErrConcurrentModification, leaf.UUID)
		}

		prevSize := cur.SizePhys

		snapUUID, err := c.XAPI.SnapshotVDI(ctx, cur.UUID)
		if err != nil {
			return fmt.Errorf("%w: snapshotting %s: %v", ErrTransient, cur.UUID, err)
		}

		tree, err := rescan(ctx)
		if err != nil {
			return err
		}
		snap, ok := tree.Get(snapUUID)
		if !ok {
			c.markFailedTarget(leaf.UUID)
			return fmt.Errorf("%w: snapshot %s vanished before coalesce", ErrConcurrentModification, snapUUID)
		}
		sp := snap.Parent()
		if !snap.Hidden || snap.IsLeaf() || sp == nil || len(sp.Children()) != 1 {
			c.markFailedTarget(leaf.UUID)
			return fmt.Errorf("%w: snapshot %s is no longer coalesceable", ErrConcurrentModification, snapUUID)
		}

		if err := c.CoalesceInline(ctx, snap, rescan); err != nil {
			return err
		}

		tree, err = rescan(ctx)
		if err != nil {
			return err
		}
		cur, ok = tree.Get(leaf.UUID)
		if !ok {
			c.markFailedTarget(leaf.UUID)
			return fmt.Errorf("%w: %s vanished during leaf-coalesce", ErrConcurrentModification, leaf.UUID)
		}

		if tracker.record(prevSize, cur.SizePhys) {
			c.markFailedTarget(leaf.UUID)
			return fmt.Errorf("%w: %s made no leaf-coalesce progress", ErrTransient, leaf.UUID)
		}
	}

	return c.liveLeafCoalesce(ctx, cur, rescan, forced)
}

// canLiveCoalesce implements step 1 of the iteration loop: true when the
// leaf's allocated size can be copied within the bounded pause, per the
// running-average speed when one is known, else the fixed 20 MiB
// threshold; always true when forced.
func (c *Coalescer) canLiveCoalesce(leaf *model.Node, forced bool) bool {
	if forced {
		return true
	}
	if avg, ok := c.Speed.Average(); ok {
		return float64(leaf.SizeAllocated)/avg < SafetyMargin*MaxDowntime.Seconds()
	}
	return leaf.SizeAllocated < LiveLeafMaxSize
}

// progressTracker decides when a leaf-coalesce loop should give up.
// Each iteration is judged by comparing that iteration's own
// before/after physical size, not a running minimum, so noProgress is
// cumulative and never resets once an iteration fails to shrink the
// VDI. Abort once the iteration count or no-progress count is
// exceeded, or once the size has sat above 1.2x its minimum observed
// value for GraceIterations in a row.
type progressTracker struct {
	iterations int
	noProgress int
	graceCount int
	minSize    int64
	haveMin    bool
}

// record folds in one iteration's before/after physical size and
// reports whether the tracker now demands an abort. The first iteration
// never aborts (there is nothing yet to compare progress against); a
// later iteration that actually shrank the VDI (curSize <= prevSize)
// resets the consecutive-grace count and returns immediately without
// checking the iteration or no-progress limits for that round.
func (t *progressTracker) record(prevSize, curSize int64) bool {
	t.iterations++

	if !t.haveMin || prevSize < t.minSize {
		t.minSize = prevSize
		t.haveMin = true
	}
	if curSize < t.minSize {
		t.minSize = curSize
	}

	if t.iterations == 1 {
		return false
	}

	if prevSize < curSize {
		t.noProgress++
	} else {
		t.graceCount = 0
		return false
	}

	if t.iterations > MaxIterations || t.noProgress > MaxIterationsNoProgress {
		return true
	}

	if float64(curSize) > GraceFactor*float64(t.minSize) {
		t.graceCount++
	} else {
		t.graceCount = 0
	}
	return t.graceCount >= GraceIterations
}

// liveLeafCoalesce is the final live step: the bounded-pause identity
// swap that finishes the chain down to a single VDI.
func (c *Coalescer) liveLeafCoalesce(ctx context.Context, leaf *model.Node, rescan Rescanner, forced bool) error {
	if err := c.Locks.SRLock.Acquire(ctx); err != nil {
		return err
	}
	defer c.Locks.SRLock.Release()

	tree, err := rescan(ctx)
	if err != nil {
		return err
	}
	leafUUID := leaf.UUID
	leaf, ok := tree.Get(leafUUID)
	if !ok || leaf.Hidden || !leaf.IsLeaf() {
		c.markFailedTarget(leafUUID)
		return fmt.Errorf("%w: %s is no longer leaf-coalesceable", ErrConcurrentModification, leafUUID)
	}
	parent := leaf.Parent()
	if parent == nil || len(parent.Children()) != 1 {
		c.markFailedTarget(leaf.UUID)
		return fmt.Errorf("%w: %s's parent is no longer exclusive", ErrConcurrentModification, leaf.UUID)
	}

	// Step 2: LV back-end only, grow a raw parent offline before pausing.
	if err := c.Driver.PrepareCoalesceLeaf(ctx, leaf, parent); err != nil {
		return fmt.Errorf("%w: preparing %s for leaf-coalesce: %v", ErrTransient, leaf.UUID, err)
	}

	// Step 3.
	if err := c.Journal.Create(journal.KindLeaf, leaf.UUID, parent.UUID.String()); err != nil {
		return fmt.Errorf("coalescer: writing leaf journal: %w", err)
	}

	// Step 4: pause the leaf, failfast.
	if err := c.Driver.PauseVDIs(ctx, []uuid.UUID{leaf.UUID}); err != nil {
		_ = c.Journal.Remove(journal.KindLeaf, leaf.UUID)
		return fmt.Errorf("%w: pausing %s: %v", ErrTransient, leaf.UUID, err)
	}
	unpaused := false
	defer func() {
		if !unpaused {
			_ = c.Driver.UnpauseVDIs(ctx, []uuid.UUID{leaf.UUID})
		}
	}()

	preSwapLeafSize := leaf.SizeAllocated

	// Step 5: unhide parent, grow it to at least the leaf's virtual
	// size (inline — atomicity is guaranteed by the pause, not a
	// separate offline step), validate both.
	if err := c.Tool.SetHidden(ctx, parent.Path, false); err != nil {
		return fmt.Errorf("%w: unhiding %s: %v", ErrStructural, parent.UUID, err)
	}
	parent.Hidden = false
	if parent.SizeVirt < leaf.SizeVirt {
		if err := c.Tool.SetSizeVirtFast(ctx, parent.Path, leaf.SizeVirt); err != nil {
			return fmt.Errorf("%w: growing %s: %v", ErrStructural, parent.UUID, err)
		}
		parent.SizeVirt = leaf.SizeVirt
	}
	if err := c.Tool.Check(ctx, leaf.Path, true); err != nil {
		return fmt.Errorf("%w: checking %s: %v", ErrStructural, leaf.UUID, err)
	}
	if err := c.Tool.Check(ctx, parent.Path, true); err != nil {
		return fmt.Errorf("%w: checking %s: %v", ErrStructural, parent.UUID, err)
	}

	// Step 6: vhd-coalesce, bounded by LiveLeafMaxSize/speed unless forced
	// or no speed average is known.
	if err := c.runBoundedCoalesce(ctx, leaf, parent, forced); err != nil {
		return err
	}

	// Step 7: atomic identity swap — rename the leaf aside, then rename
	// the parent onto the leaf's original UUID.
	oldUUID := leaf.UUID
	if err := c.Driver.RenameAside(ctx, leaf); err != nil {
		return fmt.Errorf("%w: renaming %s aside: %v", ErrStructural, oldUUID, err)
	}
	survivorOldUUID := parent.UUID
	if err := c.Driver.Rename(ctx, parent, oldUUID); err != nil {
		return fmt.Errorf("%w: renaming %s onto %s: %v", ErrStructural, survivorOldUUID, oldUUID, err)
	}
	if err := c.Driver.UpdateSlavesOnRename(ctx, survivorOldUUID, oldUUID); err != nil {
		return fmt.Errorf("%w: notifying slaves of rename: %v", ErrTransient, err)
	}

	// Step 8: migrate per-VDI config, fix reference counts.
	if parent.Config == nil {
		parent.Config = map[string]string{}
	}
	delete(parent.Config, ConfigKeyVHDParent)
	if parent.Raw {
		parent.Config[ConfigKeyVDIType] = "raw"
	}
	delete(parent.Config, ConfigKeyBlockBitmap)
	if err := c.Driver.UpdateNode(ctx, parent, preSwapLeafSize); err != nil {
		return fmt.Errorf("%w: updating node bookkeeping for %s: %v", ErrStructural, parent.UUID, err)
	}

	// Step 9: hide the obsolete survivor, detach it from the tree.
	if err := c.Tool.SetHidden(ctx, leaf.Path, true); err != nil {
		return fmt.Errorf("%w: hiding obsolete %s: %v", ErrStructural, leaf.UUID, err)
	}
	leaf.Hidden = true

	// Step 10: predicted headroom decides whether OLD_ is deleted now
	// or deferred.
	extra, err := c.Driver.CalcExtraSpaceNeeded(ctx, srdriver.SpaceLeafCoalesce, leaf, parent)
	if err != nil {
		return err
	}
	free, err := c.Driver.FreeSpace(ctx)
	if err != nil {
		return err
	}
	if free < extra {
		if err := c.Driver.DeleteVDI(ctx, leaf); err != nil {
			return fmt.Errorf("%w: deleting obsolete %s: %v", ErrTransient, leaf.UUID, err)
		}
	}

	// Step 11.
	if err := c.Journal.Remove(journal.KindLeaf, oldUUID); err != nil {
		return err
	}
	if err := c.Driver.ForgetVDI(ctx, survivorOldUUID); err != nil {
		return fmt.Errorf("%w: forgetting original parent %s: %v", ErrTransient, survivorOldUUID, err)
	}
	if err := c.Driver.FinishCoalesceLeaf(ctx, parent); err != nil {
		return fmt.Errorf("%w: finishing coalesce of %s: %v", ErrTransient, parent.UUID, err)
	}
	if err := c.Driver.UpdateSlavesOnResize(ctx, parent); err != nil {
		return fmt.Errorf("%w: notifying slaves of resize: %v", ErrTransient, err)
	}

	// Step 12: unpause (the deferred call above covers the failure
	// paths; doing it explicitly here makes that defer a no-op on the
	// success path).
	if err := c.Driver.UnpauseVDIs(ctx, []uuid.UUID{oldUUID}); err != nil {
		return fmt.Errorf("%w: unpausing %s: %v", ErrTransient, oldUUID, err)
	}
	unpaused = true
	return nil
}

// runBoundedCoalesce implements step 6: vhd-coalesce under the abort
// watchdog, bounded by a LIVE_LEAF_MAX_SIZE/speed timeout. When forced,
// or when the speed log yields no usable average, it runs unbounded,
// like the inline protocol's step 5.
func (c *Coalescer) runBoundedCoalesce(ctx context.Context, leaf, parent *model.Node, forced bool) error {
	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if !forced {
		if avg, ok := c.Speed.Average(); ok && avg > 0 {
			timeout := time.Duration(float64(LiveLeafMaxSize) / avg * float64(time.Second))
			runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		}
	}
	if cancelTimeout != nil {
		defer cancelTimeout()
	}

	abortCtx, cancelAbort := c.Abort.Context(runCtx)
	defer cancelAbort()

	start := time.Now()
	sectors, err := c.Tool.Coalesce(abortCtx, leaf.Path)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: leaf-coalesce of %s exceeded its downtime bound", ErrTransient, leaf.UUID)
		}
		if abortErr := c.Abort.Check(); abortErr != nil {
			return fmt.Errorf("%w: %v", ErrAbort, abortErr)
		}
		if repairErr := c.Tool.Repair(ctx, parent.Path); repairErr != nil {
			return fmt.Errorf("%w: leaf-coalescing %s failed (%v), repair of parent also failed: %v", ErrStructural, leaf.UUID, err, repairErr)
		}
		return fmt.Errorf("%w: leaf-coalescing %s: %v", ErrStructural, leaf.UUID, err)
	}

	if elapsed > 0 && c.Speed != nil {
		bytesPerSec := float64(sectors*512) / elapsed.Seconds()
		_ = c.Speed.Record(bytesPerSec)
	}
	return nil
}
