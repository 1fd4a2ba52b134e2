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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/abortbus"
	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/srdriver"
	"github.com/vhdsr/smgc/internal/telemetry"
	"github.com/vhdsr/smgc/internal/throttle"
	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

// Leaf-coalesce tunables.
const (
	MaxDowntime             = 10 * time.Second
	SafetyMargin            = 0.5
	LiveLeafMaxSize         = 20 << 20 // 20 MiB
	MaxIterations           = 10
	MaxIterationsNoProgress = 3
	GraceIterations         = 2
	GraceFactor             = 1.2
)

// Coalescer drives the engine's state machine: candidate selection,
// the inline coalesce, the leaf-coalesce loop, and interrupted-run
// recovery. internal/gcloop owns one per SR and calls it once per
// outer-loop iteration.
type Coalescer struct {
	SR       uuid.UUID
	ThisHost string

	Driver  srdriver.Driver
	Tool    vhdtool.Tool
	XAPI    xapi.Client
	Journal *journal.Store
	Locks   *lockset.Set
	Abort   *abortbus.Bus
	Speed   *throttle.SpeedLog
	Msgs    *throttle.MessageThrottle

	// AutoOnlineLeafCoalesceDisabled mirrors the per-pool global
	// toggle; a disabled pool still leaf-coalesces VDIs the user
	// explicitly forced.
	AutoOnlineLeafCoalesceDisabled bool

	// Metrics is optional; a nil value disables instrument reporting.
	Metrics *telemetry.Metrics

	mu            sync.Mutex
	failedTargets map[uuid.UUID]bool
	noSpaceSet    map[uuid.UUID]bool
}

// New returns a Coalescer wired to the given collaborators.
func New(sr uuid.UUID, thisHost string, driver srdriver.Driver, tool vhdtool.Tool, client xapi.Client, journalStore *journal.Store, locks *lockset.Set, abort *abortbus.Bus, speed *throttle.SpeedLog, msgs *throttle.MessageThrottle) *Coalescer {
	return &Coalescer{
		SR: sr, ThisHost: thisHost,
		Driver: driver, Tool: tool, XAPI: client, Journal: journalStore,
		Locks: locks, Abort: abort, Speed: speed, Msgs: msgs,
		failedTargets: map[uuid.UUID]bool{},
		noSpaceSet:    map[uuid.UUID]bool{},
	}
}

// ResetRunState clears the failed-targets and no-space sets. The GC
// loop calls this once per fresh top-level gc() invocation: candidates
// failing the space check or the leaf-coalesce tracker are only
// excluded for the run that failed them.
func (c *Coalescer) ResetRunState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedTargets = map[uuid.UUID]bool{}
	c.noSpaceSet = map[uuid.UUID]bool{}
}

func (c *Coalescer) isFailedTarget(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedTargets[id]
}

func (c *Coalescer) markFailedTarget(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedTargets[id] = true
}

// MarkFailedTarget records id on the failed-targets list for this run:
// the caller driving the outer loop (internal/gcloop) calls this after
// catching a non-abort error out of CoalesceInline or CoalesceLeaf, so
// the candidate is skipped by FindCoalesceable/FindLeafCoalesceable on
// the next iteration instead of being retried in a tight loop.
func (c *Coalescer) MarkFailedTarget(id uuid.UUID) {
	c.markFailedTarget(id)
}

func (c *Coalescer) markNoSpace(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noSpaceSet[id] = true
}

func (c *Coalescer) isNoSpace(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noSpaceSet[id]
}

// RecoverInterruptedLeafCoalesces runs startup recovery for every
// persisted `leaf` journal entry. Called once by the GC loop after
// the first scan of a run, before any candidate selection.
func (c *Coalescer) RecoverInterruptedLeafCoalesces(ctx context.Context) error {
	records, err := c.Journal.All(journal.KindLeaf)
	if err != nil {
		return err
	}
	for _, rec := range records {
		parentUUID, err := uuid.Parse(rec.Payload)
		if err != nil {
			continue
		}
		if err := c.Driver.HandleInterruptedCoalesceLeaf(ctx, rec.UUID, parentUUID); err != nil {
			return err
		}
		if err := c.Journal.Remove(journal.KindLeaf, rec.UUID); err != nil {
			return err
		}
	}
	return nil
}

// RecoverInterruptedInlineCoalesces resumes any inline coalesce a
// prior run died in the middle of: a persisted `relink` entry means
// the data copy finished, so recovery replays from the relink phase.
// Called once by the GC loop after the first scan of a run,
// before any candidate selection — CoalesceInline's own step-1 check
// means calling it again here for an already-finished node is a no-op.
func (c *Coalescer) RecoverInterruptedInlineCoalesces(ctx context.Context, tree *model.Tree, rescan Rescanner) error {
	for _, kind := range []journal.Kind{journal.KindCoalesce, journal.KindRelink} {
		records, err := c.Journal.All(kind)
		if err != nil {
			return err
		}
		for _, rec := range records {
			v, ok := tree.Get(rec.UUID)
			if !ok {
				// Already deleted (step 9 completed, just not the
				// journal remove); drop the stale record.
				if err := c.Journal.Remove(kind, rec.UUID); err != nil {
					return err
				}
				continue
			}
			if err := c.CoalesceInline(ctx, v, rescan); err != nil {
				return err
			}
		}
	}
	return nil
}

// PruneDanglingCloneHints removes `clone` journal entries whose base
// VDI is no longer present. The entries themselves are written by
// third-party snapshot/clone operations; the GC only prunes dangling
// ones.
func (c *Coalescer) PruneDanglingCloneHints(tree *model.Tree) error {
	records, err := c.Journal.All(journal.KindClone)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, ok := tree.Get(rec.UUID); !ok {
			if err := c.Journal.Remove(journal.KindClone, rec.UUID); err != nil {
				return err
			}
		}
	}
	return nil
}
