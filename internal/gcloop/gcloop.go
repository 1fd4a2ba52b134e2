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

// Package gcloop implements the top-level scheduler (scan,
// garbage-collect, coalesce-one, repeat) and the engine's public API
// entry points (gc, gc_force, abort, get_state, cache_cleanup,
// should_preempt, get_coalesceable_leaves). It is the one package
// that wires every other internal package together for a single SR:
// a single-pass body plus an outer loop around it.
package gcloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/abortbus"
	"github.com/vhdsr/smgc/internal/cachesweep"
	"github.com/vhdsr/smgc/internal/coalescer"
	"github.com/vhdsr/smgc/internal/daemon"
	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/logging"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/srdriver"
	"github.com/vhdsr/smgc/internal/telemetry"
	"github.com/vhdsr/smgc/internal/throttle"
	"github.com/vhdsr/smgc/internal/xapi"
)

// ErrNotPoolMaster is returned by the leadership check: a shared SR's
// worker refuses to run unless this host is the pool master; a local
// SR's worker refuses to run unless it is the sole attached host.
var ErrNotPoolMaster = errors.New("gcloop: this host is not authorized to run GC for this SR")

// Worker drives one SR's GC loop. One Worker exists per running
// engine process.
type Worker struct {
	SR       uuid.UUID
	ThisHost string

	Driver    srdriver.Driver
	XAPI      xapi.Client
	Coalescer *coalescer.Coalescer
	Locks     *lockset.Set
	AbortBus  *abortbus.Bus
	Journal   *journal.Store
	Metrics   *telemetry.Metrics

	// Sweeper is non-nil only for the file back-end; LV-backed
	// SRs have no read-cache files to sweep.
	Sweeper *cachesweep.Sweeper

	// GCInitPath is the "<nonpersistent>/sm/<sr-uuid>/gc_init" readiness
	// indicator, written after the worker's first scan.
	GCInitPath string
	// PidFile is where Daemonize records the backgrounded worker's pid.
	PidFile string
}

// New returns a Worker wired to the given collaborators.
func New(sr uuid.UUID, thisHost string, driver srdriver.Driver, client xapi.Client, c *coalescer.Coalescer, locks *lockset.Set, abort *abortbus.Bus, journalStore *journal.Store, metrics *telemetry.Metrics) *Worker {
	return &Worker{
		SR: sr, ThisHost: thisHost,
		Driver: driver, XAPI: client, Coalescer: c,
		Locks: locks, AbortBus: abort, Journal: journalStore, Metrics: metrics,
	}
}

// checkLeadership verifies this host may mutate the SR's metadata.
func (w *Worker) checkLeadership(ctx context.Context) error {
	rec, err := w.XAPI.GetSRRecord(ctx, w.SR)
	if err != nil {
		return fmt.Errorf("gcloop: fetching SR record: %w", err)
	}
	if !rec.IsPoolMasterLocal() {
		return fmt.Errorf("%w: %s is not the pool master for shared SR %s", ErrNotPoolMaster, w.ThisHost, w.SR)
	}
	if rec.Shared {
		return nil
	}
	hosts, err := w.XAPI.ListAttachedHosts(ctx, w.SR)
	if err != nil {
		return fmt.Errorf("gcloop: listing attached hosts: %w", err)
	}
	for _, h := range hosts {
		if h != w.ThisHost {
			return fmt.Errorf("%w: local SR %s is attached to %s, not just %s", ErrNotPoolMaster, w.SR, h, w.ThisHost)
		}
	}
	return nil
}

// GC implements the gc(session, sr, background, dryRun) public API. In
// the foreground it runs the loop inline; with background requested it
// re-execs itself via internal/daemon and returns once the child has
// written GCInitPath.
func (w *Worker) GC(ctx context.Context, background, dryRun bool) error {
	if background && !daemon.InBackground() {
		return daemon.Daemonize(daemon.Options{
			PidFile:      w.PidFile,
			ReadyFile:    w.GCInitPath,
			ReadyTimeout: 60 * time.Second,
		})
	}
	return w.run(ctx, dryRun, false)
}

// GCForce implements gc_force(session, sr, force, dryRun, lockSR).
// force relaxes the scan's per-VDI error tolerance (bad nodes are
// flagged ScanError and skipped rather than aborting the run); lockSR
// additionally holds SR_LOCK for the whole pass rather than only
// around each mutation, for a caller that wants exclusive access
// (e.g. an operator-triggered forced pass during maintenance).
func (w *Worker) GCForce(ctx context.Context, force, dryRun, lockSR bool) error {
	if lockSR {
		if err := w.Locks.SRLock.Acquire(ctx); err != nil {
			return err
		}
		defer w.Locks.SRLock.Release()
	}
	return w.run(ctx, dryRun, force)
}

// Abort implements abort(sr, soft) -> bool: it signals the cooperative
// cancellation flag, then confirms the worker actually stopped by
// acquiring GC_ACTIVE. A soft abort returns false at once if an abort
// is already pending, and waits at most 3 seconds for GC_ACTIVE; a hard
// abort waits for GC_ACTIVE without a bound.
func (w *Worker) Abort(soft bool) bool {
	if soft && w.AbortBus.Requested() {
		return false
	}
	w.AbortBus.Signal()

	ctx := context.Background()
	if soft {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
	}
	if err := w.Locks.AcquireGCActive(ctx); err != nil {
		return false
	}
	defer w.Locks.GCActive.Release()
	return true
}

// GetState implements get_state(sr) -> bool: whether a worker is
// currently inside an outer-loop iteration.
func (w *Worker) GetState() bool {
	return w.Locks.GCRunning.Present()
}

// CacheCleanup implements cache_cleanup(session, sr, maxAgeHours) ->
// count. A nil Sweeper (LV back-end) always reports zero removed.
func (w *Worker) CacheCleanup(ctx context.Context, maxAgeHours float64) (int, error) {
	if w.Sweeper == nil {
		return 0, nil
	}
	maxAge := time.Duration(maxAgeHours * float64(time.Hour))
	return w.Sweeper.Sweep(ctx, maxAge)
}

// ShouldPreempt implements should_preempt(session, sr) -> bool: a
// caller about to perform its own exclusive SR operation asks whether
// it is currently safe to interrupt this worker. It is not safe while
// a `coalesce` journal entry is outstanding: that window is the
// uninterruptible middle of an inline coalesce (journal write through
// relink).
func (w *Worker) ShouldPreempt(ctx context.Context) (bool, error) {
	recs, err := w.Journal.All(journal.KindCoalesce)
	if err != nil {
		return false, fmt.Errorf("gcloop: checking preemption window: %w", err)
	}
	return len(recs) == 0, nil
}

// GetCoalesceableLeaves implements
// get_coalesceable_leaves(session, sr, [uuids]) -> subset: it rescans
// to get a current tree, then filters uuids down to the
// leaf-coalesceable subset.
func (w *Worker) GetCoalesceableLeaves(ctx context.Context, uuids []uuid.UUID) ([]uuid.UUID, error) {
	tree, err := w.Driver.Scan(ctx, false)
	if err != nil {
		return nil, err
	}
	return w.Coalescer.GetCoalesceableLeaves(tree, uuids), nil
}

// run is the shared body of GC and GCForce: acquire leadership and
// GC_ACTIVE, then iterate scan/garbage-collect/coalesce-one until a
// pass makes no progress.
func (w *Worker) run(ctx context.Context, dryRun, force bool) error {
	if err := w.checkLeadership(ctx); err != nil {
		return err
	}
	lockStart := time.Now()
	if err := w.Locks.AcquireGCActive(ctx); err != nil {
		return err
	}
	w.Metrics.RecordLockWait(ctx, time.Since(lockStart))
	defer w.Locks.GCActive.Release()

	w.Coalescer.ResetRunState()

	first := true
	for {
		if err := w.AbortBus.Check(); err != nil {
			logging.Infof("gcloop: %s: abort requested, unwinding cleanly", w.SR)
			return nil
		}

		if err := w.Locks.GCRunning.Set(); err != nil {
			return fmt.Errorf("gcloop: setting GC_RUNNING indicator: %w", err)
		}
		again, err := w.pass(ctx, dryRun, force, &first)
		if clearErr := w.Locks.GCRunning.Clear(); clearErr != nil && err == nil {
			err = fmt.Errorf("gcloop: clearing GC_RUNNING indicator: %w", clearErr)
		}
		if err != nil {
			if errors.Is(err, abortbus.ErrAbort) || errors.Is(err, coalescer.ErrAbort) {
				logging.Infof("gcloop: %s: abort requested mid-pass, unwinding cleanly", w.SR)
				return nil
			}
			return err
		}
		if dryRun || !again {
			return nil
		}
	}
}

// pass runs one scan + at-most-one-mutation iteration, returning
// whether run should loop for another pass. A candidate that fails and
// lands on the failed-targets list also returns true: the next pass
// skips it and moves on to other garbage/coalesce work in the same
// run, and the loop still terminates because the failed-targets set
// only grows. False means the scan found nothing eligible at all, or
// that a dry run found eligible work and only logged it.
func (w *Worker) pass(ctx context.Context, dryRun, force bool, first *bool) (bool, error) {
	tree, err := w.Driver.Scan(ctx, force)
	if err != nil {
		return false, err
	}

	if *first {
		if err := w.Coalescer.RecoverInterruptedLeafCoalesces(ctx); err != nil {
			return false, err
		}
		rescan := func(ctx context.Context) (*model.Tree, error) { return w.Driver.Scan(ctx, force) }
		if err := w.Coalescer.RecoverInterruptedInlineCoalesces(ctx, tree, rescan); err != nil {
			return false, err
		}
		if err := w.Coalescer.PruneDanglingCloneHints(tree); err != nil {
			return false, err
		}
		if tree, err = w.Driver.Scan(ctx, force); err != nil {
			return false, err
		}
		if w.GCInitPath != "" {
			if err := daemon.SignalReady(w.GCInitPath); err != nil {
				return false, err
			}
		}
		*first = false
	}

	rescan := func(ctx context.Context) (*model.Tree, error) { return w.Driver.Scan(ctx, force) }

	if garbage := w.Coalescer.FindGarbage(tree); len(garbage) > 0 {
		if dryRun {
			logging.Infof("gcloop: %s: dry-run, %d garbage node(s) eligible for deletion", w.SR, len(garbage))
			return false, nil
		}
		return w.deleteGarbage(ctx, garbage)
	}

	if candidate, err := w.Coalescer.FindCoalesceable(ctx, tree); err != nil {
		return false, err
	} else if candidate != nil {
		if dryRun {
			logging.Infof("gcloop: %s: dry-run, %s is inline-coalesceable", w.SR, candidate.UUID)
			return false, nil
		}
		return w.coalesceInline(ctx, candidate, rescan)
	}

	if leaf := w.Coalescer.FindLeafCoalesceable(tree); leaf != nil {
		if dryRun {
			logging.Infof("gcloop: %s: dry-run, %s is leaf-coalesceable", w.SR, leaf.UUID)
			return false, nil
		}
		return w.coalesceLeaf(ctx, leaf, rescan)
	}

	return false, nil
}

func (w *Worker) deleteGarbage(ctx context.Context, garbage []*model.Node) (bool, error) {
	var reclaimed int64
	// FindGarbage visits roots before the subtrees beneath them;
	// delete in reverse so a leaf of a garbage subtree is always
	// removed before its ancestor.
	for i := len(garbage) - 1; i >= 0; i-- {
		n := garbage[i]
		if err := w.Driver.DeleteVDI(ctx, n); err != nil {
			return false, fmt.Errorf("gcloop: deleting garbage %s: %w", n.UUID, err)
		}
		if err := w.Driver.ForgetVDI(ctx, n.UUID); err != nil {
			return false, fmt.Errorf("gcloop: forgetting garbage %s: %w", n.UUID, err)
		}
		reclaimed += n.SizeAllocated
		logging.Infof("gcloop: %s: deleted garbage VDI %s", w.SR, n.UUID)
	}
	w.Metrics.RecordGarbageReclaimed(ctx, reclaimed)
	return true, nil
}

func (w *Worker) coalesceInline(ctx context.Context, candidate *model.Node, rescan coalescerRescanner) (bool, error) {
	start := time.Now()
	err := w.Coalescer.CoalesceInline(ctx, candidate, rescan)
	if err != nil {
		if errors.Is(err, abortbus.ErrAbort) || errors.Is(err, coalescer.ErrAbort) {
			return false, err
		}
		w.Coalescer.MarkFailedTarget(candidate.UUID)
		w.postCoalesceError(ctx, candidate.UUID, err)
		logging.Warnf("gcloop: %s: inline coalesce of %s failed, skipping for this run: %v", w.SR, candidate.UUID, err)
		// The failure only disqualifies this candidate; keep the pass
		// loop going so the rest of the run's work still happens.
		return true, nil
	}
	elapsed := time.Since(start)
	var throughput float64
	if elapsed > 0 {
		throughput = float64(candidate.SizePhys) / elapsed.Seconds()
	}
	w.Metrics.RecordCoalesce(ctx, elapsed, throughput)
	logging.Infof("gcloop: %s: inline-coalesced %s in %s", w.SR, candidate.UUID, elapsed)
	return true, nil
}

func (w *Worker) coalesceLeaf(ctx context.Context, leaf *model.Node, rescan coalescerRescanner) (bool, error) {
	forced := leaf.Config[coalescer.ConfigKeyLeafCoalesce] == "force"
	start := time.Now()
	err := w.Coalescer.CoalesceLeaf(ctx, leaf, rescan, forced)
	if err != nil {
		if errors.Is(err, abortbus.ErrAbort) || errors.Is(err, coalescer.ErrAbort) {
			return false, err
		}
		w.Coalescer.MarkFailedTarget(leaf.UUID)
		w.postCoalesceError(ctx, leaf.UUID, err)
		logging.Warnf("gcloop: %s: leaf-coalesce of %s failed, skipping for this run: %v", w.SR, leaf.UUID, err)
		// The failure only disqualifies this candidate; keep the pass
		// loop going so the rest of the run's work still happens.
		return true, nil
	}
	elapsed := time.Since(start)
	w.Metrics.RecordCoalesce(ctx, elapsed, 0)
	logging.Infof("gcloop: %s: leaf-coalesced %s in %s", w.SR, leaf.UUID, elapsed)
	return true, nil
}

// postCoalesceError surfaces a coalesce failure to the control plane,
// rate-limited per message name so a candidate failing every pass
// doesn't flood the operator.
func (w *Worker) postCoalesceError(ctx context.Context, id uuid.UUID, err error) {
	if w.Coalescer.Msgs == nil {
		return
	}
	errno := coalescer.ErrnoOf(err)
	body := throttle.ErrnoBody(errno, fmt.Sprintf("coalesce of %s: %v", id, err))
	if postErr := w.Coalescer.Msgs.Post(ctx, throttle.MsgCoalesceError, 3, "VDI", id.String(), body); postErr != nil {
		logging.Warnf("gcloop: %s: posting coalesce error message: %v", w.SR, postErr)
	}
}

// coalescerRescanner matches coalescer.Rescanner's signature without
// importing the coalescer package just for the type alias.
type coalescerRescanner = func(ctx context.Context) (*model.Tree, error)
