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

// Package srdriver implements the back-end-specific half of the engine:
// scanning an SR into a model.Tree, free-space accounting, pausing and
// refreshing attached tap-disks, and the allocation mechanics
// (inflate/deflate/activate) that differ between the file and LV
// back-ends. internal/coalescer depends only on the Driver capability
// set, never on FileDriver or LVDriver concretely.
package srdriver

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/model"
)

// MaxScanRetries bounds how many times Scan retries when the
// inspector reports a per-VDI error.
const MaxScanRetries = 3

// Driver is the back-end capability set: the core Coalescer and GC
// loop depend only on this interface, never on a concrete back-end.
type Driver interface {
	// Scan enumerates every VDI in the SR and rebuilds the forest. With
	// force=false a per-VDI inspection error aborts the whole scan after
	// MaxScanRetries attempts; with force=true affected nodes are
	// flagged ScanError instead.
	Scan(ctx context.Context, force bool) (*model.Tree, error)

	// FreeSpace reports currently available space for allocation, in
	// bytes.
	FreeSpace(ctx context.Context) (int64, error)

	// PauseVDIs and UnpauseVDIs are all-or-nothing: PauseVDIs unwinds
	// (unpausing whatever succeeded) and returns an error on partial
	// failure.
	PauseVDIs(ctx context.Context, uuids []uuid.UUID) error
	UnpauseVDIs(ctx context.Context, uuids []uuid.UUID) error

	// RefreshVDIs pauses then immediately unpauses each uuid so its
	// attached tap-disk reloads its backing chain.
	RefreshVDIs(ctx context.Context, uuids []uuid.UUID) error

	// ForgetVDI idempotently removes uuid from the control-plane
	// inventory. It never touches on-disk state.
	ForgetVDI(ctx context.Context, id uuid.UUID) error

	// DeleteVDI removes n's on-disk artifact (unlink the file / remove
	// the LV). It does not touch the control-plane inventory; callers
	// pair it with ForgetVDI.
	DeleteVDI(ctx context.Context, n *model.Node) error

	// NotifySlaves issues a host-plugin RPC to every attached
	// non-local host of a shared SR. A failure is fatal unless the
	// target host is known-offline.
	NotifySlaves(ctx context.Context, kind string, args map[string]string) error

	// Inflate grows a node's physical allocation to at least size
	// bytes (LV: lvextend; file: a no-op, since a sparse file's
	// allocation tracks its VHD physical size already).
	Inflate(ctx context.Context, n *model.Node, size int64) error
	// Deflate shrinks a node's physical allocation down to its actual
	// VHD physical size.
	Deflate(ctx context.Context, n *model.Node) error

	// Activate/Deactivate make a node's back-end storage addressable
	// (LV: lvchange -ay/-an; file: a no-op).
	Activate(ctx context.Context, n *model.Node) error
	Deactivate(ctx context.Context, n *model.Node) error

	// Rename renames a node's on-disk artifact to the given UUID's
	// canonical name, updating n.UUID to match. Used by the
	// leaf-coalesce identity swap's parent->child half and its undo.
	Rename(ctx context.Context, n *model.Node, newUUID uuid.UUID) error

	// RenameAside renames n's on-disk artifact to its OLD_-prefixed
	// form without changing its UUID, marking it a rename survivor.
	// Used by the leaf-coalesce identity swap's child half
	// (rename the leaf to OLD_<uuid>).
	RenameAside(ctx context.Context, n *model.Node) error

	// PrepareCoalesceLeaf performs back-end-specific pre-pause work
	// ahead of a live leaf-coalesce (LV raw-parent offline grow
	// before pausing, since extending a raw LV requires a slow
	// zero-fill).
	PrepareCoalesceLeaf(ctx context.Context, leaf, parent *model.Node) error
	// UpdateNode fixes up back-end bookkeeping after a swap (LV:
	// parent inherits the leaf's binary refcount).
	UpdateNode(ctx context.Context, survivor *model.Node, preSwapLeafSize int64) error
	// FinishCoalesceLeaf performs the post-swap inflate/deflate:
	// inflate fully if the survivor is writable, deflate otherwise.
	FinishCoalesceLeaf(ctx context.Context, survivor *model.Node) error
	// HandleInterruptedCoalesceLeaf implements the startup recovery
	// decision (undo vs finish) for one `leaf` journal entry, checking
	// on-disk presence directly rather than via a scanned Tree (the
	// swap can leave two on-disk artifacts that would otherwise
	// collide on the same VDI UUID).
	HandleInterruptedCoalesceLeaf(ctx context.Context, childUUID, parentUUID uuid.UUID) error

	// UpdateSlavesOnRename/Resize/UndoLeafCoalesce notify attached
	// non-local hosts of the corresponding local mutation. Callers
	// notify after the local mutation and before releasing SR_LOCK,
	// so slaves refresh their view inside the window.
	UpdateSlavesOnRename(ctx context.Context, oldUUID, newUUID uuid.UUID) error
	UpdateSlavesOnResize(ctx context.Context, n *model.Node) error
	UpdateSlavesOnUndoLeafCoalesce(ctx context.Context, childUUID uuid.UUID) error

	// CalcExtraSpaceNeeded implements the space-prediction
	// formulas. kind selects which variant (inline, leaf-coalesce,
	// snapshot-coalesce) applies.
	CalcExtraSpaceNeeded(ctx context.Context, kind SpacePredictionKind, child, parent *model.Node) (int64, error)
}

// SpacePredictionKind selects one of the three space-prediction
// formulas.
type SpacePredictionKind int

const (
	SpaceInline SpacePredictionKind = iota
	SpaceLeafCoalesce
	SpaceSnapshotCoalesce
)

// ErrPartialPauseFailure is returned by PauseVDIs implementations when
// some but not all VDIs paused successfully; the caller has already
// unpaused whatever succeeded.
type ErrPartialPauseFailure struct {
	Failed uuid.UUID
	Cause  error
}

func (e *ErrPartialPauseFailure) Error() string {
	return fmt.Sprintf("srdriver: pausing %s: %v", e.Failed, e.Cause)
}

func (e *ErrPartialPauseFailure) Unwrap() error { return e.Cause }
