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
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

// interruptedLeafDeps bundles the back-end-specific primitives the
// shared recovery decision needs, so FileDriver and LVDriver can
// each supply their own pathFor/rename/inflate while sharing the
// decision logic itself.
type interruptedLeafDeps struct {
	tool vhdtool.Tool
	xapi xapi.Client
	tap  TapDisk

	pathFor    func(id uuid.UUID, raw bool) string
	oldPathFor func(id uuid.UUID, raw bool) string
	rename     func(oldPath, newPath string) error
	notify     func(ctx context.Context, kind string, args map[string]string) error
	// exists reports whether the back-end artifact at path is present.
	// Defaults to stat-ing a real filesystem path; LVDriver overrides
	// it to check the volume group's LV listing instead.
	exists func(path string) bool

	// inflateFully performs the LV back-end's post-finish full
	// inflate; a no-op for the file back-end.
	inflateFully func(ctx context.Context, path string) error
}

func statExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// handleInterruptedCoalesceLeaf recovers an interrupted leaf
// coalesce: for a
// leaf(child)=parent journal entry found at startup, decide between
// "undo" (the swap never completed) and "finish" (the swap completed but
// we crashed before clearing the journal), then carry it out.
func handleInterruptedCoalesceLeaf(ctx context.Context, d interruptedLeafDeps, childUUID, parentUUID uuid.UUID) error {
	if d.exists == nil {
		d.exists = statExists
	}

	childPath := d.pathFor(childUUID, false)
	childRawPath := d.pathFor(childUUID, true)
	parentPath := d.pathFor(parentUUID, false)
	oldChildPath := d.oldPathFor(childUUID, false)
	oldChildRawPath := d.oldPathFor(childUUID, true)

	childExists := d.exists(childPath) || d.exists(childRawPath)
	parentExists := d.exists(parentPath)
	oldSurvivorExists := d.exists(oldChildPath) || d.exists(oldChildRawPath)

	switch {
	case parentExists || oldSurvivorExists:
		// The swap never completed (the parent's own-named artifact is
		// still present), or it got as far as renaming the leaf aside
		// but crashed before or during the parent rename (both
		// artifacts briefly coexist in that window): undo whatever
		// partial rename happened and reassert hidden bits. This must
		// run whenever either condition holds, not only when the old
		// survivor is present — a crash right after the parent was
		// unhidden/grown (no rename yet) still needs its
		// hidden bit put back, even though undoLeafCoalesce's own
		// exists-guards make every rename inside it a no-op here.
		return undoLeafCoalesce(ctx, d, childUUID, parentUUID, oldChildPath, oldChildRawPath, childPath, childRawPath, parentPath)

	case childExists:
		// Neither the parent nor the renamed-aside leaf survive under
		// their own names: only the renamed child survives under its
		// original name, so the identity swap completed (rename
		// L->OLD_<uuid>, P-><uuid>) but the process crashed before the
		// journal was cleared.
		return finishLeafCoalesce(ctx, d, childUUID, parentUUID, childPath)

	default:
		// Both artifacts are already gone: nothing to recover.
		return nil
	}
}

func undoLeafCoalesce(ctx context.Context, d interruptedLeafDeps, childUUID, parentUUID uuid.UUID, oldChildPath, oldChildRawPath, childPath, childRawPath, parentPath string) error {
	// If the parent's rename to <child> completed, the artifact
	// now named childPath is actually the former parent; rename it
	// back to its own UUID first, freeing up childPath's name.
	if d.exists(childPath) && !d.exists(parentPath) {
		if err := d.rename(childPath, parentPath); err != nil {
			return fmt.Errorf("srdriver: undoing parent rename: %w", err)
		}
	}

	// Rename OLD_<child> back to <child>. Safe because the child's
	// on-disk VHD still points at the original parent UUID until the
	// swap's final phase, so undoing the rename restores a legal
	// tree.
	renamedBack := false
	if d.exists(oldChildPath) && !d.exists(childPath) {
		if err := d.rename(oldChildPath, childPath); err != nil {
			return fmt.Errorf("srdriver: undoing child rename: %w", err)
		}
		renamedBack = true
	}
	if d.exists(oldChildRawPath) && !d.exists(childRawPath) {
		if err := d.rename(oldChildRawPath, childRawPath); err != nil {
			return fmt.Errorf("srdriver: undoing child raw rename: %w", err)
		}
		renamedBack = true
	}

	// A child that had been renamed aside already had its per-VDI
	// config migrated toward the swap; point its control-plane record
	// back at the original parent so it matches the restored on-disk
	// parent pointer.
	if renamedBack {
		cfg, err := d.xapi.GetVDIConfig(ctx, childUUID, "sm-config")
		if err != nil {
			return fmt.Errorf("srdriver: reading child config: %w", err)
		}
		if cfg == nil {
			cfg = xapi.ConfigMap{}
		}
		cfg["vhd-parent"] = parentUUID.String()
		cfg["vdi_type"] = "vhd"
		if err := d.xapi.SetVDIConfig(ctx, childUUID, "sm-config", cfg); err != nil {
			return fmt.Errorf("srdriver: restoring child config: %w", err)
		}
	}

	resolvedChildPath := childPath
	if !d.exists(childPath) && d.exists(childRawPath) {
		resolvedChildPath = childRawPath
	}
	if d.exists(resolvedChildPath) {
		if err := d.tool.SetHidden(ctx, resolvedChildPath, false); err != nil {
			return fmt.Errorf("srdriver: unhiding child: %w", err)
		}
	}
	if d.exists(parentPath) {
		if err := d.tool.SetHidden(ctx, parentPath, true); err != nil {
			return fmt.Errorf("srdriver: rehiding parent: %w", err)
		}
	}

	return d.notify(ctx, "undo_leaf_coalesce", map[string]string{"uuid": childUUID.String()})
}

func finishLeafCoalesce(ctx context.Context, d interruptedLeafDeps, childUUID, parentUUID uuid.UUID, survivorPath string) error {
	if d.inflateFully != nil {
		if err := d.inflateFully(ctx, survivorPath); err != nil {
			return fmt.Errorf("srdriver: finishing leaf-coalesce inflate: %w", err)
		}
	}
	if err := d.xapi.ForgetVDI(ctx, parentUUID); err != nil {
		return fmt.Errorf("srdriver: forgetting original parent %s: %w", parentUUID, err)
	}
	return d.notify(ctx, "resize", map[string]string{"uuid": childUUID.String()})
}
