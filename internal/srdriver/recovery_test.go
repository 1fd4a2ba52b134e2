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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

func newRecoveryFixture(t *testing.T) (*FileDriver, string) {
	t.Helper()
	dir := t.TempDir()
	sr := uuid.New()
	tool := vhdtool.NewFake()
	client := xapi.NewFake(sr, "host0")
	tap := NewFakeTapDisk()
	return NewFileDriver(sr, "host0", dir, tool, client, tap), dir
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o600))
}

// TestHandleInterruptedCoalesceLeafUndoesOnCrashWindow covers the crash
// window where the leaf was already renamed aside (OLD_<child>) but the
// process died before (or while) renaming the parent onto the child's
// UUID, so the parent's own-named artifact and the renamed survivor both
// briefly exist. This must still undo, not fall through to "nothing to
// recover".
func TestHandleInterruptedCoalesceLeafUndoesOnCrashWindow(t *testing.T) {
	d, dir := newRecoveryFixture(t)
	child, parent := uuid.New(), uuid.New()

	touch(t, filepath.Join(dir, parent.String()+".vhd"))
	touch(t, filepath.Join(dir, "OLD_"+child.String()+".vhd"))

	require.NoError(t, d.HandleInterruptedCoalesceLeaf(context.Background(), child, parent))

	// The renamed-aside leaf must be restored to its own name.
	require.FileExists(t, filepath.Join(dir, child.String()+".vhd"))
	require.NoFileExists(t, filepath.Join(dir, "OLD_"+child.String()+".vhd"))
	// The parent survives under its own name; nothing renames it here
	// since the swap never reached that step.
	require.FileExists(t, filepath.Join(dir, parent.String()+".vhd"))

	// The restored child's control-plane record points back at the
	// original parent.
	client := d.XAPI.(*xapi.Fake)
	cfg, err := client.GetVDIConfig(context.Background(), child, "sm-config")
	require.NoError(t, err)
	require.Equal(t, parent.String(), cfg["vhd-parent"])
	require.Equal(t, "vhd", cfg["vdi_type"])
}

// TestHandleInterruptedCoalesceLeafUndoesBeforeAnyRename covers a crash
// right after step 5 (parent unhidden/grown) with no rename attempted
// yet: only the parent's own-named artifact is present. This must also
// undo (reassert hidden bits), not no-op.
func TestHandleInterruptedCoalesceLeafUndoesBeforeAnyRename(t *testing.T) {
	d, dir := newRecoveryFixture(t)
	child, parent := uuid.New(), uuid.New()

	parentPath := filepath.Join(dir, parent.String()+".vhd")
	childPath := filepath.Join(dir, child.String()+".vhd")
	touch(t, parentPath)
	touch(t, childPath)

	tool := d.Tool.(*vhdtool.Fake)
	tool.Put(parentPath, vhdtool.Info{})
	tool.Put(childPath, vhdtool.Info{Hidden: true})

	require.NoError(t, d.HandleInterruptedCoalesceLeaf(context.Background(), child, parent))

	hidden, err := tool.GetHidden(context.Background(), childPath)
	require.NoError(t, err)
	require.False(t, hidden)
	hidden, err = tool.GetHidden(context.Background(), parentPath)
	require.NoError(t, err)
	require.True(t, hidden)
}

// TestHandleInterruptedCoalesceLeafFinishesCompletedSwap covers the case
// where the identity swap fully completed (rename L->OLD_<uuid>,
// P-><uuid>) but the process crashed before the journal entry was
// cleared: only the renamed child survives under its original name.
func TestHandleInterruptedCoalesceLeafFinishesCompletedSwap(t *testing.T) {
	d, dir := newRecoveryFixture(t)
	child, parent := uuid.New(), uuid.New()

	childPath := filepath.Join(dir, child.String()+".vhd")
	touch(t, childPath)

	client := d.XAPI.(*xapi.Fake)
	client.SeedVDI(parent)

	require.NoError(t, d.HandleInterruptedCoalesceLeaf(context.Background(), child, parent))

	present, err := client.LookupVDI(context.Background(), parent)
	require.NoError(t, err)
	require.False(t, present)
}

// TestHandleInterruptedCoalesceLeafNoopWhenBothArtifactsGone covers a
// stale journal entry left behind after a recovery run already finished
// both the rename and the forget: nothing should happen.
func TestHandleInterruptedCoalesceLeafNoopWhenBothArtifactsGone(t *testing.T) {
	d, _ := newRecoveryFixture(t)
	child, parent := uuid.New(), uuid.New()

	require.NoError(t, d.HandleInterruptedCoalesceLeaf(context.Background(), child, parent))
}
