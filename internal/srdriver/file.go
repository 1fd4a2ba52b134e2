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
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

// FileDriver is the file back-end SR Driver: VDIs live as
// "<uuid>.vhd"/"<uuid>.raw" under MountDir.
// Inflate/Deflate/Activate/Deactivate are no-ops here — a sparse
// file's allocation already tracks its VHD physical size, so there is no
// separate allocation layer to resize.
type FileDriver struct {
	SR       uuid.UUID
	ThisHost string
	MountDir string

	Tool vhdtool.Tool
	XAPI xapi.Client
	Tap  TapDisk

	mu    sync.Mutex
	paths map[uuid.UUID]string
	raw   map[uuid.UUID]bool
}

// NewFileDriver returns a FileDriver rooted at mountDir.
func NewFileDriver(sr uuid.UUID, thisHost, mountDir string, tool vhdtool.Tool, client xapi.Client, tap TapDisk) *FileDriver {
	return &FileDriver{
		SR: sr, ThisHost: thisHost, MountDir: mountDir,
		Tool: tool, XAPI: client, Tap: tap,
		paths: map[uuid.UUID]string{}, raw: map[uuid.UUID]bool{},
	}
}

func (d *FileDriver) pathForUUID(id uuid.UUID, raw bool) string {
	if raw {
		return filepath.Join(d.MountDir, id.String()+".raw")
	}
	return filepath.Join(d.MountDir, id.String()+".vhd")
}

func (d *FileDriver) Scan(ctx context.Context, force bool) (*model.Tree, error) {
	entries, err := os.ReadDir(d.MountDir)
	if err != nil {
		return nil, fmt.Errorf("srdriver: listing %s: %w", d.MountDir, err)
	}

	type candidate struct {
		id   uuid.UUID
		path string
		raw  bool
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var raw bool
		var idStr string
		switch {
		case strings.HasSuffix(name, ".vhd"):
			idStr = strings.TrimSuffix(name, ".vhd")
		case strings.HasSuffix(name, ".raw"):
			idStr = strings.TrimSuffix(name, ".raw")
			raw = true
		default:
			continue
		}
		bare := strings.TrimPrefix(idStr, model.RenamePrefix)
		id, err := uuid.Parse(bare)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, path: filepath.Join(d.MountDir, name), raw: raw})
	}

	var lastErr error
	var nodes []*model.Node
	paths := map[uuid.UUID]string{}
	rawFlags := map[uuid.UUID]bool{}

	for attempt := 0; attempt < MaxScanRetries; attempt++ {
		nodes = nodes[:0]
		lastErr = nil
		for _, c := range candidates {
			n, err := d.inspect(ctx, c.id, c.path, c.raw, strings.HasPrefix(filepath.Base(c.path), model.RenamePrefix))
			if err != nil {
				lastErr = err
				if force {
					n = &model.Node{UUID: c.id, Path: c.path, Raw: c.raw, ScanError: true, Config: map[string]string{}}
				} else {
					break
				}
			}
			nodes = append(nodes, n)
			paths[c.id] = c.path
			rawFlags[c.id] = c.raw
		}
		if lastErr == nil || force {
			break
		}
	}
	if lastErr != nil && !force {
		return nil, fmt.Errorf("srdriver: scan failed after %d attempts: %w", MaxScanRetries, lastErr)
	}

	tree, err := model.NewTree(nodes, force)
	if err != nil {
		return nil, err
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.paths = paths
	d.raw = rawFlags
	d.mu.Unlock()

	return tree, nil
}

func (d *FileDriver) inspect(ctx context.Context, id uuid.UUID, path string, raw, renamed bool) (*model.Node, error) {
	n := &model.Node{UUID: id, Path: path, Raw: raw, Renamed: renamed, Config: map[string]string{}}
	if raw {
		return n, nil
	}
	info, err := d.Tool.GetInfo(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("srdriver: inspecting %s: %w", path, err)
	}
	n.ParentUUID = info.ParentUUID
	n.SizeVirt = info.SizeVirt
	n.SizePhys = info.SizePhys
	n.SizeAllocated = info.SizeAllocated
	n.Hidden = info.Hidden
	return n, nil
}

func (d *FileDriver) FreeSpace(ctx context.Context) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.MountDir, &st); err != nil {
		return 0, fmt.Errorf("srdriver: statfs %s: %w", d.MountDir, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

func (d *FileDriver) resolvePaths(uuids []uuid.UUID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(uuids))
	for _, id := range uuids {
		if p, ok := d.paths[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (d *FileDriver) PauseVDIs(ctx context.Context, uuids []uuid.UUID) error {
	return pauseAllOrNothing(ctx, d.Tap, d.resolvePaths(uuids))
}

func (d *FileDriver) UnpauseVDIs(ctx context.Context, uuids []uuid.UUID) error {
	return unpauseAll(ctx, d.Tap, d.resolvePaths(uuids))
}

func (d *FileDriver) RefreshVDIs(ctx context.Context, uuids []uuid.UUID) error {
	return refreshAll(ctx, d.Tap, d.resolvePaths(uuids))
}

func (d *FileDriver) ForgetVDI(ctx context.Context, id uuid.UUID) error {
	return d.XAPI.ForgetVDI(ctx, id)
}

func (d *FileDriver) DeleteVDI(ctx context.Context, n *model.Node) error {
	if err := os.Remove(n.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("srdriver: removing %s: %w", n.Path, err)
	}
	d.mu.Lock()
	delete(d.paths, n.UUID)
	delete(d.raw, n.UUID)
	d.mu.Unlock()
	return nil
}

func (d *FileDriver) NotifySlaves(ctx context.Context, kind string, args map[string]string) error {
	return notifySlaves(ctx, d.XAPI, d.SR, d.ThisHost, kind, args)
}

// Inflate/Deflate are no-ops on the file back-end: a sparse file's
// on-disk allocation already tracks its VHD physical size.
func (d *FileDriver) Inflate(ctx context.Context, n *model.Node, size int64) error { return nil }
func (d *FileDriver) Deflate(ctx context.Context, n *model.Node) error             { return nil }
func (d *FileDriver) Activate(ctx context.Context, n *model.Node) error           { return nil }
func (d *FileDriver) Deactivate(ctx context.Context, n *model.Node) error         { return nil }

func (d *FileDriver) Rename(ctx context.Context, n *model.Node, newUUID uuid.UUID) error {
	d.mu.Lock()
	raw := d.raw[n.UUID]
	d.mu.Unlock()

	newPath := d.pathForUUID(newUUID, raw)
	if err := os.Rename(n.Path, newPath); err != nil {
		return fmt.Errorf("srdriver: renaming %s to %s: %w", n.Path, newPath, err)
	}
	d.mu.Lock()
	delete(d.paths, n.UUID)
	delete(d.raw, n.UUID)
	d.paths[newUUID] = newPath
	d.raw[newUUID] = raw
	d.mu.Unlock()
	n.Path = newPath
	n.UUID = newUUID
	return nil
}

func (d *FileDriver) RenameAside(ctx context.Context, n *model.Node) error {
	d.mu.Lock()
	raw := d.raw[n.UUID]
	d.mu.Unlock()

	ext := ".vhd"
	if raw {
		ext = ".raw"
	}
	newPath := filepath.Join(d.MountDir, model.RenamePrefix+n.UUID.String()+ext)
	if err := os.Rename(n.Path, newPath); err != nil {
		return fmt.Errorf("srdriver: renaming %s aside to %s: %w", n.Path, newPath, err)
	}
	d.mu.Lock()
	d.paths[n.UUID] = newPath
	d.mu.Unlock()
	n.Path = newPath
	n.Renamed = true
	return nil
}

func (d *FileDriver) PrepareCoalesceLeaf(ctx context.Context, leaf, parent *model.Node) error {
	return nil
}

func (d *FileDriver) UpdateNode(ctx context.Context, survivor *model.Node, preSwapLeafSize int64) error {
	return nil
}

func (d *FileDriver) FinishCoalesceLeaf(ctx context.Context, survivor *model.Node) error {
	return nil
}

func (d *FileDriver) HandleInterruptedCoalesceLeaf(ctx context.Context, childUUID, parentUUID uuid.UUID) error {
	return handleInterruptedCoalesceLeaf(ctx, interruptedLeafDeps{
		tool: d.Tool, xapi: d.XAPI, tap: d.Tap,
		pathFor: func(id uuid.UUID, raw bool) string { return d.pathForUUID(id, raw) },
		oldPathFor: func(id uuid.UUID, raw bool) string {
			ext := ".vhd"
			if raw {
				ext = ".raw"
			}
			return filepath.Join(d.MountDir, model.RenamePrefix+id.String()+ext)
		},
		rename: func(oldPath, newPath string) error { return os.Rename(oldPath, newPath) },
		notify: func(ctx context.Context, kind string, args map[string]string) error { return d.NotifySlaves(ctx, kind, args) },
	}, childUUID, parentUUID)
}

func (d *FileDriver) UpdateSlavesOnRename(ctx context.Context, oldUUID, newUUID uuid.UUID) error {
	return d.NotifySlaves(ctx, "rename", map[string]string{"old": oldUUID.String(), "new": newUUID.String()})
}

func (d *FileDriver) UpdateSlavesOnResize(ctx context.Context, n *model.Node) error {
	return d.NotifySlaves(ctx, "resize", map[string]string{"uuid": n.UUID.String()})
}

func (d *FileDriver) UpdateSlavesOnUndoLeafCoalesce(ctx context.Context, childUUID uuid.UUID) error {
	return d.NotifySlaves(ctx, "undo_leaf_coalesce", map[string]string{"uuid": childUUID.String()})
}

func (d *FileDriver) CalcExtraSpaceNeeded(ctx context.Context, kind SpacePredictionKind, child, parent *model.Node) (int64, error) {
	return calcExtraSpaceNeeded(ctx, d.Tool, kind, child, parent)
}

var _ Driver = (*FileDriver)(nil)

// refreshAll is a small helper both back-ends use to pause+unpause
// ("refresh") a set of leaf paths after a relink, fanned out with
// errgroup since each path's refresh is independent.
func refreshAll(ctx context.Context, tap TapDisk, paths []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			if err := tap.Pause(ctx, p); err != nil {
				return err
			}
			return tap.Unpause(ctx, p)
		})
	}
	return g.Wait()
}
