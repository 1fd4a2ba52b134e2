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
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

// LVDriver is the LV back-end SR Driver: VDIs live as logical volumes in
// a volume group named "<VGPrefix><sr-uuid>". Unlike the
// file back-end, every coalesce here is bracketed by explicit
// activate/deactivate and inflate/deflate steps because an LV's
// allocation is independent of the VHD's physical size.
type LVDriver struct {
	SR       uuid.UUID
	ThisHost string
	VG       string

	LVM     LVM
	Tool    vhdtool.Tool
	XAPI    xapi.Client
	Tap     TapDisk
	Journal *journal.Store

	mu    sync.Mutex
	lvOf  map[uuid.UUID]string
	devOf map[uuid.UUID]string
	raw   map[uuid.UUID]bool

	// activeCount refcounts in-process Activate/Deactivate nesting per
	// LV, so the underlying lvchange is only issued on the 0->1 and
	// 1->0 transitions. The process-local count is authoritative; the
	// real LVM activation state is treated as advisory.
	activeCount map[uuid.UUID]int
}

// NewLVDriver returns an LVDriver bound to volume group vg.
func NewLVDriver(sr uuid.UUID, thisHost, vg string, lvm LVM, tool vhdtool.Tool, client xapi.Client, tap TapDisk, j *journal.Store) *LVDriver {
	return &LVDriver{
		SR: sr, ThisHost: thisHost, VG: vg,
		LVM: lvm, Tool: tool, XAPI: client, Tap: tap, Journal: j,
		lvOf: map[uuid.UUID]string{}, devOf: map[uuid.UUID]string{}, raw: map[uuid.UUID]bool{},
		activeCount: map[uuid.UUID]int{},
	}
}

func (d *LVDriver) devicePath(lv string) string {
	return fmt.Sprintf("/dev/%s/%s", d.VG, lv)
}

func (d *LVDriver) lvName(id uuid.UUID, raw bool) string {
	if raw {
		return RawLVPrefix + id.String()
	}
	return VHDLVPrefix + id.String()
}

func (d *LVDriver) Scan(ctx context.Context, force bool) (*model.Tree, error) {
	lvs, err := d.LVM.List(ctx, d.VG)
	if err != nil {
		return nil, fmt.Errorf("srdriver: listing VG %s: %w", d.VG, err)
	}

	type candidate struct {
		id  uuid.UUID
		lv  LVInfo
		raw bool
	}
	var candidates []candidate
	for _, lv := range lvs {
		var raw bool
		var idStr string
		switch {
		case strings.HasPrefix(lv.Name, VHDLVPrefix):
			idStr = strings.TrimPrefix(lv.Name, VHDLVPrefix)
		case strings.HasPrefix(lv.Name, RawLVPrefix):
			idStr = strings.TrimPrefix(lv.Name, RawLVPrefix)
			raw = true
		default:
			continue
		}
		bare := strings.TrimPrefix(idStr, model.RenamePrefix)
		id, err := uuid.Parse(bare)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, lv: lv, raw: raw})
	}

	var lastErr error
	var nodes []*model.Node
	lvOf := map[uuid.UUID]string{}
	devOf := map[uuid.UUID]string{}
	rawFlags := map[uuid.UUID]bool{}

	for attempt := 0; attempt < MaxScanRetries; attempt++ {
		nodes = nodes[:0]
		lastErr = nil
		for _, c := range candidates {
			n, err := d.inspect(ctx, c.id, c.lv, c.raw)
			if err != nil {
				lastErr = err
				if force {
					n = &model.Node{UUID: c.id, Raw: c.raw, ScanError: true, Config: map[string]string{},
						LVName: c.lv.Name, LVSize: c.lv.Size, LVActive: c.lv.Active, LVOpen: c.lv.Open, LVReadOnly: c.lv.ReadOnly,
						Renamed: strings.HasPrefix(c.lv.Name, VHDLVPrefix+model.RenamePrefix) || strings.HasPrefix(c.lv.Name, RawLVPrefix+model.RenamePrefix),
						Path: d.devicePath(c.lv.Name)}
				} else {
					break
				}
			}
			nodes = append(nodes, n)
			lvOf[c.id] = c.lv.Name
			devOf[c.id] = d.devicePath(c.lv.Name)
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
	d.lvOf, d.devOf, d.raw = lvOf, devOf, rawFlags
	d.mu.Unlock()

	return tree, nil
}

func (d *LVDriver) inspect(ctx context.Context, id uuid.UUID, lv LVInfo, raw bool) (*model.Node, error) {
	dev := d.devicePath(lv.Name)
	n := &model.Node{
		UUID: id, Path: dev, Raw: raw,
		Renamed:    strings.HasPrefix(lv.Name, VHDLVPrefix+model.RenamePrefix) || strings.HasPrefix(lv.Name, RawLVPrefix+model.RenamePrefix),
		LVName:     lv.Name,
		LVSize:     lv.Size,
		LVActive:   lv.Active,
		LVOpen:     lv.Open,
		LVReadOnly: lv.ReadOnly,
		Config:     map[string]string{},
	}
	if raw {
		return n, nil
	}
	if !lv.Active {
		return n, nil
	}
	info, err := d.Tool.GetInfo(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("srdriver: inspecting %s: %w", dev, err)
	}
	n.ParentUUID = info.ParentUUID
	n.SizeVirt = info.SizeVirt
	n.SizePhys = info.SizePhys
	n.SizeAllocated = info.SizeAllocated
	n.Hidden = info.Hidden
	return n, nil
}

func (d *LVDriver) FreeSpace(ctx context.Context) (int64, error) {
	return d.LVM.VGFreeSpace(ctx, d.VG)
}

func (d *LVDriver) resolvePaths(uuids []uuid.UUID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(uuids))
	for _, id := range uuids {
		if p, ok := d.devOf[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (d *LVDriver) PauseVDIs(ctx context.Context, uuids []uuid.UUID) error {
	return pauseAllOrNothing(ctx, d.Tap, d.resolvePaths(uuids))
}

func (d *LVDriver) UnpauseVDIs(ctx context.Context, uuids []uuid.UUID) error {
	return unpauseAll(ctx, d.Tap, d.resolvePaths(uuids))
}

func (d *LVDriver) RefreshVDIs(ctx context.Context, uuids []uuid.UUID) error {
	return refreshAll(ctx, d.Tap, d.resolvePaths(uuids))
}

func (d *LVDriver) ForgetVDI(ctx context.Context, id uuid.UUID) error {
	return d.XAPI.ForgetVDI(ctx, id)
}

func (d *LVDriver) DeleteVDI(ctx context.Context, n *model.Node) error {
	if err := d.LVM.Remove(ctx, d.VG, d.lvNameOf(n)); err != nil {
		return fmt.Errorf("srdriver: removing LV %s: %w", d.lvNameOf(n), err)
	}
	d.mu.Lock()
	delete(d.lvOf, n.UUID)
	delete(d.devOf, n.UUID)
	delete(d.raw, n.UUID)
	d.mu.Unlock()
	return nil
}

func (d *LVDriver) NotifySlaves(ctx context.Context, kind string, args map[string]string) error {
	return notifySlaves(ctx, d.XAPI, d.SR, d.ThisHost, kind, args)
}

func (d *LVDriver) lvNameOf(n *model.Node) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.lvOf[n.UUID]; ok {
		return name
	}
	return n.LVName
}

func (d *LVDriver) Inflate(ctx context.Context, n *model.Node, size int64) error {
	return d.LVM.Resize(ctx, d.VG, d.lvNameOf(n), size)
}

func (d *LVDriver) Deflate(ctx context.Context, n *model.Node) error {
	target := n.SizePhys
	if target <= 0 {
		return nil
	}
	return d.LVM.Resize(ctx, d.VG, d.lvNameOf(n), target)
}

func (d *LVDriver) Activate(ctx context.Context, n *model.Node) error {
	d.mu.Lock()
	d.activeCount[n.UUID]++
	first := d.activeCount[n.UUID] == 1
	d.mu.Unlock()
	if !first {
		return nil
	}
	if err := d.LVM.Activate(ctx, d.VG, d.lvNameOf(n)); err != nil {
		d.mu.Lock()
		d.activeCount[n.UUID]--
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *LVDriver) Deactivate(ctx context.Context, n *model.Node) error {
	d.mu.Lock()
	if d.activeCount[n.UUID] == 0 {
		d.mu.Unlock()
		return nil
	}
	d.activeCount[n.UUID]--
	last := d.activeCount[n.UUID] == 0
	d.mu.Unlock()
	if !last {
		return nil
	}
	return d.LVM.Deactivate(ctx, d.VG, d.lvNameOf(n))
}

func (d *LVDriver) Rename(ctx context.Context, n *model.Node, newUUID uuid.UUID) error {
	d.mu.Lock()
	raw := d.raw[n.UUID]
	d.mu.Unlock()

	oldName := d.lvNameOf(n)
	newName := d.lvName(newUUID, raw)
	if err := d.LVM.Rename(ctx, d.VG, oldName, newName); err != nil {
		return fmt.Errorf("srdriver: renaming LV %s to %s: %w", oldName, newName, err)
	}
	d.mu.Lock()
	delete(d.lvOf, n.UUID)
	delete(d.devOf, n.UUID)
	delete(d.raw, n.UUID)
	d.lvOf[newUUID] = newName
	d.devOf[newUUID] = d.devicePath(newName)
	d.raw[newUUID] = raw
	d.mu.Unlock()
	n.LVName = newName
	n.Path = d.devicePath(newName)
	n.UUID = newUUID
	return nil
}

// RenameAside renames n's LV to its OLD_-prefixed form without changing
// its UUID, marking it the rename survivor of an in-flight leaf-coalesce
// swap.
func (d *LVDriver) RenameAside(ctx context.Context, n *model.Node) error {
	oldName := d.lvNameOf(n)
	d.mu.Lock()
	raw := d.raw[n.UUID]
	d.mu.Unlock()

	prefix := VHDLVPrefix
	if raw {
		prefix = RawLVPrefix
	}
	newName := prefix + model.RenamePrefix + n.UUID.String()
	if err := d.LVM.Rename(ctx, d.VG, oldName, newName); err != nil {
		return fmt.Errorf("srdriver: renaming LV %s aside to %s: %w", oldName, newName, err)
	}
	d.mu.Lock()
	d.lvOf[n.UUID] = newName
	d.devOf[n.UUID] = d.devicePath(newName)
	d.mu.Unlock()
	n.LVName = newName
	n.Path = d.devicePath(newName)
	n.Renamed = true
	return nil
}

// PrepareCoalesceLeaf: when the parent is a raw
// LV smaller than the leaf's virtual size, grow it offline before
// pausing, since extending a raw LV requires a slow zero-fill that must
// not happen inside the paused window. A "zero" journal entry holding
// offset 0 is written before the grow and removed once it succeeds; the
// offset is not advanced during the fill, and nothing reads the entry
// back to resume an interrupted fill.
func (d *LVDriver) PrepareCoalesceLeaf(ctx context.Context, leaf, parent *model.Node) error {
	if !parent.Raw || leaf.SizeVirt <= parent.SizeVirt {
		return nil
	}
	if err := d.Journal.Create(journal.KindZero, parent.UUID, "0"); err != nil {
		return fmt.Errorf("srdriver: writing zero journal: %w", err)
	}
	if err := d.Inflate(ctx, parent, leaf.SizeVirt); err != nil {
		return fmt.Errorf("srdriver: offline-growing raw parent: %w", err)
	}
	parent.SizeVirt = leaf.SizeVirt
	return d.Journal.Remove(journal.KindZero, parent.UUID)
}

// UpdateNode mirrors the leaf's pre-swap binary refcount onto the
// survivor's Config map. Recording it here keeps the leaf-coalesce
// undo path deterministic rather than best-effort.
func (d *LVDriver) UpdateNode(ctx context.Context, survivor *model.Node, preSwapLeafSize int64) error {
	if survivor.Config == nil {
		survivor.Config = map[string]string{}
	}
	survivor.Config["vhd-parent"] = ""
	if survivor.Raw {
		survivor.Config["vdi_type"] = "raw"
	}
	delete(survivor.Config, "block_bitmap_cache")
	survivor.Config["refcount"] = fmt.Sprintf("%d", preSwapLeafSize)
	return nil
}

func (d *LVDriver) FinishCoalesceLeaf(ctx context.Context, survivor *model.Node) error {
	if !survivor.LVReadOnly {
		return d.Inflate(ctx, survivor, survivor.SizeVirt)
	}
	return d.Deflate(ctx, survivor)
}

func (d *LVDriver) HandleInterruptedCoalesceLeaf(ctx context.Context, childUUID, parentUUID uuid.UUID) error {
	pathFor := func(id uuid.UUID, raw bool) string { return d.devicePath(d.lvName(id, raw)) }
	oldPathFor := func(id uuid.UUID, raw bool) string {
		prefix := VHDLVPrefix
		if raw {
			prefix = RawLVPrefix
		}
		return d.devicePath(prefix + model.RenamePrefix + id.String())
	}
	existsFn := func(path string) bool {
		prefix := fmt.Sprintf("/dev/%s/", d.VG)
		name := strings.TrimPrefix(path, prefix)
		lvs, err := d.LVM.List(ctx, d.VG)
		if err != nil {
			return false
		}
		for _, lv := range lvs {
			if lv.Name == name {
				return true
			}
		}
		return false
	}
	return handleInterruptedCoalesceLeaf(ctx, interruptedLeafDeps{
		tool: d.Tool, xapi: d.XAPI, tap: d.Tap,
		pathFor:    pathFor,
		oldPathFor: oldPathFor,
		exists:     existsFn,
		rename: func(oldPath, newPath string) error {
			prefix := fmt.Sprintf("/dev/%s/", d.VG)
			return d.LVM.Rename(ctx, d.VG, strings.TrimPrefix(oldPath, prefix), strings.TrimPrefix(newPath, prefix))
		},
		notify: func(ctx context.Context, kind string, args map[string]string) error { return d.NotifySlaves(ctx, kind, args) },
		inflateFully: func(ctx context.Context, path string) error {
			info, err := d.Tool.GetInfo(ctx, path)
			if err != nil {
				return err
			}
			lv := strings.TrimPrefix(path, fmt.Sprintf("/dev/%s/", d.VG))
			return d.LVM.Resize(ctx, d.VG, lv, info.SizePhys)
		},
	}, childUUID, parentUUID)
}

func (d *LVDriver) UpdateSlavesOnRename(ctx context.Context, oldUUID, newUUID uuid.UUID) error {
	return d.NotifySlaves(ctx, "rename", map[string]string{"old": oldUUID.String(), "new": newUUID.String()})
}

func (d *LVDriver) UpdateSlavesOnResize(ctx context.Context, n *model.Node) error {
	return d.NotifySlaves(ctx, "resize", map[string]string{"uuid": n.UUID.String()})
}

func (d *LVDriver) UpdateSlavesOnUndoLeafCoalesce(ctx context.Context, childUUID uuid.UUID) error {
	return d.NotifySlaves(ctx, "undo_leaf_coalesce", map[string]string{"uuid": childUUID.String()})
}

func (d *LVDriver) CalcExtraSpaceNeeded(ctx context.Context, kind SpacePredictionKind, child, parent *model.Node) (int64, error) {
	return calcExtraSpaceNeeded(ctx, d.Tool, kind, child, parent)
}

var _ Driver = (*LVDriver)(nil)
