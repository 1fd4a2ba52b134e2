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
	"sync"
)

// LVM is the logical-volume allocator primitive interface (create,
// resize, activate/deactivate, rename, read-only flag), an external
// collaborator the engine only consumes.
type LVM interface {
	List(ctx context.Context, vg string) ([]LVInfo, error)
	VGFreeSpace(ctx context.Context, vg string) (int64, error)
	Create(ctx context.Context, vg, lv string, size int64) error
	Resize(ctx context.Context, vg, lv string, size int64) error
	Rename(ctx context.Context, vg, oldName, newName string) error
	Remove(ctx context.Context, vg, lv string) error
	Activate(ctx context.Context, vg, lv string) error
	Deactivate(ctx context.Context, vg, lv string) error
	SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error
}

// LVInfo is one logical volume's allocator-visible state.
type LVInfo struct {
	Name     string
	Size     int64
	Active   bool
	Open     bool
	ReadOnly bool
}

// VHDLVPrefix and RawLVPrefix name the per-type LV prefixes a VDI's
// logical volume is named with ("<prefix><uuid>").
const (
	VHDLVPrefix = "VHD-"
	RawLVPrefix = "LV-"
)

// FakeLVM is an in-memory LVM used by LVDriver tests.
type FakeLVM struct {
	mu   sync.Mutex
	lvs  map[string]map[string]*LVInfo // vg -> name -> info
	Free int64
}

// NewFakeLVM returns an empty FakeLVM with 1 TiB of free space unless
// Free is set by the caller.
func NewFakeLVM() *FakeLVM {
	return &FakeLVM{lvs: map[string]map[string]*LVInfo{}, Free: 1 << 40}
}

func (f *FakeLVM) VGFreeSpace(ctx context.Context, vg string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Free, nil
}

func (f *FakeLVM) vg(vg string) map[string]*LVInfo {
	m, ok := f.lvs[vg]
	if !ok {
		m = map[string]*LVInfo{}
		f.lvs[vg] = m
	}
	return m
}

// Seed registers an LV as if it already existed, for test setup.
func (f *FakeLVM) Seed(vg, lv string, info LVInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := info
	f.vg(vg)[lv] = &v
}

func (f *FakeLVM) List(ctx context.Context, vg string) ([]LVInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LVInfo, 0, len(f.vg(vg)))
	for _, v := range f.vg(vg) {
		out = append(out, *v)
	}
	return out, nil
}

func (f *FakeLVM) Create(ctx context.Context, vg, lv string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vg(vg)[lv]; ok {
		return fmt.Errorf("lvm fake: %s/%s already exists", vg, lv)
	}
	f.vg(vg)[lv] = &LVInfo{Name: lv, Size: size}
	return nil
}

func (f *FakeLVM) Resize(ctx context.Context, vg, lv string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.vg(vg)[lv]
	if !ok {
		return fmt.Errorf("lvm fake: %s/%s not found", vg, lv)
	}
	info.Size = size
	return nil
}

func (f *FakeLVM) Rename(ctx context.Context, vg, oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.vg(vg)[oldName]
	if !ok {
		return fmt.Errorf("lvm fake: %s/%s not found", vg, oldName)
	}
	delete(f.vg(vg), oldName)
	info.Name = newName
	f.vg(vg)[newName] = info
	return nil
}

func (f *FakeLVM) Remove(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vg(vg), lv)
	return nil
}

func (f *FakeLVM) Activate(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.vg(vg)[lv]
	if !ok {
		return fmt.Errorf("lvm fake: %s/%s not found", vg, lv)
	}
	info.Active = true
	return nil
}

func (f *FakeLVM) Deactivate(ctx context.Context, vg, lv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.vg(vg)[lv]
	if !ok {
		return fmt.Errorf("lvm fake: %s/%s not found", vg, lv)
	}
	info.Active = false
	return nil
}

func (f *FakeLVM) SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.vg(vg)[lv]
	if !ok {
		return fmt.Errorf("lvm fake: %s/%s not found", vg, lv)
	}
	info.ReadOnly = readOnly
	return nil
}

var _ LVM = (*FakeLVM)(nil)
