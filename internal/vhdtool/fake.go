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

package vhdtool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Tool used by internal/coalescer and
// internal/srdriver tests, keyed by path rather than by talking to a
// real VHD file on disk. It mirrors the real tool's Info bookkeeping
// so tests can assert on post-coalesce shapes without exec'ing
// anything.
type Fake struct {
	mu       sync.Mutex
	infos    map[string]Info
	pathUUID map[string]uuid.UUID
	bitmaps  map[string][]byte
	CoalFn   func(childPath string) (int64, error)
	FailOn   map[string]error // path -> error returned by every operation on that path while set
	Sectors  int64
	MaxSize  int64
	Overhead int64
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		infos:    make(map[string]Info),
		pathUUID: make(map[string]uuid.UUID),
		bitmaps:  make(map[string][]byte),
		FailOn:   make(map[string]error),
		Sectors:  100,
		MaxSize:  1 << 40,
	}
}

// Put seeds the fake's view of a VHD's metadata, as if it had been
// scanned from disk.
func (f *Fake) Put(path string, info Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[path] = info
}

// PutNode seeds metadata the way Put does, and additionally records
// which VDI UUID owns path so a later SetParent(child, path, ...) call
// can resolve the right ParentUUID.
func (f *Fake) PutNode(path string, id uuid.UUID, info Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[path] = info
	f.pathUUID[path] = id
}

// SetBitmap seeds the allocated-block bitmap returned for path.
func (f *Fake) SetBitmap(path string, bitmap []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bitmaps[path] = bitmap
}

func (f *Fake) failIfSet(path string) error {
	if err, ok := f.FailOn[path]; ok {
		return err
	}
	return nil
}

func (f *Fake) GetInfo(ctx context.Context, path string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIfSet(path); err != nil {
		return Info{}, err
	}
	info, ok := f.infos[path]
	if !ok {
		return Info{}, fmt.Errorf("vhdtool fake: no such path %s", path)
	}
	return info, nil
}

func (f *Fake) GetParent(ctx context.Context, path string) (uuid.UUID, error) {
	info, err := f.GetInfo(ctx, path)
	if err != nil {
		return uuid.Nil, err
	}
	return info.ParentUUID, nil
}

func (f *Fake) SetParent(ctx context.Context, path, parentPath string, rawParent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIfSet(path); err != nil {
		return err
	}
	info := f.infos[path]
	if _, ok := f.infos[parentPath]; !ok {
		return fmt.Errorf("vhdtool fake: no such parent path %s", parentPath)
	}
	parentID, ok := f.pathUUID[parentPath]
	if !ok {
		return fmt.Errorf("vhdtool fake: parent path %s has no registered uuid (use PutNode)", parentPath)
	}
	info.ParentUUID = parentID
	f.infos[path] = info
	return nil
}

func (f *Fake) GetHidden(ctx context.Context, path string) (bool, error) {
	info, err := f.GetInfo(ctx, path)
	return info.Hidden, err
}

func (f *Fake) SetHidden(ctx context.Context, path string, hidden bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIfSet(path); err != nil {
		return err
	}
	info := f.infos[path]
	info.Hidden = hidden
	f.infos[path] = info
	return nil
}

func (f *Fake) GetBlockBitmap(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bitmaps[path], nil
}

func (f *Fake) Coalesce(ctx context.Context, childPath string) (int64, error) {
	if f.CoalFn != nil {
		return f.CoalFn(childPath)
	}
	if err := f.failIfSet(childPath); err != nil {
		return 0, err
	}
	return f.Sectors, nil
}

func (f *Fake) Repair(ctx context.Context, path string) error     { return f.failIfSet(path) }
func (f *Fake) Check(ctx context.Context, path string, fast bool) error {
	return f.failIfSet(path)
}

func (f *Fake) GetMaxResizeSize(ctx context.Context, path string) (int64, error) {
	return f.MaxSize, nil
}

func (f *Fake) SetSizeVirtFast(ctx context.Context, path string, size int64) error {
	return f.resize(path, size)
}

func (f *Fake) SetSizeVirt(ctx context.Context, path string, size int64, journalFile string) error {
	return f.resize(path, size)
}

func (f *Fake) resize(path string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failIfSet(path); err != nil {
		return err
	}
	info := f.infos[path]
	if size > info.SizeVirt {
		info.SizeVirt = size
	}
	f.infos[path] = info
	return nil
}

func (f *Fake) CalcOverheadBitmap(ctx context.Context, sizeVirt int64) (int64, error) {
	return f.Overhead, nil
}

func (f *Fake) CalcOverheadEmpty(ctx context.Context, sizeVirt int64) (int64, error) {
	return f.Overhead, nil
}

var _ Tool = (*Fake)(nil)
