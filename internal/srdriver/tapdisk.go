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

import "context"

// TapDisk is the per-tap-disk pause/unpause/refresh mechanism, an
// external collaborator the engine only consumes.
type TapDisk interface {
	Pause(ctx context.Context, path string) error
	Unpause(ctx context.Context, path string) error
	// Refresh tells an attached tap-disk to re-read its backing chain
	// after a relink or rename (pause immediately followed by
	// unpause).
	Refresh(ctx context.Context, path string) error
}

// FakeTapDisk is an in-memory TapDisk used by srdriver and coalescer
// tests. FailOn lets a test simulate a pause failure on one path so the
// all-or-nothing unwind in PauseVDIs can be exercised.
type FakeTapDisk struct {
	Paused map[string]bool
	FailOn map[string]bool
}

// NewFakeTapDisk returns an empty FakeTapDisk.
func NewFakeTapDisk() *FakeTapDisk {
	return &FakeTapDisk{Paused: map[string]bool{}, FailOn: map[string]bool{}}
}

func (f *FakeTapDisk) Pause(ctx context.Context, path string) error {
	if f.FailOn[path] {
		return errPauseFailed(path)
	}
	f.Paused[path] = true
	return nil
}

func (f *FakeTapDisk) Unpause(ctx context.Context, path string) error {
	delete(f.Paused, path)
	return nil
}

func (f *FakeTapDisk) Refresh(ctx context.Context, path string) error {
	return nil
}

type pauseFailedError string

func (e pauseFailedError) Error() string { return "srdriver: pause failed for " + string(e) }

func errPauseFailed(path string) error { return pauseFailedError(path) }
