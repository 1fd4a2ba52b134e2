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

// Package vhdtool abstracts the external VHD command-line utility the
// engine shells out to for structural inspection and mutation. This
// package defines the interface and a real implementation that invokes
// an external binary under a process-group watchdog, plus an in-memory
// Fake used throughout the coalescer's tests.
package vhdtool

import (
	"context"

	"github.com/google/uuid"
)

// VHDBlockSize is the fixed VHD sparse-block granularity used by the
// space-prediction formulas in internal/srdriver.
const VHDBlockSize = 2 * 1024 * 1024

// Info is the structural metadata getVHDInfo returns for one VHD.
type Info struct {
	ParentUUID    uuid.UUID
	SizeVirt      int64
	SizePhys      int64
	SizeAllocated int64
	Hidden        bool
}

// Tool is the back-end VHD utility interface consumed by
// internal/srdriver and internal/coalescer. Every method may block and
// accepts a context so callers can apply the abortbus watchdog
// (process-group kill on cancel).
type Tool interface {
	GetInfo(ctx context.Context, path string) (Info, error)

	GetParent(ctx context.Context, path string) (uuid.UUID, error)
	SetParent(ctx context.Context, path, parentPath string, rawParent bool) error

	GetHidden(ctx context.Context, path string) (bool, error)
	SetHidden(ctx context.Context, path string, hidden bool) error

	// GetBlockBitmap returns the allocated-block bitmap, one bit per
	// VHDBlockSize-sized block.
	GetBlockBitmap(ctx context.Context, path string) ([]byte, error)

	// Coalesce copies child's unique blocks down into its parent.
	// Returns the number of 512-byte sectors copied, used to update
	// the throughput log.
	Coalesce(ctx context.Context, childPath string) (sectors int64, err error)

	// Repair attempts a best-effort structural fix-up.
	Repair(ctx context.Context, path string) error

	// Check validates VHD structure. fast skips a full block scan.
	Check(ctx context.Context, path string, fast bool) error

	GetMaxResizeSize(ctx context.Context, path string) (int64, error)
	SetSizeVirtFast(ctx context.Context, path string, size int64) error
	// SetSizeVirt performs a journaled, crash-safe resize: journalFile
	// names a scratch file the tool itself uses to make the resize
	// restartable if interrupted.
	SetSizeVirt(ctx context.Context, path string, size int64, journalFile string) error

	CalcOverheadBitmap(ctx context.Context, sizeVirt int64) (int64, error)
	CalcOverheadEmpty(ctx context.Context, sizeVirt int64) (int64, error)
}
