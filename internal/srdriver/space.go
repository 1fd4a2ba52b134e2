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

	"github.com/vhdsr/smgc/internal/model"
	"github.com/vhdsr/smgc/internal/vhdtool"
)

// calcExtraSpaceNeeded implements the three space-prediction
// formulas, shared by FileDriver and LVDriver; both back-ends'
// CalcExtraSpaceNeeded return its result unchanged.
func calcExtraSpaceNeeded(ctx context.Context, tool vhdtool.Tool, kind SpacePredictionKind, child, parent *model.Node) (int64, error) {
	coalescedData, err := coalescedDataSize(ctx, tool, child, parent)
	if err != nil {
		return 0, err
	}

	bitmapOverhead, err := tool.CalcOverheadBitmap(ctx, coalescedData)
	if err != nil {
		return 0, fmt.Errorf("srdriver: calc bitmap overhead: %w", err)
	}
	emptyOverhead, err := tool.CalcOverheadEmpty(ctx, parent.SizeVirt)
	if err != nil {
		return 0, fmt.Errorf("srdriver: calc empty overhead: %w", err)
	}

	inline := coalescedData + bitmapOverhead + emptyOverhead - parent.SizePhys
	if inline < 0 {
		inline = 0
	}

	switch kind {
	case SpaceInline:
		return inline, nil
	case SpaceLeafCoalesce:
		slack := child.SizeAllocated - child.SizePhys
		if slack < 0 {
			slack = 0
		}
		extra := inline - slack
		if extra < 0 {
			extra = 0
		}
		return extra, nil
	case SpaceSnapshotCoalesce:
		emptyLeaf := bitmapOverhead + emptyOverhead
		return inline + emptyLeaf, nil
	default:
		return 0, fmt.Errorf("srdriver: unknown space prediction kind %d", kind)
	}
}

// coalescedDataSize computes OR(child_bitmap, parent_bitmap) *
// VHDBlockSize, the "coalesced data size" term of the space-prediction
// formula: the set of blocks present in either the child or the parent,
// since only blocks unique to the child actually need to be copied and
// the result already accounts for blocks the parent has in common.
func coalescedDataSize(ctx context.Context, tool vhdtool.Tool, child, parent *model.Node) (int64, error) {
	childBitmap, err := tool.GetBlockBitmap(ctx, child.Path)
	if err != nil {
		return 0, fmt.Errorf("srdriver: reading child bitmap: %w", err)
	}
	parentBitmap, err := tool.GetBlockBitmap(ctx, parent.Path)
	if err != nil {
		return 0, fmt.Errorf("srdriver: reading parent bitmap: %w", err)
	}

	blocks := orPopCount(childBitmap, parentBitmap)
	return int64(blocks) * vhdtool.VHDBlockSize, nil
}

// orPopCount counts set bits in the bitwise OR of a and b, treating a
// missing byte in the shorter slice as zero.
func orPopCount(a, b []byte) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	count := 0
	for i := 0; i < n; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		v := av | bv
		for v != 0 {
			count++
			v &= v - 1
		}
	}
	return count
}
