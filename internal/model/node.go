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

// Package model holds the in-memory representation of a storage
// repository's VHD forest: individual VDI nodes and the tree assembled
// from a scan.
package model

import (
	"github.com/google/uuid"
)

// RenamePrefix marks a node left behind by an interrupted leaf-coalesce
// swap (see internal/coalescer recovery). A node carrying this prefix on
// its UUID is tolerated as an extra root during scan rebuild.
const RenamePrefix = "OLD_"

// Node is one VHD (or raw) image in a parent/child chain.
type Node struct {
	UUID uuid.UUID

	// Path is the back-end-specific locator: a file path for the file
	// back-end, an LV device path for the LV back-end.
	Path string

	Raw    bool // no VHD header; leaf-only
	Hidden bool

	SizeVirt      int64
	SizePhys      int64 // VHD only
	SizeAllocated int64

	ParentUUID uuid.UUID // zero value means "no parent"
	parent     *Node
	children   []*Node

	// ScanError marks a node the SR Driver could not fully inspect
	// during a force-tolerant scan.
	ScanError bool

	// Renamed marks a node whose on-disk name carries RenamePrefix —
	// the surviving artifact of an interrupted leaf-coalesce swap. Set
	// by the SR Driver during scan, not derived from Path/LVName.
	Renamed bool

	// LV-specific attributes; zero values on the file back-end.
	LVName     string
	LVSize     int64
	LVActive   bool
	LVOpen     bool
	LVReadOnly bool

	// Config mirrors the opaque per-VDI configuration keys exposed to
	// the control plane: parent pointer, cached block bitmap, coalesce
	// toggles, etc. Stored as a flat string map so callers needn't know
	// every key this engine might read or write.
	Config map[string]string
}

// HasParentUUID reports whether ParentUUID names an actual parent (a
// root node has the zero UUID).
func (n *Node) HasParentUUID() bool {
	return n.ParentUUID != uuid.Nil
}

// Parent returns the resolved parent node, or nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the node's children in scan order. The returned
// slice must not be mutated by callers; use Tree methods instead.
func (n *Node) Children() []*Node { return n.children }

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.children) == 0 }

// IsRenameSurvivor reports whether this node's on-disk name carries the
// interrupted-leaf-coalesce rename marker.
func (n *Node) IsRenameSurvivor() bool { return n.Renamed }
