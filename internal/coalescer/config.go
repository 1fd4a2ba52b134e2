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

package coalescer

// Per-VDI configuration keys exposed to the control plane, stored as
// flat string-map entries on model.Node.Config.
const (
	ConfigKeyVHDParent      = "vhd-parent"
	ConfigKeyBlockBitmap    = "block_bitmap_cache"
	ConfigKeyGCToggle       = "gc"
	ConfigKeyCoalesceToggle = "coalesce"
	ConfigKeyLeafCoalesce   = "leaf-coalesce" // "true" | "false" | "force"
	ConfigKeyOnBoot         = "on-boot"       // "persist" | "reset"
	ConfigKeyAllowCaching   = "allow-caching"
	ConfigKeyPaused         = "paused"
	ConfigKeyRelinking      = "relinking"
	ConfigKeyActivating     = "activating"
	ConfigKeyGCNoSpaceMsg   = "gc_no_space"
	ConfigKeyVDIType        = "vdi_type"
)

func boolConfig(cfg map[string]string, key string, def bool) bool {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

// leafCoalesceDisabled reports whether the user explicitly disabled
// leaf-coalesce for this VDI ("leaf-coalesce=false").
func leafCoalesceDisabled(cfg map[string]string) bool {
	return cfg[ConfigKeyLeafCoalesce] == "false"
}

// leafCoalesceForced reports whether the user explicitly forced
// leaf-coalesce for this VDI, bypassing the speed/size check and the
// global auto-online-leaf-coalesce toggle.
func leafCoalesceForced(cfg map[string]string) bool {
	return cfg[ConfigKeyLeafCoalesce] == "force"
}

func onBootIsReset(cfg map[string]string) bool {
	return cfg[ConfigKeyOnBoot] == "reset"
}
