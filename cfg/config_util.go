// Copyright 2024 Google LLC
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

package cfg

import "path/filepath"

// IsFileBackend reports whether the configured backend is the
// file-based SR Driver (and therefore has a read-cache to sweep).
func IsFileBackend(c *Config) bool {
	return c.Backend.Kind == FileBackend
}

// IsLVBackend reports whether the configured backend is the LV-based
// SR Driver.
func IsLVBackend(c *Config) bool {
	return c.Backend.Kind == LVBackend
}

// IsMetricsEnabled reports whether a Prometheus listener should be
// started.
func IsMetricsEnabled(c *Config) bool {
	return c.Metrics.ListenAddress != ""
}

// SRTransientDir returns the per-SR subdirectory of
// backend.transient-dir that this worker's locks, journal, speed log
// and readiness markers live under.
func SRTransientDir(c *Config) string {
	return filepath.Join(string(c.Backend.TransientDir), c.SR.UUID)
}
