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

package cfg

const (
	// DefaultVHDUtilPath is where XenServer/XCP-ng hosts install vhd-util.
	DefaultVHDUtilPath = "/usr/sbin/vhd-util"

	// DefaultTapCtlPath is where tap-ctl is installed.
	DefaultTapCtlPath = "/usr/sbin/tap-ctl"

	// DefaultTransientDir is the root of the non-persistent per-SR state
	// directory (locks, journal, speed log, gc_init).
	DefaultTransientDir = "/var/run/sm/smgc"

	// DefaultMetricsListenAddress serves the Prometheus scrape endpoint
	// on localhost only; operators wanting external scraping must set
	// --metrics-addr explicitly.
	DefaultMetricsListenAddress = "127.0.0.1:9256"

	// DefaultMessageIntervalSecs bounds how often internal/throttle
	// reposts an identical alert message for the same condition.
	DefaultMessageIntervalSecs = 60

	// DefaultCacheMaxAgeHours is how long an unattached file-backend
	// read-cache file may sit before cache_cleanup reclaims it.
	DefaultCacheMaxAgeHours = 48.0
)
