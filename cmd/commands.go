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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vhdsr/smgc/cfg"
	"github.com/vhdsr/smgc/internal/logging"
)

var (
	background  bool
	dryRun      bool
	forceScan   bool
	lockSR      bool
	softAbort   bool
	maxAgeHours float64
)

// gcCmd is the public gc(session, sr, background, dryRun) entry
// point: run the outer loop until a pass makes no further progress.
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run the garbage-collect/coalesce loop for this SR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine) error {
			return eng.worker.GC(cmd.Context(), background, dryRun)
		})
	},
}

// gcForceCmd is the public gc_force(session, sr, force, dryRun,
// lockSR) API: a forced pass tolerates per-VDI scan errors instead of
// aborting, and can optionally hold SR_LOCK for the whole pass.
var gcForceCmd = &cobra.Command{
	Use:   "gc_force",
	Short: "Run one forced, scan-error-tolerant garbage-collect/coalesce pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine) error {
			return eng.worker.GCForce(cmd.Context(), forceScan, dryRun, lockSR)
		})
	},
}

// abortCmd is the public abort(sr, soft) -> bool API: request a
// running worker to stop, optionally non-blocking.
var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Request the running worker for this SR to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine) error {
			stopped := eng.worker.Abort(softAbort)
			fmt.Println(stopped)
			return nil
		})
	},
}

// getStateCmd is the public get_state(sr) -> bool API: whether a
// worker is currently inside an outer-loop iteration.
var getStateCmd = &cobra.Command{
	Use:   "get_state",
	Short: "Report whether a worker is currently running for this SR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine) error {
			fmt.Println(eng.worker.GetState())
			return nil
		})
	},
}

// cacheCleanupCmd is the public cache_cleanup(session, sr,
// maxAgeHours) -> count API (file back-end only; a no-op on LV SRs).
var cacheCleanupCmd = &cobra.Command{
	Use:   "cache_cleanup",
	Short: "Sweep stale per-VDI read-cache files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine) error {
			age := maxAgeHours
			if age < 0 {
				age = config.Coalesce.CacheMaxAgeHours
			}
			n, err := eng.worker.CacheCleanup(cmd.Context(), age)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
	},
}

// debugCmd performs a single read-only scan and reports the current
// garbage, coalesceable and leaf-coalesceable candidate sets as YAML,
// without mutating anything. It exists for operators diagnosing why a
// given SR isn't shrinking.
var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Scan the SR and report candidate sets without mutating anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine) error {
			ctx := cmd.Context()
			tree, err := eng.worker.Driver.Scan(ctx, forceScan)
			if err != nil {
				return fmt.Errorf("scanning SR: %w", err)
			}

			garbage := eng.worker.Coalescer.FindGarbage(tree)
			leaf := eng.worker.Coalescer.FindLeafCoalesceable(tree)
			coalesceable, err := eng.worker.Coalescer.FindCoalesceable(ctx, tree)
			if err != nil {
				return fmt.Errorf("selecting coalesce candidate: %w", err)
			}

			report := struct {
				Garbage      []string `yaml:"garbage"`
				Coalesceable string   `yaml:"coalesceable,omitempty"`
				LeafCoalesce string   `yaml:"leaf-coalesceable,omitempty"`
				CopySpeedBps float64  `yaml:"copy-speed-bytes-per-sec,omitempty"`
			}{}
			for _, n := range garbage {
				report.Garbage = append(report.Garbage, n.UUID.String())
			}
			if coalesceable != nil {
				report.Coalesceable = coalesceable.UUID.String()
			}
			if leaf != nil {
				report.LeafCoalesce = leaf.UUID.String()
			}
			if avg, ok := eng.worker.Coalescer.Speed.Average(); ok {
				report.CopySpeedBps = avg
			}

			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(report)
		})
	},
}

func init() {
	gcCmd.Flags().BoolVarP(&background, "background", "b", false, "Daemonize: detach and run the loop in a backgrounded child process.")
	gcCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Select candidates and log what would happen without mutating the SR.")

	gcForceCmd.Flags().BoolVar(&forceScan, "force", true, "Tolerate per-VDI scan errors (flag affected nodes ScanError) instead of aborting.")
	gcForceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Select candidates and log what would happen without mutating the SR.")
	gcForceCmd.Flags().BoolVar(&lockSR, "lock-sr", false, "Hold SR_LOCK for the whole pass instead of only around each mutation.")

	abortCmd.Flags().BoolVar(&softAbort, "soft", false, "Return false immediately if an abort is already pending, instead of waiting.")

	cacheCleanupCmd.Flags().Float64Var(&maxAgeHours, "max-age-hours", -1, "Override coalesce.cache-max-age-hours for this invocation.")

	debugCmd.Flags().BoolVar(&forceScan, "force", false, "Tolerate per-VDI scan errors during the diagnostic scan.")
}

// withEngine builds an engine from the resolved config, serves its
// metrics endpoint for the lifetime of fn if enabled, captures panics
// to the SR's crash log (a backgrounded worker's stdout/stderr are
// redirected to /dev/null by internal/daemon, so a bare panic would
// vanish), and shuts everything down afterward.
func withEngine(fn func(eng *engine) error) (err error) {
	eng, err := buildEngine(&config)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := eng.metrics.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	stopMetrics := serveMetrics(eng)
	defer stopMetrics()

	defer func() {
		if r := recover(); r != nil {
			logCrash(&config, r)
			err = fmt.Errorf("smgc: panic: %v", r)
		}
	}()

	return fn(eng)
}

// serveMetrics starts the Prometheus scrape endpoint in the
// background when metrics.listen-address is non-empty, returning a
// func that shuts it down.
func serveMetrics(eng *engine) func() {
	if !cfg.IsMetricsEnabled(&config) {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.metrics.Handler())
	srv := &http.Server{Addr: config.Metrics.ListenAddress, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Warnf("cmd: metrics listener on %s stopped: %v", config.Metrics.ListenAddress, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// logCrash appends a timestamped panic trace to this SR's transient
// crash log, so a backgrounded worker's panic survives its
// /dev/null-redirected stderr.
func logCrash(c *cfg.Config, r any) {
	path := filepath.Join(cfg.SRTransientDir(c), "crash.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		logging.Errorf("cmd: opening crash log %s: %v", path, err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s panic: %v\n%s\n", time.Now().UTC().Format(time.RFC3339), r, debug.Stack())
}
