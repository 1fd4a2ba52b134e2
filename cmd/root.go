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

// Package cmd wires the engine's Cobra CLI surface: a persistent set
// of `-u`/`--backend`/... flags shared by every subcommand, and one
// subcommand per public API entry point (gc, gc_force, abort,
// get_state, cache_cleanup, debug).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vhdsr/smgc/cfg"
	"github.com/vhdsr/smgc/internal/logging"
)

// config holds the fully resolved configuration for the invoked
// subcommand, populated by loadConfig in PersistentPreRunE.
var config cfg.Config

var cfgFile string

// gcMode backs the legacy flag form `smgc -u <sr-uuid> [-b] -g`, which
// predates the subcommand surface and must keep working for callers
// that invoke the worker without naming a subcommand.
var gcMode bool

var rootCmd = &cobra.Command{
	Use:   "smgc",
	Short: "Garbage-collect and coalesce a storage repository's VHD chains",
	Long: `smgc is the per-SR garbage-collection and coalescing engine for a
hypervisor-managed storage repository of copy-on-write VHD images. It
reclaims space held by hidden/unreferenced nodes, collapses a hidden
intermediate node into its parent, and leaf-coalesces a live snapshot
chain back into a single leaf when it can do so within a bounded
pause.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !gcMode {
			return cmd.Help()
		}
		return withEngine(func(eng *engine) error {
			return eng.worker.GC(cmd.Context(), background, dryRun)
		})
	},
}

// Execute runs the selected subcommand, printing any error to stderr.
// Exit is 0 on clean termination or when there was nothing to do;
// non-zero only on an unhandled fatal error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() error {
	config = cfg.GetDefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}
	if err := viper.Unmarshal(&config, cfg.DecoderOptions()...); err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.ValidateConfig(&config); err != nil {
		return err
	}

	logging.Configure(os.Stderr, logging.ParseLevel(string(config.Logging.Severity)), config.Logging.Format)
	return nil
}

func init() {
	if err := cfg.BindFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file; flags override values it sets.")

	rootCmd.Flags().BoolVarP(&gcMode, "gc", "g", false, "Run the garbage-collect/coalesce loop (legacy flag form of the gc subcommand).")
	rootCmd.Flags().BoolVarP(&background, "background", "b", false, "Daemonize: detach and run the loop in a backgrounded child process.")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Select candidates and log what would happen without mutating the SR.")

	rootCmd.AddCommand(gcCmd, gcForceCmd, abortCmd, getStateCmd, cacheCleanupCmd, debugCmd)
}
