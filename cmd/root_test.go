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

package cmd

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRoot executes rootCmd with args. Subcommands print through
// fmt.Println rather than cobra's output buffer, so tests only assert
// on the returned error.
func runRoot(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestRootRequiresSRUUID(t *testing.T) {
	dir := t.TempDir()
	err := runRoot(t, "get_state",
		"--this-host", uuid.New().String(),
		"--mount-dir", dir,
		"--transient-dir", filepath.Join(dir, "transient"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sr.uuid")
}

func TestRootRejectsMalformedSRUUID(t *testing.T) {
	dir := t.TempDir()
	err := runRoot(t, "get_state",
		"-u", "not-a-uuid",
		"--this-host", uuid.New().String(),
		"--mount-dir", dir,
		"--transient-dir", filepath.Join(dir, "transient"))
	require.Error(t, err)
}

func TestGetStateOnFreshSR(t *testing.T) {
	dir := t.TempDir()
	err := runRoot(t, "get_state",
		"-u", uuid.New().String(),
		"--this-host", uuid.New().String(),
		"--mount-dir", dir,
		"--transient-dir", filepath.Join(dir, "transient"),
		"--metrics-addr", "")
	require.NoError(t, err)
}

func TestDebugOnEmptySR(t *testing.T) {
	dir := t.TempDir()
	err := runRoot(t, "debug",
		"-u", uuid.New().String(),
		"--this-host", uuid.New().String(),
		"--mount-dir", dir,
		"--transient-dir", filepath.Join(dir, "transient"),
		"--metrics-addr", "")
	require.NoError(t, err)
}
