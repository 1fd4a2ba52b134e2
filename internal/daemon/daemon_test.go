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

package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInBackgroundReflectsEnvMarker(t *testing.T) {
	require.NoError(t, os.Unsetenv(EnvMarker))
	assert.False(t, InBackground())

	t.Setenv(EnvMarker, "true")
	assert.True(t, InBackground())
}

func TestSignalReadyThenWaitForReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, SignalReady(path))
	assert.NoError(t, waitForReady(path, time.Second))
}

func TestWaitForReadyTimesOutWhenNeverSignaled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created")
	err := waitForReady(path, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestSignalReadyIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, SignalReady(path))
	require.NoError(t, SignalReady(path))
}
