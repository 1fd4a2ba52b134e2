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

package throttle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeedLogAverageAbsent(t *testing.T) {
	s := NewSpeedLog(filepath.Join(t.TempDir(), "missing.speed_log"))
	_, ok := s.Average()
	assert.False(t, ok)
}

func TestSpeedLogRecordAndAverage(t *testing.T) {
	s := NewSpeedLog(filepath.Join(t.TempDir(), "sr.speed_log"))
	require.NoError(t, s.Record(10))
	require.NoError(t, s.Record(20))
	avg, ok := s.Average()
	require.True(t, ok)
	assert.Equal(t, 15.0, avg)
}

func TestSpeedLogTrimsToMaxSamples(t *testing.T) {
	s := NewSpeedLog(filepath.Join(t.TempDir(), "sr.speed_log"))
	for i := 0; i < MaxSamples+5; i++ {
		require.NoError(t, s.Record(float64(i+1)))
	}
	samples, err := s.read()
	require.NoError(t, err)
	assert.Len(t, samples, MaxSamples)
	// Oldest samples (1..5) should have been trimmed away.
	assert.Equal(t, float64(6), samples[0])
}
