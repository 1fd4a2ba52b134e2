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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctalRoundTrip(t *testing.T) {
	var o Octal
	require.NoError(t, o.UnmarshalText([]byte("0644")))
	assert.Equal(t, Octal(0o644), o)

	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "644", string(text))
}

func TestOctalUnmarshalInvalid(t *testing.T) {
	var o Octal
	assert.Error(t, o.UnmarshalText([]byte("not-a-number")))
}

func TestLogSeverityUnmarshal(t *testing.T) {
	var s LogSeverity
	require.NoError(t, s.UnmarshalText([]byte("debug")))
	assert.Equal(t, DebugLogSeverity, s)
	assert.Equal(t, 1, s.Rank())
}

func TestLogSeverityUnmarshalInvalid(t *testing.T) {
	var s LogSeverity
	assert.Error(t, s.UnmarshalText([]byte("VERBOSE")))
}

func TestLogSeverityRankUnknown(t *testing.T) {
	assert.Equal(t, -1, LogSeverity("bogus").Rank())
}

func TestBackendKindUnmarshal(t *testing.T) {
	var k BackendKind
	require.NoError(t, k.UnmarshalText([]byte("LV")))
	assert.Equal(t, LVBackend, k)
}

func TestBackendKindUnmarshalInvalid(t *testing.T) {
	var k BackendKind
	assert.Error(t, k.UnmarshalText([]byte("object-store")))
}

func TestResolvedPathUnmarshalEmpty(t *testing.T) {
	var p ResolvedPath
	require.NoError(t, p.UnmarshalText(nil))
	assert.Equal(t, ResolvedPath(""), p)
}

func TestResolvedPathUnmarshalMakesAbsolute(t *testing.T) {
	var p ResolvedPath
	require.NoError(t, p.UnmarshalText([]byte("relative/dir")))
	assert.True(t, len(p) > 0 && p[0] == '/')
}
