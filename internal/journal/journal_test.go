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

package journal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGetRemove(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	id := uuid.New()
	_, err = s.Get(KindRelink, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists(KindRelink, id))

	require.NoError(t, s.Create(KindRelink, id, "1"))
	assert.True(t, s.Exists(KindRelink, id))

	v, err := s.Get(KindRelink, id)
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, s.Remove(KindRelink, id))
	assert.False(t, s.Exists(KindRelink, id))

	// Removing an absent record is not an error (idempotent retry).
	require.NoError(t, s.Remove(KindRelink, id))
}

func TestAllEnumeratesByKind(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, s.Create(KindCoalesce, a, "1"))
	require.NoError(t, s.Create(KindCoalesce, b, "1"))
	require.NoError(t, s.Create(KindLeaf, c, a.String()))

	recs, err := s.All(KindCoalesce)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	leafRecs, err := s.All(KindLeaf)
	require.NoError(t, err)
	require.Len(t, leafRecs, 1)
	assert.Equal(t, c, leafRecs[0].UUID)
	assert.Equal(t, a.String(), leafRecs[0].Payload)
}

func TestCreateOverwrites(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	id := uuid.New()
	require.NoError(t, s.Create(KindZero, id, "0"))
	require.NoError(t, s.Create(KindZero, id, "4096"))
	v, err := s.Get(KindZero, id)
	require.NoError(t, err)
	assert.Equal(t, "4096", v)
}
