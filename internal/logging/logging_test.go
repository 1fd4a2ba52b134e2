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

package logging

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextFormatIncludesSeverityAndMessage(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, LevelTrace, "text")
	defer Configure(&bytes.Buffer{}, LevelInfo, "text")

	Infof("coalescing %s", "deadbeef")

	assert.Regexp(t, regexp.MustCompile(`severity=INFO`), buf.String())
	assert.Regexp(t, regexp.MustCompile(`message="coalescing deadbeef"`), buf.String())
}

func TestJSONFormatIncludesSeverityAndMessage(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, LevelTrace, "json")
	defer Configure(&bytes.Buffer{}, LevelInfo, "text")

	Errorf("structural error on %s", "deadbeef")

	assert.Contains(t, buf.String(), `"severity":"ERROR"`)
	assert.Contains(t, buf.String(), `"message":"structural error on deadbeef"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, LevelWarn, "text")
	defer Configure(&bytes.Buffer{}, LevelInfo, "text")

	Debugf("should not appear")
	assert.Empty(t, buf.String())

	Warnf("should appear")
	assert.NotEmpty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelTrace, ParseLevel("trace"))
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
