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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := GetDefaultConfig()
	c.SR.UUID = uuid.New().String()
	c.SR.ThisHost = uuid.New().String()
	c.Backend.MountDir = "/sr-mount/test"
	return c
}

func TestValidateConfigAccepts(t *testing.T) {
	c := validConfig()
	require.NoError(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsMissingSRUUID(t *testing.T) {
	c := validConfig()
	c.SR.UUID = ""
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsMalformedSRUUID(t *testing.T) {
	c := validConfig()
	c.SR.UUID = "not-a-uuid"
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsMissingThisHost(t *testing.T) {
	c := validConfig()
	c.SR.ThisHost = ""
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsFileBackendWithoutMountDir(t *testing.T) {
	c := validConfig()
	c.Backend.Kind = FileBackend
	c.Backend.MountDir = ""
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsLVBackendWithoutVGPrefix(t *testing.T) {
	c := validConfig()
	c.Backend.Kind = LVBackend
	c.Backend.VGPrefix = ""
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsUnknownBackend(t *testing.T) {
	c := validConfig()
	c.Backend.Kind = "tape"
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsNegativeCoalesceTunables(t *testing.T) {
	c := validConfig()
	c.Coalesce.MessageIntervalSecs = -1
	assert.Error(t, ValidateConfig(&c))

	c = validConfig()
	c.Coalesce.CacheMaxAgeHours = -1
	assert.Error(t, ValidateConfig(&c))
}

func TestValidateConfigRejectsUnknownLogSeverity(t *testing.T) {
	c := validConfig()
	c.Logging.Severity = "VERBOSE"
	assert.Error(t, ValidateConfig(&c))
}
