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

import (
	"fmt"

	"github.com/google/uuid"
)

func isValidSR(sr *Connection) error {
	if sr.UUID == "" {
		return fmt.Errorf("sr.uuid is required")
	}
	if _, err := uuid.Parse(sr.UUID); err != nil {
		return fmt.Errorf("sr.uuid: %w", err)
	}
	if sr.ThisHost == "" {
		return fmt.Errorf("sr.this-host is required")
	}
	if _, err := uuid.Parse(sr.ThisHost); err != nil {
		return fmt.Errorf("sr.this-host: %w", err)
	}
	return nil
}

func isValidBackend(b *BackendConfig) error {
	switch b.Kind {
	case FileBackend:
		if b.MountDir == "" {
			return fmt.Errorf("backend.mount-dir is required for the file backend")
		}
	case LVBackend:
		if b.VGPrefix == "" {
			return fmt.Errorf("backend.vg-prefix is required for the lv backend")
		}
	default:
		return fmt.Errorf("backend.kind must be %q or %q, got %q", FileBackend, LVBackend, b.Kind)
	}
	if b.VHDUtilPath == "" {
		return fmt.Errorf("backend.vhd-util-path is required")
	}
	if b.TapCtlPath == "" {
		return fmt.Errorf("backend.tap-ctl-path is required")
	}
	return nil
}

func isValidCoalesce(c *CoalesceConfig) error {
	if c.MessageIntervalSecs < 0 {
		return fmt.Errorf("coalesce.message-interval-secs can't be negative")
	}
	if c.CacheMaxAgeHours < 0 {
		return fmt.Errorf("coalesce.cache-max-age-hours can't be negative")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	var err error

	if err = isValidSR(&config.SR); err != nil {
		return fmt.Errorf("error parsing sr config: %w", err)
	}

	if err = isValidBackend(&config.Backend); err != nil {
		return fmt.Errorf("error parsing backend config: %w", err)
	}

	if _, ok := severityRanking[config.Logging.Severity]; !ok {
		return fmt.Errorf("error parsing logging config: invalid severity %q", config.Logging.Severity)
	}

	if err = isValidCoalesce(&config.Coalesce); err != nil {
		return fmt.Errorf("error parsing coalesce config: %w", err)
	}

	return nil
}
