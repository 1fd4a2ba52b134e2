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

package srdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/internal/xapi"
)

// pauseAllOrNothing pauses every path in paths via tap. On the first
// failure it unpauses whatever had already succeeded and returns the
// failure, so the set is paused all-or-nothing.
func pauseAllOrNothing(ctx context.Context, tap TapDisk, paths []string) error {
	succeeded := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := tap.Pause(ctx, p); err != nil {
			for _, done := range succeeded {
				_ = tap.Unpause(ctx, done)
			}
			return &ErrPartialPauseFailure{Cause: err}
		}
		succeeded = append(succeeded, p)
	}
	return nil
}

func unpauseAll(ctx context.Context, tap TapDisk, paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := tap.Unpause(ctx, p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("srdriver: unpausing %s: %w", p, err)
		}
	}
	return firstErr
}

// notifySlaves issues plugin calls to every attached non-local host of
// a shared SR. A failure is fatal unless the host is known-offline.
func notifySlaves(ctx context.Context, client xapi.Client, sr uuid.UUID, thisHost, kind string, args map[string]string) error {
	rec, err := client.GetSRRecord(ctx, sr)
	if err != nil {
		return fmt.Errorf("srdriver: fetching SR record: %w", err)
	}
	if !rec.Shared {
		return nil
	}

	hosts, err := client.ListAttachedHosts(ctx, sr)
	if err != nil {
		return fmt.Errorf("srdriver: listing attached hosts: %w", err)
	}

	for _, host := range hosts {
		if host == thisHost {
			continue
		}
		if _, err := client.CallPlugin(ctx, host, "coalesce-slave", kind, args); err != nil {
			if isKnownOffline(err) {
				continue
			}
			return fmt.Errorf("srdriver: notifying slave %s of %s: %w", host, kind, err)
		}
	}
	return nil
}

// isKnownOffline reports whether err marks a host-RPC failure caused
// by the target host being offline, the one slave-notification
// failure that is tolerated.
func isKnownOffline(err error) bool {
	return errors.Is(err, xapi.ErrHostOffline)
}
