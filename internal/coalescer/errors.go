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

// Package coalescer implements the engine's core state machine:
// candidate selection, the inline-coalesce protocol, the live
// leaf-coalesce protocol and its progress tracker, and interrupted-run
// recovery. It depends only on the srdriver.Driver capability set, the
// vhdtool.Tool and xapi.Client interfaces, and internal/journal — never
// on a concrete back-end.
package coalescer

import (
	"errors"
	"syscall"
)

// The engine's five-way error taxonomy, modeled as sentinel values
// matched with errors.Is/errors.As.
var (
	// ErrTransient covers ENOSPC, lock contention, and other
	// conditions that land a candidate on the failed-targets list for
	// this run without aborting the outer loop.
	ErrTransient = errors.New("coalescer: transient resource error")

	// ErrStructural covers a missing parent, a failed vhd-util check,
	// or a VDI the control plane reports but that has no backing
	// file: without force the scan/run aborts; with force the node is
	// flagged ScanError and skipped.
	ErrStructural = errors.New("coalescer: structural error")

	// ErrConcurrentModification marks a candidate that disappeared or
	// gained a new child mid-protocol; the in-flight coalesce aborts
	// cleanly and the journal makes the next run's retry idempotent.
	ErrConcurrentModification = errors.New("coalescer: concurrent modification")

	// ErrAbort is the distinct unwind channel for cooperative
	// cancellation (mirrors internal/abortbus.ErrAbort). Propagation
	// must bypass the failed-targets bookkeeping so an aborted
	// candidate is retried next run rather than penalized.
	ErrAbort = errors.New("coalescer: aborted")

	// ErrFatal marks an error that should terminate the worker process
	// non-zero (double-fork failure, initial lock-state failure).
	ErrFatal = errors.New("coalescer: fatal error")
)

// TransientError wraps an underlying cause as ErrTransient, recording
// the errno mnemonic used to pick a user-visible message body.
type TransientError struct {
	Errno string
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause == nil {
		return "coalescer: transient error (" + e.Errno + ")"
	}
	return "coalescer: transient error (" + e.Errno + "): " + e.Cause.Error()
}

func (e *TransientError) Unwrap() error { return ErrTransient }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// ErrnoOf extracts the errno mnemonic for a coalesce failure's
// user-visible message: a TransientError's own mnemonic when one is
// recorded, ENOSPC when syscall.ENOSPC is wrapped, else EIO (a failed
// external vhd-util call with no more specific cause).
func ErrnoOf(err error) string {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Errno
	}
	if errors.Is(err, syscall.ENOSPC) {
		return "ENOSPC"
	}
	return "EIO"
}
