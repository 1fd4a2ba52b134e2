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

// Package abortbus implements the engine's cooperative cancellation
// signal: a per-SR abort flag, a distinct error value so cancellation
// never contaminates the failed-targets list, and the two watchdog
// flavors used to make blocking work abortable (in-process
// goroutine+context, and subprocess+process-group-kill for external
// tools).
package abortbus

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrAbort is the distinct unwind channel for cooperative cancellation.
// Callers must route errors matching this (errors.Is) around the
// failed-targets bookkeeping, so an aborted candidate is retried on
// the next run.
var ErrAbort = errors.New("abortbus: aborted")

// PollInterval is how often the watchdog polls abortable long
// operations.
const PollInterval = 1 * time.Second

// Bus is a single per-SR abort flag, checked by every blocking wait
// and by both watchdog flavors.
type Bus struct {
	flag atomic.Bool
}

// New returns a cleared Bus.
func New() *Bus { return &Bus{} }

// Signal requests cancellation. Idempotent.
func (b *Bus) Signal() { b.flag.Store(true) }

// Reset clears a previously signalled abort, for reuse across runs.
func (b *Bus) Reset() { b.flag.Store(false) }

// Requested reports whether cancellation has been signalled.
func (b *Bus) Requested() bool { return b.flag.Load() }

// Check returns ErrAbort if cancellation has been signalled, else nil.
// Callers poll it before every blocking wait.
func (b *Bus) Check() error {
	if b.flag.Load() {
		return ErrAbort
	}
	return nil
}

// Context returns a context.Context that is cancelled once Signal is
// called, polling at PollInterval. Callers doing in-process abortable
// work (the relink loop, block-bitmap OR, tree scan) should fan out
// under this context with golang.org/x/sync/errgroup, checking
// ctx.Err() at each loop step.
func (b *Bus) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if b.flag.Load() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		close(done)
		cancel()
	}
}

// RunExternal runs an external command under a process-group watchdog:
// the command starts in its own process group; if ctx is cancelled (or
// the given timeout elapses, when timeout > 0) before it exits, the
// whole group is SIGKILLed so grandchildren cannot leak.
func RunExternal(ctx context.Context, timeout time.Duration, cmd *exec.Cmd) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("abortbus: starting %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		killGroup(cmd)
		<-done // bounded: killGroup guarantees the process exits
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("abortbus: %s timed out after %s", cmd.Path, timeout)
		}
		return ErrAbort
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
