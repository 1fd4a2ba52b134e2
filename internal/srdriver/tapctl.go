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
	"fmt"
	"os/exec"
	"syscall"
)

// ExecTapDisk drives the real tap-ctl binary, the production
// counterpart to FakeTapDisk, grounded on vhdtool.ExecTool's
// process-group-per-call shape so abortbus's watchdog can kill a
// hung call without leaking children.
type ExecTapDisk struct {
	// BinaryPath is the path to tap-ctl, e.g. "/usr/sbin/tap-ctl".
	BinaryPath string
}

func (t *ExecTapDisk) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, t.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("srdriver: %s %v: %w: %s", t.BinaryPath, args, err, out)
	}
	return nil
}

func (t *ExecTapDisk) Pause(ctx context.Context, path string) error {
	return t.run(ctx, "pause", "-p", path)
}

func (t *ExecTapDisk) Unpause(ctx context.Context, path string) error {
	return t.run(ctx, "unpause", "-p", path)
}

func (t *ExecTapDisk) Refresh(ctx context.Context, path string) error {
	if err := t.Pause(ctx, path); err != nil {
		return err
	}
	return t.Unpause(ctx, path)
}

var _ TapDisk = (*ExecTapDisk)(nil)
