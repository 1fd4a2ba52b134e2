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

package vhdtool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// ExecTool invokes a real external VHD utility binary. Every call runs
// under a fresh process group so the watchdog (internal/abortbus) can
// kill the whole group on cancellation without leaking grandchildren.
type ExecTool struct {
	// BinaryPath is the path to the VHD utility executable, e.g.
	// "/opt/xensource/bin/vhd-util".
	BinaryPath string
}

func (t *ExecTool) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.BinaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (t *ExecTool) run(ctx context.Context, args ...string) (string, error) {
	cmd := t.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("vhdtool: %s %s: %w: %s", t.BinaryPath, strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (t *ExecTool) GetInfo(ctx context.Context, path string) (Info, error) {
	out, err := t.run(ctx, "query", "--info", path)
	if err != nil {
		return Info{}, err
	}
	fields := parseKV(out)
	var info Info
	if pu := fields["parent"]; pu != "" {
		id, perr := uuid.Parse(pu)
		if perr != nil {
			return Info{}, fmt.Errorf("vhdtool: parsing parent uuid %q: %w", pu, perr)
		}
		info.ParentUUID = id
	}
	info.SizeVirt, _ = strconv.ParseInt(fields["sizeVirt"], 10, 64)
	info.SizePhys, _ = strconv.ParseInt(fields["sizePhys"], 10, 64)
	info.SizeAllocated, _ = strconv.ParseInt(fields["sizeAllocated"], 10, 64)
	info.Hidden = fields["hidden"] == "1"
	return info, nil
}

func (t *ExecTool) GetParent(ctx context.Context, path string) (uuid.UUID, error) {
	out, err := t.run(ctx, "query", "--parent", path)
	if err != nil {
		return uuid.Nil, err
	}
	if out == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(out)
}

func (t *ExecTool) SetParent(ctx context.Context, path, parentPath string, rawParent bool) error {
	args := []string{"modify", "--parent", parentPath, path}
	if rawParent {
		args = append(args, "--raw-parent")
	}
	_, err := t.run(ctx, args...)
	return err
}

func (t *ExecTool) GetHidden(ctx context.Context, path string) (bool, error) {
	out, err := t.run(ctx, "query", "--hidden", path)
	if err != nil {
		return false, err
	}
	return out == "1", nil
}

func (t *ExecTool) SetHidden(ctx context.Context, path string, hidden bool) error {
	v := "0"
	if hidden {
		v = "1"
	}
	_, err := t.run(ctx, "modify", "--hidden", v, path)
	return err
}

func (t *ExecTool) GetBlockBitmap(ctx context.Context, path string) ([]byte, error) {
	cmd := t.command(ctx, "query", "--bitmap", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("vhdtool: bitmap query %s: %w: %s", path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (t *ExecTool) Coalesce(ctx context.Context, childPath string) (int64, error) {
	out, err := t.run(ctx, "coalesce", childPath)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	return n, nil
}

func (t *ExecTool) Repair(ctx context.Context, path string) error {
	_, err := t.run(ctx, "repair", path)
	return err
}

func (t *ExecTool) Check(ctx context.Context, path string, fast bool) error {
	args := []string{"check", path}
	if fast {
		args = append(args, "--fast")
	}
	_, err := t.run(ctx, args...)
	return err
}

func (t *ExecTool) GetMaxResizeSize(ctx context.Context, path string) (int64, error) {
	out, err := t.run(ctx, "query", "--max-resize", path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(out, 10, 64)
}

func (t *ExecTool) SetSizeVirtFast(ctx context.Context, path string, size int64) error {
	_, err := t.run(ctx, "resize", "--fast", "--size", strconv.FormatInt(size, 10), path)
	return err
}

func (t *ExecTool) SetSizeVirt(ctx context.Context, path string, size int64, journalFile string) error {
	_, err := t.run(ctx, "resize", "--size", strconv.FormatInt(size, 10), "--journal", journalFile, path)
	return err
}

func (t *ExecTool) CalcOverheadBitmap(ctx context.Context, sizeVirt int64) (int64, error) {
	out, err := t.run(ctx, "overhead", "--bitmap", "--size", strconv.FormatInt(sizeVirt, 10))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(out, 10, 64)
}

func (t *ExecTool) CalcOverheadEmpty(ctx context.Context, sizeVirt int64) (int64, error) {
	out, err := t.run(ctx, "overhead", "--empty", "--size", strconv.FormatInt(sizeVirt, 10))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(out, 10, 64)
}

func parseKV(s string) map[string]string {
	m := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		m[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return m
}

var _ Tool = (*ExecTool)(nil)
