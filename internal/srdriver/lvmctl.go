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
	"strconv"
	"strings"
	"syscall"
)

// ExecLVM drives the real LVM2 command-line tools (lvs, lvcreate,
// lvresize, lvrename, lvremove, lvchange), the production counterpart
// to FakeLVM. Every invocation runs in its own process group, matching
// vhdtool.ExecTool and ExecTapDisk so abortbus's watchdog can reap a
// hung call without leaking children.
type ExecLVM struct {
	// LVsPath, LVCreatePath, etc. default to the bare command name
	// (resolved via $PATH) when empty.
	LVsPath      string
	LVCreatePath string
	LVResizePath string
	LVRenamePath string
	LVRemovePath string
	LVChangePath string
}

func binOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}

func (l *ExecLVM) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("srdriver: %s %v: %w: %s", bin, args, err, out)
	}
	return string(out), nil
}

// List shells out to `lvs --noheadings -o lv_name,lv_size,lv_active,lv_device_open,lv_permissions vg`.
func (l *ExecLVM) List(ctx context.Context, vg string) ([]LVInfo, error) {
	out, err := l.run(ctx, binOr(l.LVsPath, "lvs"),
		"--noheadings", "--units", "b", "--nosuffix",
		"-o", "lv_name,lv_size,lv_active,lv_device_open,lv_permissions", vg)
	if err != nil {
		return nil, err
	}
	var infos []LVInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		infos = append(infos, LVInfo{
			Name:     fields[0],
			Size:     size,
			Active:   fields[2] == "active",
			Open:     fields[3] == "open",
			ReadOnly: fields[4] == "r",
		})
	}
	return infos, nil
}

// VGFreeSpace shells out to `vgs --noheadings -o vg_free --units b --nosuffix vg`.
func (l *ExecLVM) VGFreeSpace(ctx context.Context, vg string) (int64, error) {
	out, err := l.run(ctx, "vgs", "--noheadings", "--units", "b", "--nosuffix", "-o", "vg_free", vg)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}

func (l *ExecLVM) Create(ctx context.Context, vg, lv string, size int64) error {
	_, err := l.run(ctx, binOr(l.LVCreatePath, "lvcreate"), "-n", lv, "-L", fmt.Sprintf("%db", size), vg)
	return err
}

func (l *ExecLVM) Resize(ctx context.Context, vg, lv string, size int64) error {
	_, err := l.run(ctx, binOr(l.LVResizePath, "lvresize"), "-L", fmt.Sprintf("%db", size), vg+"/"+lv)
	return err
}

func (l *ExecLVM) Rename(ctx context.Context, vg, oldName, newName string) error {
	_, err := l.run(ctx, binOr(l.LVRenamePath, "lvrename"), vg, oldName, newName)
	return err
}

func (l *ExecLVM) Remove(ctx context.Context, vg, lv string) error {
	_, err := l.run(ctx, binOr(l.LVRemovePath, "lvremove"), "-f", vg+"/"+lv)
	return err
}

func (l *ExecLVM) Activate(ctx context.Context, vg, lv string) error {
	_, err := l.run(ctx, binOr(l.LVChangePath, "lvchange"), "-ay", vg+"/"+lv)
	return err
}

func (l *ExecLVM) Deactivate(ctx context.Context, vg, lv string) error {
	_, err := l.run(ctx, binOr(l.LVChangePath, "lvchange"), "-an", vg+"/"+lv)
	return err
}

func (l *ExecLVM) SetReadOnly(ctx context.Context, vg, lv string, readOnly bool) error {
	perm := "rw"
	if readOnly {
		perm = "r"
	}
	_, err := l.run(ctx, binOr(l.LVChangePath, "lvchange"), "-p", perm, vg+"/"+lv)
	return err
}

var _ LVM = (*ExecLVM)(nil)
