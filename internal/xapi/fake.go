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

package xapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory Client used by internal/coalescer and
// internal/srdriver tests: a map-backed double with no network calls.
type Fake struct {
	mu sync.Mutex

	SR           SRRecord
	attached     []string
	vdis         map[uuid.UUID]bool
	smConfig     map[uuid.UUID]ConfigMap
	otherConfig  map[uuid.UUID]ConfigMap
	tasks        map[string]Task
	nextSnapshot []uuid.UUID // consumed front-to-back by SnapshotVDI

	Messages []Message
	Calls    []PluginCall

	// Attached marks VDIs IsVDIAttached should report as having a
	// live consumer.
	Attached map[uuid.UUID]bool

	// SnapshotFn, when set, is called with (vdi, snapshotID) right
	// after SnapshotVDI allocates the queued id, letting a test splice
	// the new snapshot into its fake vhdtool tree the way a real
	// snapshot operation would (inserting the snapshot as the hidden
	// parent of vdi).
	SnapshotFn func(vdi, snapID uuid.UUID)

	// OfflineHosts names hosts CallPlugin should fail for with an
	// offline-flavored error, exercising the "known-offline" exception
	// to the fatal slave-notification-failure rule.
	OfflineHosts map[string]bool
}

// Message records one PostMessage call.
type Message struct {
	Name       string
	Priority   int
	ObjectKind string
	ObjectUUID string
	Body       string
}

// PluginCall records one CallPlugin invocation.
type PluginCall struct {
	Host, Plugin, Fn string
	Args             map[string]string
}

// NewFake returns a Fake with no VDIs and a local (non-shared) SR
// record; set fields directly to model a shared SR or seed VDIs.
func NewFake(sr uuid.UUID, thisHost string) *Fake {
	return &Fake{
		SR:          SRRecord{UUID: sr, ThisHost: thisHost, PoolMaster: thisHost},
		vdis:        map[uuid.UUID]bool{},
		smConfig:    map[uuid.UUID]ConfigMap{},
		otherConfig: map[uuid.UUID]ConfigMap{},
		tasks:       map[string]Task{},
		Attached:    map[uuid.UUID]bool{},
	}
}

// SeedVDI registers id as present on the control plane.
func (f *Fake) SeedVDI(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vdis[id] = true
}

// QueueSnapshot arranges for the next call(s) to SnapshotVDI to return
// id, consumed in FIFO order.
func (f *Fake) QueueSnapshot(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSnapshot = append(f.nextSnapshot, id)
}

func (f *Fake) GetSRRecord(ctx context.Context, sr uuid.UUID) (SRRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SR, nil
}

// SetAttachedHosts seeds the hosts ListAttachedHosts reports.
func (f *Fake) SetAttachedHosts(hosts []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = hosts
}

func (f *Fake) ListAttachedHosts(ctx context.Context, sr uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached, nil
}

func (f *Fake) GetVDIConfig(ctx context.Context, vdi uuid.UUID, mapName string) (ConfigMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	store := f.store(mapName)
	cfg, ok := store[vdi]
	if !ok {
		return ConfigMap{}, nil
	}
	out := make(ConfigMap, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) SetVDIConfig(ctx context.Context, vdi uuid.UUID, mapName string, cfg ConfigMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(ConfigMap, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	f.store(mapName)[vdi] = out
	return nil
}

func (f *Fake) RemoveVDIConfigKey(ctx context.Context, vdi uuid.UUID, mapName, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.store(mapName)[vdi]; ok {
		delete(cfg, key)
	}
	return nil
}

func (f *Fake) store(mapName string) map[uuid.UUID]ConfigMap {
	if mapName == "other-config" {
		return f.otherConfig
	}
	return f.smConfig
}

func (f *Fake) LookupVDI(ctx context.Context, vdi uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vdis[vdi], nil
}

func (f *Fake) ForgetVDI(ctx context.Context, vdi uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vdis, vdi)
	delete(f.smConfig, vdi)
	delete(f.otherConfig, vdi)
	return nil
}

func (f *Fake) SnapshotVDI(ctx context.Context, vdi uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	if !f.vdis[vdi] {
		f.mu.Unlock()
		return uuid.Nil, fmt.Errorf("xapi fake: no such VDI %s", vdi)
	}
	if len(f.nextSnapshot) == 0 {
		f.mu.Unlock()
		return uuid.Nil, fmt.Errorf("xapi fake: no queued snapshot uuid for %s", vdi)
	}
	id := f.nextSnapshot[0]
	f.nextSnapshot = f.nextSnapshot[1:]
	f.vdis[id] = true
	hook := f.SnapshotFn
	f.mu.Unlock()

	if hook != nil {
		hook(vdi, id)
	}
	return id, nil
}

func (f *Fake) CreateTask(ctx context.Context, label string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := Task{ID: fmt.Sprintf("task-%d", len(f.tasks)), Status: "pending", Progress: 0}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *Fake) UpdateTask(ctx context.Context, id string, progress float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("xapi fake: no such task %s", id)
	}
	t.Progress = progress
	f.tasks[id] = t
	return nil
}

func (f *Fake) FinishTask(ctx context.Context, id string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("xapi fake: no such task %s", id)
	}
	t.Status = status
	f.tasks[id] = t
	return nil
}

func (f *Fake) PostMessage(ctx context.Context, name string, priority int, objectKind, objectUUID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, Message{Name: name, Priority: priority, ObjectKind: objectKind, ObjectUUID: objectUUID, Body: body})
	return nil
}

func (f *Fake) CallPlugin(ctx context.Context, host, plugin, fn string, args map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, PluginCall{Host: host, Plugin: plugin, Fn: fn, Args: args})
	if f.OfflineHosts[host] {
		return "", fmt.Errorf("xapi fake: host %s: %w", host, ErrHostOffline)
	}
	return "", nil
}

func (f *Fake) IsVDIAttached(ctx context.Context, vdi uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Attached[vdi], nil
}

func (f *Fake) MarkCacheSRDirty(ctx context.Context, sr uuid.UUID) error { return nil }

func (f *Fake) TriggerAsyncSRUpdate(ctx context.Context, sr uuid.UUID) error { return nil }

var _ Client = (*Fake)(nil)
