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

// Package xapi defines the hypervisor control-plane client interface
// the engine consumes; implementing a real client is out of scope
// here. It ships as a narrow interface plus an in-memory fake used
// throughout internal/coalescer and internal/srdriver tests.
package xapi

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrHostOffline marks a CallPlugin failure caused by the target host
// being unreachable, the one slave-notification failure that is not
// fatal to the caller.
var ErrHostOffline = errors.New("xapi: host offline")

// ConfigMap is one of the per-VDI/per-SR string maps: "sm-config",
// "other-config"; the scalar on-boot/allow-caching pair is modeled as
// ordinary keys within sm-config.
type ConfigMap map[string]string

// Task is a long-lived progress handle (snapshot, coalesce run, etc.).
type Task struct {
	ID       string
	Status   string
	Progress float64
}

// Client is the control-plane surface the coalescer and SR drivers
// consume. A real implementation talks to the hypervisor's management
// API; Fake below is the in-memory test double.
type Client interface {
	GetSRRecord(ctx context.Context, sr uuid.UUID) (SRRecord, error)
	ListAttachedHosts(ctx context.Context, sr uuid.UUID) ([]string, error)

	GetVDIConfig(ctx context.Context, vdi uuid.UUID, mapName string) (ConfigMap, error)
	SetVDIConfig(ctx context.Context, vdi uuid.UUID, mapName string, cfg ConfigMap) error
	RemoveVDIConfigKey(ctx context.Context, vdi uuid.UUID, mapName, key string) error

	LookupVDI(ctx context.Context, vdi uuid.UUID) (bool, error)
	ForgetVDI(ctx context.Context, vdi uuid.UUID) error
	SnapshotVDI(ctx context.Context, vdi uuid.UUID) (uuid.UUID, error)

	// IsVDIAttached reports whether vdi currently has an attached
	// consumer (a VBD plugged into a running VM), consulted by the
	// file back-end's cache sweeper before removing a read-cache file
	// for a VDI that is merely idle rather than actually detached.
	IsVDIAttached(ctx context.Context, vdi uuid.UUID) (bool, error)

	CreateTask(ctx context.Context, label string) (Task, error)
	UpdateTask(ctx context.Context, id string, progress float64) error
	FinishTask(ctx context.Context, id string, status string) error

	PostMessage(ctx context.Context, name string, priority int, objectKind, objectUUID, body string) error
	CallPlugin(ctx context.Context, host, plugin, fn string, args map[string]string) (string, error)

	MarkCacheSRDirty(ctx context.Context, sr uuid.UUID) error
	TriggerAsyncSRUpdate(ctx context.Context, sr uuid.UUID) error
}

// SRRecord is the subset of an SR's control-plane record the engine
// reads: whether it is shared, and the pool-master host.
type SRRecord struct {
	UUID         uuid.UUID
	Shared       bool
	PoolMaster   string
	ThisHost     string
}

// IsPoolMasterLocal reports whether ThisHost is authorized to mutate
// this SR's metadata: a shared SR
// requires the local host to be the pool master; a local SR requires
// it to be the sole attached host (callers check attachment
// separately via ListAttachedHosts).
func (r SRRecord) IsPoolMasterLocal() bool {
	if !r.Shared {
		return true
	}
	return r.PoolMaster == r.ThisHost
}
