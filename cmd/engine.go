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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vhdsr/smgc/cfg"
	"github.com/vhdsr/smgc/internal/abortbus"
	"github.com/vhdsr/smgc/internal/cachesweep"
	"github.com/vhdsr/smgc/internal/coalescer"
	"github.com/vhdsr/smgc/internal/gcloop"
	"github.com/vhdsr/smgc/internal/journal"
	"github.com/vhdsr/smgc/internal/lockset"
	"github.com/vhdsr/smgc/internal/srdriver"
	"github.com/vhdsr/smgc/internal/telemetry"
	"github.com/vhdsr/smgc/internal/throttle"
	"github.com/vhdsr/smgc/internal/vhdtool"
	"github.com/vhdsr/smgc/internal/xapi"
)

// NewClient builds the control-plane client a Worker talks to.
// internal/xapi documents a real hypervisor client as out of scope for
// this engine; operators embedding this binary against a real
// XenAPI-speaking host swap this var for their own xapi.Client before
// calling Execute. The default lets `smgc` run standalone against a
// local SR for development and dry-run inspection.
var NewClient = func(sr, thisHost uuid.UUID) (xapi.Client, error) {
	return xapi.NewFake(sr, thisHost.String()), nil
}

// engine bundles every collaborator a gcloop.Worker needs, so the
// various subcommands can build one consistently and tear it down
// (metrics shutdown) the same way.
type engine struct {
	worker  *gcloop.Worker
	metrics *telemetry.Metrics
}

func buildEngine(c *cfg.Config) (*engine, error) {
	sr, err := uuid.Parse(c.SR.UUID)
	if err != nil {
		return nil, fmt.Errorf("parsing sr.uuid: %w", err)
	}
	thisHost, err := uuid.Parse(c.SR.ThisHost)
	if err != nil {
		return nil, fmt.Errorf("parsing sr.this-host: %w", err)
	}

	client, err := NewClient(sr, thisHost)
	if err != nil {
		return nil, fmt.Errorf("building xapi client: %w", err)
	}

	tool := &vhdtool.ExecTool{BinaryPath: c.Backend.VHDUtilPath}
	tap := &srdriver.ExecTapDisk{BinaryPath: c.Backend.TapCtlPath}

	transientDir := cfg.SRTransientDir(c)
	if err := os.MkdirAll(transientDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating transient dir %s: %w", transientDir, err)
	}

	journalStore, err := journal.Open(filepath.Join(transientDir, "journal"))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	locks := lockset.New(transientDir)
	speed := throttle.NewSpeedLog(filepath.Join(transientDir, "speed_log"))
	interval := time.Duration(c.Coalesce.MessageIntervalSecs) * time.Second
	msgs := throttle.NewMessageThrottle(client, interval)
	bus := abortbus.New()

	var driver srdriver.Driver
	var sweeper *cachesweep.Sweeper
	switch c.Backend.Kind {
	case cfg.FileBackend:
		driver = srdriver.NewFileDriver(sr, thisHost.String(), string(c.Backend.MountDir), tool, client, tap)
		sweeper = cachesweep.New(string(c.Backend.MountDir), client, lockset.NewNamedLock())
	case cfg.LVBackend:
		vg := c.Backend.VGPrefix + sr.String()
		driver = srdriver.NewLVDriver(sr, thisHost.String(), vg, &srdriver.ExecLVM{}, tool, client, tap, journalStore)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("building metrics: %w", err)
	}

	coalescerImpl := coalescer.New(sr, thisHost.String(), driver, tool, client, journalStore, locks, bus, speed, msgs)
	coalescerImpl.AutoOnlineLeafCoalesceDisabled = c.Coalesce.AutoOnlineLeafCoalesceDisabled
	coalescerImpl.Metrics = metrics

	w := gcloop.New(sr, thisHost.String(), driver, client, coalescerImpl, locks, bus, journalStore, metrics)
	w.Sweeper = sweeper
	w.GCInitPath = filepath.Join(transientDir, "gc_init")
	w.PidFile = filepath.Join(transientDir, "worker.pid")

	return &engine{worker: w, metrics: metrics}, nil
}
