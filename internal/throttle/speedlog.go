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

// Package throttle implements the Progress/Throttle component: a
// running-average copy-throughput log used to predict leaf-coalesce
// downtime, and a rate limiter for user-visible coalesce error
// messages.
package throttle

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vhdsr/smgc/internal/journal"
)

// MaxSamples is the number of throughput samples the speed log
// retains.
const MaxSamples = 10

// SpeedLog is a running average of the last MaxSamples copy-throughput
// samples (bytes/second), persisted atomically at path.
type SpeedLog struct {
	path string
}

// NewSpeedLog returns a SpeedLog backed by the file at path (typically
// "<transient>/<sr-uuid>.speed_log").
func NewSpeedLog(path string) *SpeedLog {
	return &SpeedLog{path: path}
}

// Record appends one throughput sample (bytesPerSecond), trimming to
// the most recent MaxSamples, and persists the result via
// write-temp-then-rename.
func (s *SpeedLog) Record(bytesPerSecond float64) error {
	samples, err := s.read()
	if err != nil {
		return err
	}
	samples = append(samples, bytesPerSecond)
	if len(samples) > MaxSamples {
		samples = samples[len(samples)-MaxSamples:]
	}

	var b strings.Builder
	for _, v := range samples {
		fmt.Fprintf(&b, "%g\n", v)
	}
	return journal.AtomicWriteFile(s.path, []byte(b.String()), 0o600)
}

// Average returns the mean of the persisted samples. ok is false when
// the log is absent or empty or its mean is not positive, signalling
// callers to fall back to a
// fixed-size threshold instead of a speed-based prediction.
func (s *SpeedLog) Average() (avg float64, ok bool) {
	samples, err := s.read()
	if err != nil || len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	avg = sum / float64(len(samples))
	return avg, avg > 0
}

func (s *SpeedLog) read() ([]float64, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("throttle: opening speed log %s: %w", s.path, err)
	}
	defer f.Close()

	var out []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
