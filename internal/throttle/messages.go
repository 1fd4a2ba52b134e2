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

package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMessageInterval is the per-SR default rate for user-visible
// coalesce error messages (one per 60s).
const DefaultMessageInterval = 60 * time.Second

// Poster is the control-plane operation used to surface a
// user-visible message.
type Poster interface {
	PostMessage(ctx context.Context, name string, priority int, objectKind, objectUUID, body string) error
}

// MessageThrottle rate-limits a named class of user-visible message so
// repeated identical failures (e.g. the same VDI hitting ENOSPC every
// GC iteration) don't flood the control plane.
type MessageThrottle struct {
	poster   Poster
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMessageThrottle returns a throttle posting through poster, no more
// often than interval per distinct message name.
func NewMessageThrottle(poster Poster, interval time.Duration) *MessageThrottle {
	if interval <= 0 {
		interval = DefaultMessageInterval
	}
	return &MessageThrottle{
		poster:   poster,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *MessageThrottle) limiterFor(name string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[name] = l
	}
	return l
}

// Post emits the message if the per-name rate allows it; otherwise it
// is silently dropped (the previous post already informed the user).
func (t *MessageThrottle) Post(ctx context.Context, name string, priority int, objectKind, objectUUID, body string) error {
	if !t.limiterFor(name).Allow() {
		return nil
	}
	return t.poster.PostMessage(ctx, name, priority, objectKind, objectUUID, body)
}

// Message names posted to the control plane.
const (
	MsgGCNoSpace     = "GC_NO_SPACE"
	MsgCoalesceError = "COALESCE_ERROR"
)

// ErrnoBody renders a short message body for a coalesce failure;
// ENOSPC and EIO get distinct text.
func ErrnoBody(errno string, detail string) string {
	switch errno {
	case "ENOSPC":
		return fmt.Sprintf("Insufficient free space to coalesce: %s", detail)
	case "EIO":
		return fmt.Sprintf("I/O error during coalesce: %s", detail)
	default:
		return fmt.Sprintf("Coalesce failed (%s): %s", errno, detail)
	}
}
