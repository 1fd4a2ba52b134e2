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

// Package lockset implements the three file-lock-style locks the
// engine coordinates through: SR_LOCK (refcounted, nested-acquire
// permitted), GC_ACTIVE (one-held-at-a-time gate), and GC_RUNNING (a
// presence indicator). All are polled with a fixed retry interval
// rather than blocking indefinitely, so a waiter can notice an abort
// signal between attempts.
package lockset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RetryInterval is the poll interval shared by all three locks.
const RetryInterval = 3 * time.Second

// ErrAborted is returned when ctx is cancelled while waiting for a
// lock, distinct from a plain timeout so callers can route it through
// the abort-unwind channel rather than the failed-targets path.
var ErrAborted = errors.New("lockset: wait aborted")

// FileLock wraps an flock(2)-based advisory lock on a well-known path,
// refcounted so the same process may acquire it multiple times
// (nested acquisition), mirroring SR_LOCK's contract.
type FileLock struct {
	path string

	mu    sync.Mutex
	fd    int
	count int
}

// NewFileLock returns a lock bound to path. The file is created if
// absent.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire blocks, polling every RetryInterval, until the lock is held
// or ctx is cancelled. Safe to call again from the same FileLock value
// while already held by this process (refcounted).
func (l *FileLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.count > 0 {
		l.count++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("lockset: opening %s: %w", l.path, err)
	}

	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.mu.Lock()
			l.fd = fd
			l.count = 1
			l.mu.Unlock()
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			unix.Close(fd)
			return fmt.Errorf("lockset: flock %s: %w", l.path, err)
		}

		select {
		case <-ctx.Done():
			unix.Close(fd)
			return ErrAborted
		case <-ticker.C:
		}
	}
}

// Release drops one level of nested acquisition, unlocking the
// underlying file descriptor once the refcount reaches zero.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return fmt.Errorf("lockset: release of unheld lock %s", l.path)
	}
	l.count--
	if l.count > 0 {
		return nil
	}
	fd := l.fd
	l.fd = 0
	if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("lockset: unlock %s: %w", l.path, err)
	}
	return unix.Close(fd)
}

// Held reports whether this process currently holds the lock.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count > 0
}

// PresenceIndicator is GC_RUNNING: a file whose mere existence (not
// locking) signals "an outer-loop iteration is in progress". Set at
// the start of each iteration, cleared at the end.
type PresenceIndicator struct {
	path string
}

// NewPresenceIndicator returns an indicator bound to path.
func NewPresenceIndicator(path string) *PresenceIndicator {
	return &PresenceIndicator{path: path}
}

// Set creates the indicator file, recording the current pid for
// diagnostics.
func (p *PresenceIndicator) Set() error {
	return os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

// Clear removes the indicator file. Idempotent.
func (p *PresenceIndicator) Clear() error {
	err := os.Remove(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Present reports whether the indicator file currently exists.
func (p *PresenceIndicator) Present() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// Set is the set of per-SR locks a worker acquires; one worker
// process holds at most one Set.
type Set struct {
	SRLock    *FileLock
	GCActive  *FileLock
	GCRunning *PresenceIndicator
}

// New builds the three locks for an SR rooted at dir (typically the
// SR's transient lock directory).
func New(dir string) *Set {
	return &Set{
		SRLock:    NewFileLock(dir + "/sr_lock"),
		GCActive:  NewFileLock(dir + "/gc_active"),
		GCRunning: NewPresenceIndicator(dir + "/gc_running"),
	}
}

// AcquireGCActive acquires GC_ACTIVE. It transiently holds SR_LOCK
// first, to avoid deadlocking against a holder that is itself trying
// to abort this worker.
func (s *Set) AcquireGCActive(ctx context.Context) error {
	if err := s.SRLock.Acquire(ctx); err != nil {
		return err
	}
	defer s.SRLock.Release()
	return s.GCActive.Acquire(ctx)
}

// NamedLock is an in-process registry of per-key mutexes, used by
// internal/cachesweep to serialize sweep/access of one cache file at a
// time without contending on an unrelated key.
type NamedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewNamedLock returns an empty registry.
func NewNamedLock() *NamedLock {
	return &NamedLock{locks: map[string]*sync.Mutex{}}
}

func (n *NamedLock) lockFor(key string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.locks[key]
	if !ok {
		l = &sync.Mutex{}
		n.locks[key] = l
	}
	return l
}

// Lock acquires the mutex for key, blocking until held.
func (n *NamedLock) Lock(key string) { n.lockFor(key).Lock() }

// Unlock releases the mutex for key.
func (n *NamedLock) Unlock(key string) { n.lockFor(key).Unlock() }
