// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"sync"
	"time"
)

type backoffEntry struct {
	failures int
	retryAt  time.Time
}

// backoffTracker delays the next attempt for an entity after a recoverable failure.
// The delay doubles with each consecutive failure, from min up to max.
type backoffTracker struct {
	mu      sync.Mutex
	min     time.Duration
	max     time.Duration
	entries map[string]backoffEntry
}

func newBackoffTracker(minDelay, maxDelay time.Duration) *backoffTracker {
	return &backoffTracker{min: minDelay, max: maxDelay, entries: make(map[string]backoffEntry)}
}

func (b *backoffTracker) ready(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return !ok || !now.Before(e.retryAt)
}

// fail records a failure and returns the delay until the next attempt.
func (b *backoffTracker) fail(key string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[key]
	e.failures++
	d := calculateBackoff(e.failures, b.min, b.max)
	e.retryAt = now.Add(d)
	b.entries[key] = e
	return d
}

func (b *backoffTracker) reset(key string) {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
}

func (b *backoffTracker) clear() {
	b.mu.Lock()
	b.entries = make(map[string]backoffEntry)
	b.mu.Unlock()
}

// nextRetry returns the earliest retry time after now, or the zero time if none.
func (b *backoffTracker) nextRetry(now time.Time) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next time.Time
	for _, e := range b.entries {
		if !e.retryAt.After(now) {
			continue
		}
		if next.IsZero() || e.retryAt.Before(next) {
			next = e.retryAt
		}
	}
	return next
}

func calculateBackoff(failures int, minDelay, maxDelay time.Duration) time.Duration {
	d := minDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
