package service

import (
	"context"
	"sync"
	"time"
)

const (
	MaxLoginFailures   = 5
	LoginFailureWindow = 15 * time.Minute
)

// AttemptTracker counts failed logins per username over a sliding window.
// repository/redis.LoginAttemptCache implements it for shared deployments.
type AttemptTracker interface {
	RecordFailure(ctx context.Context, key string, now time.Time) (int, error)
	Failures(ctx context.Context, key string, now time.Time) (int, error)
	Reset(ctx context.Context, key string) error
}

// MemoryAttemptTracker is the single-process tracker.
type MemoryAttemptTracker struct {
	window   time.Duration
	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewMemoryAttemptTracker(window time.Duration) *MemoryAttemptTracker {
	if window <= 0 {
		window = LoginFailureWindow
	}
	return &MemoryAttemptTracker{window: window, failures: make(map[string][]time.Time)}
}

func (t *MemoryAttemptTracker) RecordFailure(_ context.Context, key string, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.pruneLocked(key, now)
	kept = append(kept, now)
	t.failures[key] = kept
	return len(kept), nil
}

func (t *MemoryAttemptTracker) Failures(_ context.Context, key string, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pruneLocked(key, now)), nil
}

func (t *MemoryAttemptTracker) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
	return nil
}

func (t *MemoryAttemptTracker) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	kept := t.failures[key][:0]
	for _, ts := range t.failures[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(t.failures, key)
		return nil
	}
	t.failures[key] = kept
	return kept
}
