package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LeakyBucket smooths request issue rate to a steady RPM instead of
// bursting at window boundaries.
type LeakyBucket struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	closed   bool
}

// NewLeakyBucketFromRPM creates a limiter that releases one permit every
// 60s/rpm.
func NewLeakyBucketFromRPM(rpm int) *LeakyBucket {
	b := &LeakyBucket{}
	b.SetRPM(rpm)
	return b
}

// SetRPM adjusts the release rate. rpm<=0 disables pacing.
func (b *LeakyBucket) SetRPM(rpm int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rpm <= 0 {
		b.interval = 0
		return
	}
	b.interval = time.Minute / time.Duration(rpm)
}

// Wait blocks until the next permit is available or the context is done.
func (b *LeakyBucket) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.closed || b.interval <= 0 {
		b.mu.Unlock()
		return ctx.Err()
	}
	now := time.Now()
	if b.next.Before(now) {
		b.next = now
	}
	wait := b.next.Sub(now)
	b.next = b.next.Add(b.interval)
	b.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases any future waiters immediately.
func (b *LeakyBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.interval = 0
}
