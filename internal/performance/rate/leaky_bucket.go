// Package rate caps the global request rate of a run.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LeakyBucket spaces requests evenly at a fixed rate.
//
// Every call to Next reserves the next free slot on a virtual drip clock and
// returns when it opens. Callers that fall behind schedule get their slot
// immediately, but unused slots do not pile up into a burst.
//
// # Thread Safety
//
// LeakyBucket is safe for concurrent use; all VUs of a run share one bucket.
//
// # Example
//
//	lb := NewLeakyBucket(50) // at most 50 requests per second
//	if err := lb.Wait(ctx); err != nil {
//	    return err
//	}
//	// send request
type LeakyBucket struct {
	interval time.Duration
	lastDrip time.Time // most recently reserved slot
	mu       sync.Mutex

	totalRequests atomic.Int64
	totalWaitTime atomic.Int64 // nanoseconds
}

// NewLeakyBucket creates a limiter admitting rate requests per second.
// A non-positive rate defaults to 1. The first request is admitted at once.
func NewLeakyBucket(rate float64) *LeakyBucket {
	if rate <= 0 {
		rate = 1.0
	}
	interval := time.Duration(float64(time.Second) / rate)
	return &LeakyBucket{
		interval: interval,
		lastDrip: time.Now().Add(-interval),
	}
}

// Next reserves a slot and returns when it opens. The time may be now,
// meaning the request can go immediately.
func (lb *LeakyBucket) Next() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	next := lb.lastDrip.Add(lb.interval)
	if next.Before(now) {
		next = now
	}
	lb.lastDrip = next

	lb.totalRequests.Add(1)
	if wait := next.Sub(now); wait > 0 {
		lb.totalWaitTime.Add(int64(wait))
	}
	return next
}

// Wait blocks until the next slot opens or ctx is done. A nil bucket never
// blocks, so callers can hold an optional limiter without checks.
func (lb *LeakyBucket) Wait(ctx context.Context) error {
	if lb == nil {
		return ctx.Err()
	}

	wait := time.Until(lb.Next())
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Rate returns the configured requests per second.
func (lb *LeakyBucket) Rate() float64 {
	return float64(time.Second) / float64(lb.interval)
}

// Stats returns usage counters.
func (lb *LeakyBucket) Stats() LeakyBucketStats {
	return LeakyBucketStats{
		Rate:          lb.Rate(),
		TotalRequests: lb.totalRequests.Load(),
		TotalWaitTime: time.Duration(lb.totalWaitTime.Load()),
	}
}

// LeakyBucketStats contains statistics about the limiter.
type LeakyBucketStats struct {
	Rate          float64       `json:"rate"`
	TotalRequests int64         `json:"totalRequests"`
	TotalWaitTime time.Duration `json:"totalWaitTime"`
}
