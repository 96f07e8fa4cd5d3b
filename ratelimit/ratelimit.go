// Package ratelimit provides a simple commands-per-second rate limiter.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to rate operations per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerOp    int64
	sent       uint64
	startTime  time.Time
	checkEvery uint64
}

// New creates a limiter for rate operations per second.
// If rate == 0, throttling is disabled.
func New(rate uint64) *Throttle {
	if rate == 0 {
		return nil
	}
	return &Throttle{
		nsPerOp:   int64(time.Second) / int64(rate),
		startTime: time.Now(),

		// Check time every ~10ms of operations to balance accuracy vs overhead.
		// At least every 32 operations. At most every 1024.
		checkEvery: min(max(rate/100, 32), 1024),
	}
}

// ThrottleN blocks until n more operations are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	_ = l.WaitN(context.Background(), n)
}

// WaitN is ThrottleN that gives up when ctx is done.
func (l *Throttle) WaitN(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	before := l.sent
	l.sent += n
	if before/l.checkEvery == l.sent/l.checkEvery {
		return ctx.Err() // Fast path: only check time periodically.
	}

	expected := l.startTime.Add(time.Duration(int64(l.sent) * l.nsPerOp))
	d := time.Until(expected)
	if d <= 0 {
		return ctx.Err() // Behind schedule, catch up by not sleeping.
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the number of operations accounted so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}
