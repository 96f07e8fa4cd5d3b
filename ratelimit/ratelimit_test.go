package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/iwatrans/ratelimit"
)

func TestDisabled(t *testing.T) {
	l := ratelimit.New(0)
	require.Nil(t, l)
	start := time.Now()
	for range 10_000 {
		l.ThrottleN(1)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, l.Sent())
}

func TestThrottleLimitsRate(t *testing.T) {
	l := ratelimit.New(1000)
	start := time.Now()
	for range 64 {
		l.ThrottleN(1)
	}
	// 64 operations at 1000/s take at least 64ms.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, uint64(64), l.Sent())
}

func TestWaitNCancelled(t *testing.T) {
	l := ratelimit.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := l.WaitN(ctx, 32)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
