package ratelimiter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

func TestRefill(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := ratelimiter.BucketParams{Capacity: 5, RefillPerSecond: 5.0 / 60.0, Cost: 1}

	t.Run("missing state is a full bucket", func(t *testing.T) {
		t.Parallel()

		next, res := ratelimiter.Refill(nil, p, t0)
		assert.True(t, res.Allowed)
		assert.InDelta(t, 4, res.Tokens, 1e-9)
		assert.Equal(t, t0, next.LastRefill)
		assert.Zero(t, res.RetryAfter)
	})

	t.Run("denial keeps refill progress", func(t *testing.T) {
		t.Parallel()

		state := &ratelimiter.BucketState{Tokens: 0, LastRefill: t0}
		next, res := ratelimiter.Refill(state, p, t0.Add(6*time.Second))
		assert.False(t, res.Allowed)
		assert.InDelta(t, 0.5, res.Tokens, 1e-9)
		assert.InDelta(t, 0.5, next.Tokens, 1e-9)
		assert.Equal(t, t0.Add(6*time.Second), next.LastRefill)
		assert.InDelta(t, 6, res.RetryAfter, 1e-9)
		assert.EqualValues(t, 1, res.Denied)

		next, res = ratelimiter.Refill(&next, p, t0.Add(12*time.Second))
		assert.True(t, res.Allowed)
		assert.InDelta(t, 0, next.Tokens, 1e-9)
		assert.Zero(t, next.Denied)
	})

	t.Run("never exceeds capacity", func(t *testing.T) {
		t.Parallel()

		state := &ratelimiter.BucketState{Tokens: 3, LastRefill: t0}
		_, res := ratelimiter.Refill(state, p, t0.Add(24*time.Hour))
		assert.True(t, res.Allowed)
		assert.InDelta(t, 4, res.Tokens, 1e-9)
	})

	t.Run("clock skew does not refill backwards", func(t *testing.T) {
		t.Parallel()

		state := &ratelimiter.BucketState{Tokens: 2, LastRefill: t0}
		_, res := ratelimiter.Refill(state, p, t0.Add(-time.Minute))
		assert.True(t, res.Allowed)
		assert.InDelta(t, 1, res.Tokens, 1e-9)
	})

	t.Run("boundary admits through float error", func(t *testing.T) {
		t.Parallel()

		state := &ratelimiter.BucketState{Tokens: 0.9999999999, LastRefill: t0}
		_, res := ratelimiter.Refill(state, p, t0)
		assert.True(t, res.Allowed)
		assert.InDelta(t, 0, res.Tokens, 1e-9)
	})

	t.Run("cost above capacity reports time to full", func(t *testing.T) {
		t.Parallel()

		big := p
		big.Cost = 8
		state := &ratelimiter.BucketState{Tokens: 2, LastRefill: t0}
		_, res := ratelimiter.Refill(state, big, t0)
		assert.False(t, res.Allowed)
		assert.InDelta(t, 36, res.RetryAfter, 1e-9)
	})

	t.Run("negative stored tokens are clamped", func(t *testing.T) {
		t.Parallel()

		state := &ratelimiter.BucketState{Tokens: -3, LastRefill: t0}
		_, res := ratelimiter.Refill(state, p, t0)
		assert.False(t, res.Allowed)
		assert.InDelta(t, 0, res.Tokens, 1e-9)
		assert.InDelta(t, 12, res.RetryAfter, 1e-9)
	})
}
