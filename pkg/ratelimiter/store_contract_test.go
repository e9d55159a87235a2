package ratelimiter_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

// runStoreContract checks the behavior every InspectableStore must share.
// newStore returns a fresh, empty store for each subtest.
func runStoreContract(t *testing.T, newStore func(t *testing.T) ratelimiter.InspectableStore) {
	t.Helper()

	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	params := ratelimiter.BucketParams{
		Capacity:        5,
		RefillPerSecond: 5.0 / 60.0,
		Cost:            1,
		TTL:             2 * time.Minute,
	}

	t.Run("burst then retry after", func(t *testing.T) {
		store := newStore(t)

		for i := range 5 {
			res, err := store.CheckAndConsume(ctx, "k", params, t0)
			require.NoError(t, err)
			assert.True(t, res.Allowed, "request %d", i+1)
			assert.InDelta(t, float64(4-i), res.Tokens, 1e-6)
		}

		res, err := store.CheckAndConsume(ctx, "k", params, t0)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.InDelta(t, 12, res.RetryAfter, 1e-6)
		assert.EqualValues(t, 1, res.Denied)

		res, err = store.CheckAndConsume(ctx, "k", params, t0.Add(12*time.Second))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Zero(t, res.Denied)
	})

	t.Run("denials accumulate and keep progress", func(t *testing.T) {
		store := newStore(t)

		drain := params
		drain.Cost = 5
		_, err := store.CheckAndConsume(ctx, "k", drain, t0)
		require.NoError(t, err)

		res, err := store.CheckAndConsume(ctx, "k", params, t0.Add(6*time.Second))
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.InDelta(t, 6, res.RetryAfter, 1e-6)

		res, err = store.CheckAndConsume(ctx, "k", params, t0.Add(9*time.Second))
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.InDelta(t, 3, res.RetryAfter, 1e-6)
		assert.EqualValues(t, 2, res.Denied)

		res, err = store.CheckAndConsume(ctx, "k", params, t0.Add(12*time.Second))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("keys are independent", func(t *testing.T) {
		store := newStore(t)

		drain := params
		drain.Cost = 5
		res, err := store.CheckAndConsume(ctx, "a", drain, t0)
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		res, err = store.CheckAndConsume(ctx, "b", params, t0)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.InDelta(t, 4, res.Tokens, 1e-6)
	})

	t.Run("peek does not consume", func(t *testing.T) {
		store := newStore(t)

		res, err := store.Peek(ctx, "k", params, t0)
		require.NoError(t, err)
		assert.InDelta(t, 5, res.Tokens, 1e-6)

		_, err = store.CheckAndConsume(ctx, "k", params, t0)
		require.NoError(t, err)

		for range 3 {
			res, err = store.Peek(ctx, "k", params, t0)
			require.NoError(t, err)
			assert.InDelta(t, 4, res.Tokens, 1e-6)
		}

		res, err = store.Peek(ctx, "k", params, t0.Add(6*time.Second))
		require.NoError(t, err)
		assert.InDelta(t, 4.5, res.Tokens, 1e-6)
	})

	t.Run("reset restores a full bucket", func(t *testing.T) {
		store := newStore(t)

		drain := params
		drain.Cost = 5
		_, err := store.CheckAndConsume(ctx, "k", drain, t0)
		require.NoError(t, err)

		require.NoError(t, store.Reset(ctx, "k"))

		res, err := store.CheckAndConsume(ctx, "k", params, t0)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.InDelta(t, 4, res.Tokens, 1e-6)
	})

	t.Run("rejects invalid params", func(t *testing.T) {
		store := newStore(t)

		bad := params
		bad.Cost = 0
		_, err := store.CheckAndConsume(ctx, "k", bad, t0)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidCost)

		bad = params
		bad.Capacity = 0
		_, err = store.CheckAndConsume(ctx, "k", bad, t0)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
	})

	t.Run("concurrent checks never over-admit", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping concurrency test in short mode")
		}
		store := newStore(t)

		const (
			capacity   = 50
			goroutines = 20
			perRoutine = 10
		)
		p := ratelimiter.BucketParams{Capacity: capacity, RefillPerSecond: 1e-6, Cost: 1, TTL: time.Minute}

		var allowed, denied atomic.Int64
		var wg sync.WaitGroup
		wg.Add(goroutines)
		for range goroutines {
			go func() {
				defer wg.Done()
				for range perRoutine {
					res, err := store.CheckAndConsume(ctx, "shared", p, t0)
					if !assert.NoError(t, err) {
						return
					}
					if res.Allowed {
						allowed.Add(1)
					} else {
						denied.Add(1)
					}
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, capacity, allowed.Load())
		assert.EqualValues(t, goroutines*perRoutine-capacity, denied.Load())
	})

	t.Run("many keys", func(t *testing.T) {
		store := newStore(t)

		for i := range 20 {
			res, err := store.CheckAndConsume(ctx, fmt.Sprintf("key-%d", i), params, t0)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		}
	})
}
