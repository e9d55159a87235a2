package ratelimiter

import (
	"context"
	"math"
	"time"
)

// epsilon absorbs float error at exact boundaries, so a bucket that has
// refilled to 0.9999999999 of a token still admits a cost-1 request.
const epsilon = 1e-9

// BucketParams describes the bucket a single check runs against.
type BucketParams struct {
	Capacity        int
	RefillPerSecond float64
	Cost            int
	// TTL is the idle expiry of the stored state. Zero disables expiry.
	TTL time.Duration
}

func (p BucketParams) validate(consume bool) error {
	if p.Capacity <= 0 || p.RefillPerSecond <= 0 {
		return ErrInvalidConfig
	}
	if p.Cost < 0 || (consume && p.Cost == 0) {
		return ErrInvalidCost
	}
	return nil
}

// BucketState is what a store persists per key.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
	// Denied counts rejections since the last admitted request.
	Denied int64
}

// StoreResult is the outcome of one atomic check-and-consume.
type StoreResult struct {
	Allowed bool
	// Tokens left after the operation, in [0, capacity].
	Tokens float64
	// RetryAfter is the exact time to availability in seconds; zero when allowed.
	RetryAfter float64
	// Denied is the rejection streak for the key, including this call.
	Denied int64
}

// Store performs the atomic token bucket operation against shared state.
// Implementations must make the whole read-refill-consume-write sequence one
// indivisible step per key, and must report transport failures wrapped in
// ErrStoreUnavailable rather than as a denial.
type Store interface {
	CheckAndConsume(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error)
}

// InspectableStore is implemented by stores that support administrative access.
type InspectableStore interface {
	Store
	// Peek reports the refilled state without consuming or writing anything.
	Peek(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error)
	// Reset deletes the bucket; the next check sees a full bucket.
	Reset(ctx context.Context, key string) error
}

// Refill runs the continuous-refill algorithm on state and returns the new
// state with the result. A nil state is a fresh, full bucket. Stores call this
// inside their atomic section; the Redis script mirrors it line by line.
func Refill(state *BucketState, p BucketParams, now time.Time) (BucketState, StoreResult) {
	capacity := float64(p.Capacity)

	var cur BucketState
	if state == nil {
		cur = BucketState{Tokens: capacity, LastRefill: now}
	} else {
		cur = *state
	}

	elapsed := now.Sub(cur.LastRefill).Seconds()
	if elapsed < 0 {
		// Clock skew between instances; never refill backwards.
		elapsed = 0
	}
	refilled := math.Min(capacity, math.Max(0, cur.Tokens)+elapsed*p.RefillPerSecond)

	cost := float64(p.Cost)
	next := BucketState{LastRefill: now}

	if refilled+epsilon >= cost {
		next.Tokens = math.Max(0, refilled-cost)
		return next, StoreResult{Allowed: true, Tokens: next.Tokens}
	}

	// Denied: keep the refill progress, never lose it.
	next.Tokens = refilled
	next.Denied = cur.Denied + 1

	return next, StoreResult{Tokens: refilled, RetryAfter: retryAfter(refilled, p), Denied: next.Denied}
}

// retryAfter is the exact wait until tokens cover p.Cost. A cost above capacity
// can never be met; it reports the time to a full bucket instead.
func retryAfter(tokens float64, p BucketParams) float64 {
	target := math.Min(float64(p.Cost), float64(p.Capacity))
	return math.Max(0, (target-tokens)/p.RefillPerSecond)
}

// ceilSeconds rounds a retry delay up to whole seconds, so clients never retry early.
func ceilSeconds(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return max(1, int(math.Ceil(seconds-epsilon)))
}

// secondsUntilFull is how long a bucket holding tokens takes to refill completely.
func secondsUntilFull(tokens float64, p BucketParams) float64 {
	return math.Max(0, (float64(p.Capacity)-tokens)/p.RefillPerSecond)
}
