package ratelimiter

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucketScript = redis.NewScript(tokenBucketSource)

// RedisStore implements InspectableStore on Redis. The whole algorithm runs
// inside one Lua script, which Redis executes atomically, so any number of
// service instances can share a bucket without further coordination.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a connected client. Works with single-node, cluster and
// ring clients: each script touches exactly one key.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilStore
	}
	return &RedisStore{client: client}, nil
}

// Preload loads the script into the script cache so the first checks do not
// pay for the EVALSHA miss.
func (s *RedisStore) Preload(ctx context.Context) error {
	if err := tokenBucketScript.Load(ctx, s.client).Err(); err != nil {
		return fmt.Errorf("%w: load script: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error) {
	if err := p.validate(true); err != nil {
		return StoreResult{}, err
	}
	return s.eval(ctx, key, p, now)
}

// Peek implements InspectableStore. The script skips its write when cost is zero.
func (s *RedisStore) Peek(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error) {
	if err := p.validate(false); err != nil {
		return StoreResult{}, err
	}
	p.Cost = 0
	return s.eval(ctx, key, p, now)
}

// Reset implements InspectableStore.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) eval(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error) {
	res, err := tokenBucketScript.Run(ctx, s.client, []string{key},
		p.Capacity,
		strconv.FormatFloat(p.RefillPerSecond, 'f', -1, 64),
		p.Cost,
		now.UnixMicro(),
		p.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return StoreResult{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return parseScriptResult(res)
}

func parseScriptResult(values []any) (StoreResult, error) {
	if len(values) != 4 {
		return StoreResult{}, fmt.Errorf("%w: unexpected script reply length %d", ErrStoreUnavailable, len(values))
	}

	allowed, err := toInt64(values[0])
	if err != nil {
		return StoreResult{}, err
	}
	tokens, err := toFloat(values[1])
	if err != nil {
		return StoreResult{}, err
	}
	retry, err := toFloat(values[2])
	if err != nil {
		return StoreResult{}, err
	}
	denied, err := toInt64(values[3])
	if err != nil {
		return StoreResult{}, err
	}

	return StoreResult{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: retry,
		Denied:     denied,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("%w: unexpected script value %T", ErrStoreUnavailable, v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: parse script value: %w", ErrStoreUnavailable, err)
		}
		return f, nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%w: unexpected script value %T", ErrStoreUnavailable, v)
}
