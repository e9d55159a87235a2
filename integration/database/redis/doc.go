// Package redis opens the go-redis client that backs the shared token bucket
// store and exposes a readiness probe for it.
//
//	client, err := redis.Connect(ctx, redis.Config{
//		ConnectionURL: "redis://localhost:6379/0",
//		RetryAttempts: 3,
//		RetryInterval: time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	ready := redis.Healthcheck(client)
//
// Connect accepts redis:// and rediss:// URLs, retries the initial ping with
// exponential backoff and honors context cancellation. Errors wrap
// ErrEmptyConnectionURL, ErrFailedToParseRedisConnString or ErrRedisNotReady;
// the probe wraps ErrHealthcheckFailed.
package redis
