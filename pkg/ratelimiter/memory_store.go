package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/admission/core/logger"
)

// memoryBucket is the in-process copy of a bucket.
type memoryBucket struct {
	state      BucketState
	ttl        time.Duration
	lastAccess time.Time // Used by cleanup to identify stale buckets
}

// MemoryStore implements InspectableStore in process memory. A single mutex
// makes every check atomic, which is only correct for one process: use it for
// tests, development and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket

	cleanupInterval time.Duration
	staleAfter      time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	bucketsCreated atomic.Int64
	bucketsRemoved atomic.Int64
}

// MemoryStoreStats provides observability metrics for monitoring and debugging.
type MemoryStoreStats struct {
	BucketsCreated int64
	BucketsRemoved int64
	ActiveBuckets  int
	IsRunning      bool
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets how often stale buckets are swept. Zero disables Start.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		ms.cleanupInterval = interval
	}
}

// WithStaleAfter sets the idle age after which a bucket without its own TTL is swept.
func WithStaleAfter(d time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if d > 0 {
			ms.staleAfter = d
		}
	}
}

// WithMemoryStoreShutdownTimeout sets the graceful shutdown timeout.
func WithMemoryStoreShutdownTimeout(timeout time.Duration) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if timeout > 0 {
			ms.shutdownTimeout = timeout
		}
	}
}

// WithMemoryStoreLogger sets the logger for internal operations.
func WithMemoryStoreLogger(l *slog.Logger) MemoryStoreOption {
	return func(ms *MemoryStore) {
		if l != nil {
			ms.logger = l
		}
	}
}

// NewMemoryStore creates a new in-memory store.
// Call Start (or Run) to begin background cleanup.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	ms := &MemoryStore{
		buckets:         make(map[string]*memoryBucket),
		cleanupInterval: 5 * time.Minute,
		staleAfter:      time.Hour,
		shutdownTimeout: 30 * time.Second,
		logger:          logger.Nop(),
	}

	for _, opt := range opts {
		opt(ms)
	}

	return ms
}

// CheckAndConsume implements Store.
func (ms *MemoryStore) CheckAndConsume(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error) {
	if err := p.validate(true); err != nil {
		return StoreResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoreResult{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	b, exists := ms.buckets[key]
	var prev *BucketState
	if exists && !b.expired(now) {
		prev = &b.state
	}
	if !exists {
		b = &memoryBucket{}
		ms.buckets[key] = b
		ms.bucketsCreated.Add(1)
	}

	next, res := Refill(prev, p, now)
	b.state = next
	b.ttl = p.TTL
	b.lastAccess = now

	return res, nil
}

// Peek implements InspectableStore.
func (ms *MemoryStore) Peek(ctx context.Context, key string, p BucketParams, now time.Time) (StoreResult, error) {
	if err := p.validate(false); err != nil {
		return StoreResult{}, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var prev *BucketState
	if b, ok := ms.buckets[key]; ok && !b.expired(now) {
		s := b.state
		prev = &s
	}

	p.Cost = 0
	_, res := Refill(prev, p, now)
	if prev != nil {
		res.Denied = prev.Denied
	}
	return res, nil
}

// Reset implements InspectableStore.
func (ms *MemoryStore) Reset(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.buckets, key)
	return nil
}

func (b *memoryBucket) expired(now time.Time) bool {
	return b.ttl > 0 && now.Sub(b.lastAccess) > b.ttl
}

// Start runs the stale-bucket sweeper until ctx is cancelled.
func (ms *MemoryStore) Start(ctx context.Context) error {
	ms.mu.Lock()
	if ms.cancel != nil {
		ms.mu.Unlock()
		return fmt.Errorf("memory store already started")
	}

	if ms.cleanupInterval <= 0 {
		ms.mu.Unlock()
		return fmt.Errorf("cleanup interval must be > 0, got %v (use WithCleanupInterval to configure)", ms.cleanupInterval)
	}

	ctx, ms.cancel = context.WithCancel(ctx)
	ms.mu.Unlock()

	ms.running.Store(true)
	defer ms.running.Store(false)

	ms.logger.InfoContext(ctx, "memory store cleanup started",
		logger.Component("ratelimiter.memory_store"),
		slog.Duration("cleanup_interval", ms.cleanupInterval))

	ticker := time.NewTicker(ms.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ms.logger.InfoContext(context.Background(), "memory store cleanup stopping")
			return ctx.Err()
		case <-ticker.C:
			ms.cleanupWithWait(time.Now())
		}
	}
}

// Stop cancels the sweeper and waits for an in-flight sweep to finish.
func (ms *MemoryStore) Stop() error {
	ms.mu.Lock()
	if ms.cancel == nil {
		ms.mu.Unlock()
		return fmt.Errorf("memory store not started")
	}

	cancel := ms.cancel
	ms.cancel = nil
	ms.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), ms.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		ms.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		ms.logger.WarnContext(context.Background(), "memory store shutdown timeout exceeded",
			logger.Timeout(ms.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", ms.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (ms *MemoryStore) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- ms.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = ms.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (ms *MemoryStore) cleanupWithWait(now time.Time) {
	ms.mu.RLock()
	if ms.cancel == nil {
		ms.mu.RUnlock()
		return
	}
	ms.wg.Add(1)
	ms.mu.RUnlock()

	defer ms.wg.Done()
	ms.RemoveStale(now)
}

// RemoveStale drops buckets past their TTL, or idle longer than the stale
// threshold when they have none. Returns the number removed.
func (ms *MemoryStore) RemoveStale(now time.Time) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for key, b := range ms.buckets {
		if b.expired(now) || (b.ttl <= 0 && now.Sub(b.lastAccess) > ms.staleAfter) {
			delete(ms.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		ms.bucketsRemoved.Add(int64(removed))
	}
	return removed
}

// Stats returns current memory store statistics.
func (ms *MemoryStore) Stats() MemoryStoreStats {
	ms.mu.RLock()
	isRunning := ms.cancel != nil
	activeBuckets := len(ms.buckets)
	ms.mu.RUnlock()

	return MemoryStoreStats{
		BucketsCreated: ms.bucketsCreated.Load(),
		BucketsRemoved: ms.bucketsRemoved.Load(),
		ActiveBuckets:  activeBuckets,
		IsRunning:      isRunning,
	}
}

// Healthcheck fails when cleanup is configured but not running.
func (ms *MemoryStore) Healthcheck(ctx context.Context) error {
	if ms.cleanupInterval > 0 && !ms.Stats().IsRunning {
		return fmt.Errorf("memory store cleanup is configured but not running")
	}
	return nil
}
