package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmitrymomot/admission/core/logger"
)

// AsyncAuditor writes audit records to a sink from a bounded queue drained by
// a fixed pool of workers. Submit never blocks: when the queue is full the
// record is dropped and counted. Write failures are logged and discarded.
type AsyncAuditor struct {
	sink  AuditSink
	queue chan AuditRecord

	workers         int
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	// logLimit keeps a store outage from flooding the log with one line per record.
	logLimit *rate.Limiter

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	// sendMu orders Submit's enqueue before Stop's flag flip, so nothing lands
	// in the queue after the workers drained it.
	sendMu sync.RWMutex

	submitted atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// AuditorStats provides observability metrics for monitoring and debugging.
type AuditorStats struct {
	Submitted int64 // Records accepted into the queue
	Written   int64 // Records persisted by the sink
	Failed    int64 // Records the sink rejected
	Dropped   int64 // Records discarded because the queue was full or the auditor stopped
	Queued    int   // Records waiting in the queue
	IsRunning bool
}

// AuditorOption configures an AsyncAuditor.
type AuditorOption func(*AsyncAuditor)

// WithAuditQueueSize sets the queue capacity.
func WithAuditQueueSize(n int) AuditorOption {
	return func(a *AsyncAuditor) {
		if n > 0 {
			a.queue = make(chan AuditRecord, n)
		}
	}
}

// WithAuditWorkers sets the number of concurrent writers.
func WithAuditWorkers(n int) AuditorOption {
	return func(a *AsyncAuditor) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithAuditWriteTimeout bounds every sink call.
func WithAuditWriteTimeout(d time.Duration) AuditorOption {
	return func(a *AsyncAuditor) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithAuditShutdownTimeout bounds how long Stop waits to flush the queue.
func WithAuditShutdownTimeout(d time.Duration) AuditorOption {
	return func(a *AsyncAuditor) {
		if d > 0 {
			a.shutdownTimeout = d
		}
	}
}

// WithAuditLogger sets the logger for write failures and lifecycle events.
func WithAuditLogger(l *slog.Logger) AuditorOption {
	return func(a *AsyncAuditor) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAuditLogRate limits failure and drop log lines to r per second with the given burst.
func WithAuditLogRate(r rate.Limit, burst int) AuditorOption {
	return func(a *AsyncAuditor) {
		a.logLimit = rate.NewLimiter(r, burst)
	}
}

// NewAsyncAuditor creates an auditor. Call Start (or Run) to begin writing;
// records submitted before that wait in the queue.
func NewAsyncAuditor(sink AuditSink, opts ...AuditorOption) (*AsyncAuditor, error) {
	if sink == nil {
		return nil, ErrNilAuditSink
	}

	a := &AsyncAuditor{
		sink:            sink,
		queue:           make(chan AuditRecord, 1024),
		workers:         2,
		writeTimeout:    2 * time.Second,
		shutdownTimeout: 10 * time.Second,
		logger:          logger.Nop(),
		logLimit:        rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(logger.Component("ratelimiter.auditor"))

	return a, nil
}

// NewAsyncAuditorFromConfig creates an auditor from configuration.
// Additional options override config values.
func NewAsyncAuditorFromConfig(cfg Config, sink AuditSink, opts ...AuditorOption) (*AsyncAuditor, error) {
	allOpts := append([]AuditorOption{
		WithAuditQueueSize(cfg.AuditQueueSize),
		WithAuditWorkers(cfg.AuditWorkers),
		WithAuditWriteTimeout(cfg.AuditWriteTimeout),
		WithAuditShutdownTimeout(cfg.AuditShutdownTimeout),
	}, opts...)

	return NewAsyncAuditor(sink, allOpts...)
}

// Submit implements Auditor.
func (a *AsyncAuditor) Submit(rec AuditRecord) bool {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()

	if a.stopping.Load() {
		a.drop(rec, ErrAuditorStopped)
		return false
	}

	select {
	case a.queue <- rec:
		a.submitted.Add(1)
		return true
	default:
		a.drop(rec, ErrAuditQueueFull)
		return false
	}
}

func (a *AsyncAuditor) drop(rec AuditRecord, reason error) {
	a.dropped.Add(1)
	if a.logLimit.Allow() {
		a.logger.Warn("audit record dropped",
			logger.Endpoint(rec.Endpoint),
			logger.Rule(rec.RuleName),
			logger.Error(reason),
			slog.Int64("dropped_total", a.dropped.Load()))
	}
}

// Start runs the workers and blocks until ctx is cancelled.
func (a *AsyncAuditor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("auditor already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.stopping.Store(false)
	a.wg.Add(a.workers)
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "auditor started",
		slog.Int("workers", a.workers),
		slog.Int("queue_size", cap(a.queue)))

	for range a.workers {
		go a.work(ctx)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Stop stops accepting records, lets the workers flush what is queued and
// waits up to the shutdown timeout.
func (a *AsyncAuditor) Stop() error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return fmt.Errorf("auditor not started")
	}
	a.sendMu.Lock()
	a.stopping.Store(true)
	a.sendMu.Unlock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		// Workers may exit on a cancelled parent context before the flag
		// above was set; write what was enqueued in that window.
		a.flush()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("auditor stopped cleanly",
			slog.Int64("written", a.written.Load()),
			slog.Int64("failed", a.failed.Load()),
			slog.Int64("dropped", a.dropped.Load()))
		return nil
	case <-time.After(a.shutdownTimeout):
		a.logger.Warn("auditor shutdown timeout exceeded - queued records may be lost",
			logger.Timeout(a.shutdownTimeout),
			slog.Int("queued", len(a.queue)))
		return fmt.Errorf("shutdown timeout exceeded after %s", a.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (a *AsyncAuditor) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- a.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = a.Stop()
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

func (a *AsyncAuditor) work(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
		case <-ctx.Done():
			// Flush what is already queued; Stop bounds how long we get.
			a.flush()
			return
		}
	}
}

func (a *AsyncAuditor) flush() {
	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
		default:
			return
		}
	}
}

func (a *AsyncAuditor) write(rec AuditRecord) {
	// Writes get their own deadline, detached from any request or shutdown signal.
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in audit sink: %v", r)
			}
		}()
		return a.sink.Record(ctx, rec)
	}()

	if err != nil {
		a.failed.Add(1)
		if a.logLimit.Allow() {
			a.logger.Error("audit write failed",
				logger.Endpoint(rec.Endpoint),
				logger.Rule(rec.RuleName),
				logger.Identifier(rec.Identifier),
				logger.Error(errors.Join(ErrAuditWrite, err)))
		}
		return
	}
	a.written.Add(1)
}

// Stats returns current auditor statistics.
func (a *AsyncAuditor) Stats() AuditorStats {
	a.mu.Lock()
	isRunning := a.cancel != nil
	a.mu.Unlock()

	return AuditorStats{
		Submitted: a.submitted.Load(),
		Written:   a.written.Load(),
		Failed:    a.failed.Load(),
		Dropped:   a.dropped.Load(),
		Queued:    len(a.queue),
		IsRunning: isRunning,
	}
}

// Healthcheck fails when the auditor is not running or its queue is full.
func (a *AsyncAuditor) Healthcheck(ctx context.Context) error {
	stats := a.Stats()
	if !stats.IsRunning {
		return errors.New("auditor not running")
	}
	if stats.Queued >= cap(a.queue) {
		return fmt.Errorf("%w: %d/%d", ErrAuditQueueFull, stats.Queued, cap(a.queue))
	}
	return nil
}
