package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dmitrymomot/admission/core/logger"
)

// Service decides whether a request is admitted. It holds no per-caller state;
// all of it lives in the Store, so any number of instances can share one store.
type Service struct {
	registry     *Registry
	store        Store
	emitter      Emitter
	auditor      Auditor
	storeTimeout time.Duration
	keyPrefix    string
	now          func() time.Time
	logger       *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEmitter sets the observability emitter. Defaults to NopEmitter.
func WithEmitter(e Emitter) ServiceOption {
	return func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithAuditor sets where blocked requests are reported. Without one, blocked
// requests are not audited.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.auditor = a
		}
	}
}

// WithStoreTimeout bounds each store round-trip. Defaults to 50ms.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyPrefix sets the namespace for bucket keys. Defaults to "ratelimit".
func WithKeyPrefix(prefix string) ServiceOption {
	return func(s *Service) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithLogger sets the logger for administrative operations.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service.
func NewService(registry *Registry, store Store, opts ...ServiceOption) (*Service, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	if store == nil {
		return nil, ErrNilStore
	}

	s := &Service{
		registry:     registry,
		store:        store,
		emitter:      NopEmitter{},
		storeTimeout: 50 * time.Millisecond,
		keyPrefix:    "ratelimit",
		now:          time.Now,
		logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("ratelimiter"))

	return s, nil
}

// NewServiceFromConfig creates a Service from configuration.
// Additional options override config values.
func NewServiceFromConfig(cfg Config, registry *Registry, store Store, opts ...ServiceOption) (*Service, error) {
	allOpts := append([]ServiceOption{
		WithStoreTimeout(cfg.StoreTimeout),
		WithKeyPrefix(cfg.KeyPrefix),
	}, opts...)

	return NewService(registry, store, allOpts...)
}

// Registry returns the rule set the service was built with.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Check resolves the rule for endpoint, consumes cost tokens from the caller's
// bucket and returns the decision. A cost of zero or less uses the rule's cost.
//
// Check never returns an error: when the store cannot answer, or the identity
// does not satisfy the rule's scope, the request is admitted with
// OutcomeFailOpen and Decision.Err says why.
func (s *Service) Check(ctx context.Context, endpoint string, id Identity, cost int) Decision {
	rule, ok := s.registry.Resolve(endpoint)
	if !ok {
		return unlimitedDecision()
	}

	start := s.now()
	if cost <= 0 {
		cost = rule.Cost
	}

	identifier, err := rule.Identifier(id)
	if err != nil {
		d := failOpenDecision(rule, "", err)
		s.emit(ctx, endpoint, cost, d, start)
		return d
	}

	params := s.params(rule, cost)
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	res, err := s.store.CheckAndConsume(storeCtx, s.key(rule, identifier), params, start)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		d := failOpenDecision(rule, identifier, err)
		s.emit(ctx, endpoint, cost, d, start)
		return d
	}

	d := s.decide(rule, identifier, params, res, start)
	if !d.Allowed && s.auditor != nil {
		s.auditor.Submit(NewAuditRecord(endpoint, id, d, start))
	}
	s.emit(ctx, endpoint, cost, d, start)

	return d
}

// Status reports the caller's bucket for endpoint without consuming tokens.
// The store must implement InspectableStore.
func (s *Service) Status(ctx context.Context, endpoint string, id Identity) (Decision, error) {
	store, rule, identifier, err := s.inspect(endpoint, id)
	if err != nil {
		return Decision{}, err
	}

	now := s.now()
	params := s.params(rule, rule.Cost)
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	res, err := store.Peek(storeCtx, s.key(rule, identifier), params, now)
	if err != nil {
		return Decision{}, err
	}

	// Peek never consumes; report whether the rule's default cost would pass.
	res.Allowed = res.Tokens+epsilon >= float64(rule.Cost)
	if !res.Allowed {
		res.RetryAfter = retryAfter(res.Tokens, params)
	}

	return s.decide(rule, identifier, params, res, now), nil
}

// Reset deletes the caller's bucket for endpoint so the next request sees a full one.
func (s *Service) Reset(ctx context.Context, endpoint string, id Identity) error {
	store, rule, identifier, err := s.inspect(endpoint, id)
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := store.Reset(storeCtx, s.key(rule, identifier)); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "bucket reset",
		logger.Endpoint(endpoint),
		logger.Rule(rule.Name),
		logger.Identifier(identifier))
	return nil
}

func (s *Service) inspect(endpoint string, id Identity) (InspectableStore, Rule, string, error) {
	store, ok := s.store.(InspectableStore)
	if !ok {
		return nil, Rule{}, "", ErrUnsupported
	}
	rule, ok := s.registry.Resolve(endpoint)
	if !ok {
		return nil, Rule{}, "", fmt.Errorf("%w: no rule for %q", ErrInvalidConfig, endpoint)
	}
	identifier, err := rule.Identifier(id)
	if err != nil {
		return nil, Rule{}, "", err
	}
	return store, rule, identifier, nil
}

func (s *Service) key(rule Rule, identifier string) string {
	return s.keyPrefix + ":" + rule.Name + ":" + identifier
}

func (s *Service) params(rule Rule, cost int) BucketParams {
	return BucketParams{
		Capacity:        rule.Capacity,
		RefillPerSecond: rule.RefillPerSecond,
		Cost:            cost,
		TTL:             rule.TTL(),
	}
}

func (s *Service) decide(rule Rule, identifier string, p BucketParams, res StoreResult, now time.Time) Decision {
	d := Decision{
		Outcome:    OutcomeAllowed,
		Allowed:    true,
		Rule:       rule,
		Identifier: identifier,
		Limit:      rule.Capacity,
		Remaining:  int(math.Floor(res.Tokens + epsilon)),
		ResetAt:    now.Add(time.Duration(ceilSeconds(secondsUntilFull(res.Tokens, p))) * time.Second),
	}
	if !res.Allowed {
		d.Outcome = OutcomeBlocked
		d.Allowed = false
		d.RetryAfter = time.Duration(ceilSeconds(res.RetryAfter)) * time.Second
		d.ViolationCount = res.Denied
	}
	return d
}

func (s *Service) emit(ctx context.Context, endpoint string, cost int, d Decision, start time.Time) {
	s.emitter.Emit(ctx, Event{
		Endpoint:   endpoint,
		Identifier: d.Identifier,
		RuleName:   d.Rule.Name,
		Cost:       cost,
		Capacity:   d.Rule.Capacity,
		Window:     d.Rule.Window,
		Outcome:    d.Outcome,
		Latency:    s.now().Sub(start),
		Remaining:  d.Remaining,
		RetryAfter: d.RetryAfter,
		Err:        d.Err,
	})
}
