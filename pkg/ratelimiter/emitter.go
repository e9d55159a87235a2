package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/dmitrymomot/admission/core/logger"
)

const instrumentationName = "github.com/dmitrymomot/admission/pkg/ratelimiter"

// Event describes one completed admission check.
type Event struct {
	Endpoint   string
	Identifier string
	RuleName   string
	Cost       int
	Capacity   int
	Window     time.Duration
	Outcome    Outcome
	Latency    time.Duration
	Remaining  int
	RetryAfter time.Duration // blocked only
	Err        error         // fail_open only
}

// Emitter receives an event for every check that resolved a rule.
// Implementations must not panic and must not block for long.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// NopEmitter drops every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(context.Context, Event) {}

// LogEmitter writes each event as a structured log record, at info for allowed,
// warn for blocked and error for fail_open, and records OpenTelemetry metrics.
type LogEmitter struct {
	logger   *slog.Logger
	checks   metric.Int64Counter
	duration metric.Float64Histogram
}

// LogEmitterOption configures a LogEmitter.
type LogEmitterOption func(*logEmitterOptions)

type logEmitterOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets the metric provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) LogEmitterOption {
	return func(o *logEmitterOptions) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// NewLogEmitter creates a LogEmitter. A nil logger discards log output.
func NewLogEmitter(log *slog.Logger, opts ...LogEmitterOption) *LogEmitter {
	o := &logEmitterOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(o)
	}
	if log == nil {
		log = logger.Nop()
	}

	meter := o.meterProvider.Meter(instrumentationName)
	noopMeter := noop.NewMeterProvider().Meter(instrumentationName)

	checks, err := meter.Int64Counter("ratelimit.checks",
		metric.WithDescription("Admission checks by outcome."),
		metric.WithUnit("{check}"))
	if err != nil {
		checks, _ = noopMeter.Int64Counter("ratelimit.checks")
	}
	duration, err := meter.Float64Histogram("ratelimit.check.duration",
		metric.WithDescription("Admission check latency including the store round-trip."),
		metric.WithUnit("s"))
	if err != nil {
		duration, _ = noopMeter.Float64Histogram("ratelimit.check.duration")
	}

	return &LogEmitter{
		logger:   log.With(logger.Component("ratelimiter")),
		checks:   checks,
		duration: duration,
	}
}

// Emit implements Emitter. Panics from the log handler or the metric SDK are
// recovered; observability never fails a request.
func (e *LogEmitter) Emit(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			func() {
				defer func() { _ = recover() }()
				e.logger.Error("observability emit panicked", slog.Any("panic", r))
			}()
		}
	}()

	set := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("outcome", string(ev.Outcome)),
		attribute.String("rule", ev.RuleName),
	))
	e.checks.Add(ctx, 1, set)
	e.duration.Record(ctx, ev.Latency.Seconds(), set)

	attrs := []slog.Attr{
		logger.Endpoint(ev.Endpoint),
		logger.Identifier(ev.Identifier),
		logger.Rule(ev.RuleName),
		logger.Outcome(string(ev.Outcome)),
		slog.Int("cost", ev.Cost),
		slog.Int("capacity", ev.Capacity),
		slog.Duration("window", ev.Window),
		slog.Int("remaining", ev.Remaining),
		logger.Latency(ev.Latency),
	}

	switch ev.Outcome {
	case OutcomeBlocked:
		attrs = append(attrs, logger.RetryAfter(int(ev.RetryAfter/time.Second)))
		e.logger.LogAttrs(ctx, slog.LevelWarn, "request blocked by rate limit", attrs...)
	case OutcomeFailOpen:
		attrs = append(attrs, logger.Error(ev.Err))
		e.logger.LogAttrs(ctx, slog.LevelError, "rate limit check failed open", attrs...)
	default:
		e.logger.LogAttrs(ctx, slog.LevelInfo, "request admitted", attrs...)
	}
}
