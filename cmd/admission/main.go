// Command admission runs a demo API protected by the distributed rate limiter.
//
// Rules come from the YAML file in RATELIMIT_RULES_FILE. Buckets live in
// Redis (RATELIMIT_STORE=redis, the default) or in process memory
// (RATELIMIT_STORE=memory). Blocked requests are audited to the log, to
// PostgreSQL (RATELIMIT_AUDIT_DRIVER=postgres) or not at all.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/admission/core/config"
	"github.com/dmitrymomot/admission/core/health"
	"github.com/dmitrymomot/admission/core/logger"
	"github.com/dmitrymomot/admission/core/server"
	"github.com/dmitrymomot/admission/integration/audit/pgaudit"
	"github.com/dmitrymomot/admission/integration/database/pg"
	"github.com/dmitrymomot/admission/integration/database/redis"
	"github.com/dmitrymomot/admission/middleware"
	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("admission service failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var app appConfig
	if err := config.Load(&app); err != nil {
		return err
	}
	if err := app.validate(); err != nil {
		return err
	}

	log := newLogger(app)
	logger.SetAsDefault(log)

	var rlCfg ratelimiter.Config
	if err := config.Load(&rlCfg); err != nil {
		return err
	}
	var srvCfg server.Config
	if err := config.Load(&srvCfg); err != nil {
		return err
	}

	// A broken rule set must stop startup rather than run unprotected.
	registry, err := ratelimiter.LoadRulesFile(rlCfg.RulesFile)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "rules loaded",
		slog.String("file", rlCfg.RulesFile),
		logger.Count("rules", registry.Len()))

	g, ctx := errgroup.WithContext(ctx)
	var checks []health.Check

	var store ratelimiter.Store
	switch app.Store {
	case storeRedis:
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return err
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()

		rs, err := ratelimiter.NewRedisStore(client)
		if err != nil {
			return err
		}
		if err := rs.Preload(ctx); err != nil {
			log.WarnContext(ctx, "token bucket script preload failed", logger.Error(err))
		}
		store = rs
		checks = append(checks, redis.Healthcheck(client))
	case storeMemory:
		ms := ratelimiter.NewMemoryStore(ratelimiter.WithMemoryStoreLogger(log))
		g.Go(ms.Run(ctx))
		store = ms
		checks = append(checks, ms.Healthcheck)
		log.WarnContext(ctx, "using in-process bucket store, limits are per instance")
	}

	sink, querier, closeAudit, err := newAuditSink(ctx, app, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	// Decision events carry the request ID; the access log adds it itself.
	reqLog := newLogger(app, middleware.RequestIDExtractor)
	opts := []ratelimiter.ServiceOption{
		ratelimiter.WithEmitter(ratelimiter.NewLogEmitter(reqLog)),
		ratelimiter.WithLogger(reqLog),
	}
	if sink != nil {
		auditor, err := ratelimiter.NewAsyncAuditorFromConfig(rlCfg, sink, ratelimiter.WithAuditLogger(log))
		if err != nil {
			return err
		}
		g.Go(auditor.Run(ctx))
		opts = append(opts, ratelimiter.WithAuditor(auditor))
		checks = append(checks, auditor.Healthcheck)
	}

	svc, err := ratelimiter.NewServiceFromConfig(rlCfg, registry, store, opts...)
	if err != nil {
		return err
	}

	router := newRouter(routerDeps{
		service:      svc,
		violations:   querier,
		log:          log,
		adminToken:   app.AdminToken,
		readyTimeout: app.ReadyTimeout,
		checks:       checks,
	})

	srv, err := server.NewFromConfig(srvCfg, server.WithLogger(log))
	if err != nil {
		return err
	}
	g.Go(srv.Run(ctx, router))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("admission service stopped")
	return nil
}

func newLogger(app appConfig, extractors ...logger.ContextExtractor) *slog.Logger {
	opts := []logger.Option{logger.WithContextExtractors(extractors...)}
	switch app.Environment {
	case "production":
		opts = append(opts, logger.WithProduction(app.Service))
	case "staging":
		opts = append(opts, logger.WithStaging(app.Service))
	default:
		opts = append(opts, logger.WithDevelopment(app.Service))
	}
	return logger.New(opts...)
}

// newAuditSink builds the sink for blocked requests. querier is non-nil only
// when violations can be read back.
func newAuditSink(ctx context.Context, app appConfig, log *slog.Logger) (ratelimiter.AuditSink, violationQuerier, func(), error) {
	switch app.AuditDriver {
	case auditPostgres:
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return nil, nil, nil, err
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pgaudit.Migrate(ctx, pool, log); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		store, err := pgaudit.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return store, store, pool.Close, nil
	case auditLog:
		return logAuditSink(log), nil, func() {}, nil
	}
	return nil, nil, func() {}, nil
}

// logAuditSink writes violations to the log, for deployments without a database.
func logAuditSink(log *slog.Logger) ratelimiter.AuditSink {
	log = log.With(logger.Component("audit"))
	return ratelimiter.AuditSinkFunc(func(ctx context.Context, rec ratelimiter.AuditRecord) error {
		log.WarnContext(ctx, "rate limit violation",
			slog.String("id", rec.ID.String()),
			logger.Endpoint(rec.Endpoint),
			logger.Rule(rec.RuleName),
			logger.Identifier(rec.Identifier),
			logger.ClientIP(rec.IP),
			slog.Int64("violation_count", rec.ViolationCount),
			slog.Time("created_at", rec.CreatedAt))
		return nil
	})
}
