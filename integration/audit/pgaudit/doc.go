// Package pgaudit stores rate limit violations in PostgreSQL.
//
// Store implements ratelimiter.AuditSink with one INSERT per blocked request
// into rate_limit_violations. The table is created by goose migrations
// embedded in this package:
//
//	pool, err := pg.Connect(ctx, pgCfg)
//	if err != nil {
//		return err
//	}
//	if err := pgaudit.Migrate(ctx, pool, log); err != nil {
//		return err
//	}
//	sink, _ := pgaudit.New(pool)
//	auditor, _ := ratelimiter.NewAsyncAuditor(sink)
//
// Writes join a transaction stored in the context with pg.WithTx. The List
// helpers support security review of repeated offenders.
package pgaudit
