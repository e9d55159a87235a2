// Package pg manages the PostgreSQL pool used for rate limit audit records.
//
// Connect builds a pgx pool from Config and verifies it with a ping, retrying
// with exponential backoff. MigrateFS runs goose migrations from any fs.FS so
// packages can ship their schema embedded in the binary:
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	if err := pg.MigrateFS(ctx, pool, migrations, "migrations", "schema_migrations", log); err != nil {
//		return err
//	}
//
// WithTx and TxFromContext carry a pgx.Tx through a context so repositories can
// join a caller's transaction. Healthcheck returns a readiness probe.
//
// IsDuplicateKeyError detects unique constraint violations.
package pg
