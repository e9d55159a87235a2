// Package logger builds slog loggers and provides attribute helpers with
// stable key names, so every component of the admission controller logs the
// same fields the same way.
//
// Loggers are created with functional options:
//
//	log := logger.New(
//		logger.WithProduction("admission"),
//		logger.WithLevel(slog.LevelDebug),
//	)
//
//	log.Warn("request blocked",
//		logger.Endpoint("POST /api/login"),
//		logger.Rule("login"),
//		logger.Identifier("ip:10.0.0.1"),
//		logger.RetryAfter(12),
//	)
//
// Helpers return an empty slog.Attr for nil errors and empty strings, so they
// can be passed unconditionally:
//
//	log.Error("store unavailable", logger.Error(err)) // err may be nil
//
// Context extractors inject request-scoped attributes on every *Context call:
//
//	log := logger.New(logger.WithContextExtractors(func(ctx context.Context) (slog.Attr, bool) {
//		id, ok := ctx.Value(requestIDKey{}).(string)
//		return slog.String("request_id", id), ok
//	}))
//
// Nop returns a logger that discards output; components use it when no logger
// is configured.
package logger
