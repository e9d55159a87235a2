package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/admission/core/logger"
)

// Check is a dependency probe such as redis.Healthcheck or pg.Healthcheck.
type Check func(context.Context) error

// Readiness runs every check and answers "READY", or 503 when any fails.
// Each check gets at most timeout; zero means the request context only.
//
//	r.Get("/health/ready", health.Readiness(log, 2*time.Second,
//		redis.Healthcheck(client),
//		auditor.Healthcheck,
//	))
func Readiness(log *slog.Logger, timeout time.Duration, checks ...Check) http.HandlerFunc {
	if log == nil {
		log = logger.Nop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		for _, check := range checks {
			if err := check(ctx); err != nil {
				log.ErrorContext(ctx, "readiness check failed", logger.Error(err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "READY")
	}
}
