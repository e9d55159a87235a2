package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/admission/core/logger"
)

// LoggingConfig configures the request logging middleware.
type LoggingConfig struct {
	// Skip defines a function to skip middleware execution for specific requests
	Skip func(r *http.Request) bool

	// Logger is the slog logger to use (default: slog.Default())
	Logger *slog.Logger

	// LogLevel for completed requests (default: slog.LevelInfo)
	LogLevel slog.Level

	// SlowRequestThreshold logs slow requests at warning level (default: 5s)
	SlowRequestThreshold time.Duration

	// Component name for structured logging
	Component string
}

// Logging logs one record per request with the default configuration.
func Logging(log *slog.Logger) func(http.Handler) http.Handler {
	return LoggingWithConfig(LoggingConfig{Logger: log})
}

// LoggingWithConfig logs method, route, status and latency of every request.
// 5xx responses are logged at error level, 4xx and slow requests at warning.
func LoggingWithConfig(cfg LoggingConfig) func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = slog.LevelInfo
	}
	if cfg.SlowRequestThreshold <= 0 {
		cfg.SlowRequestThreshold = 5 * time.Second
	}
	if cfg.Component == "" {
		cfg.Component = "http"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			latency := time.Since(start)

			requestID, _ := GetRequestID(r.Context())
			attrs := []slog.Attr{
				logger.Component(cfg.Component),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.ClientIP(requestIP(r)),
				logger.RequestID(requestID),
				logger.Status(sw.status),
				logger.Latency(latency),
			}
			if limit := sw.Header().Get("X-RateLimit-Remaining"); limit != "" {
				attrs = append(attrs, slog.String("ratelimit_remaining", limit))
			}

			level := cfg.LogLevel
			msg := "request completed"
			switch {
			case sw.status >= 500:
				level = slog.LevelError
				msg = "request failed"
			case sw.status >= 400:
				level = slog.LevelWarn
			case latency > cfg.SlowRequestThreshold:
				level = slog.LevelWarn
				msg = "slow request"
			}

			cfg.Logger.LogAttrs(r.Context(), level, msg, attrs...)
		})
	}
}

// statusWriter captures the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
