package logger

import (
	"log/slog"
	"strconv"
	"time"
)

// Attribute helpers return an empty Attr for nil or empty input, so callers can
// pass them unconditionally: slog drops empty attributes.

// Group creates a group of attributes under a single key.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// ============================================================================
// Errors
// ============================================================================

// Errors groups multiple non-nil errors under the key "errors".
func Errors(errs ...error) slog.Attr {
	count := 0
	for _, err := range errs {
		if err != nil {
			count++
		}
	}
	if count == 0 {
		return slog.Attr{}
	}

	as := make([]slog.Attr, 0, count)
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// ============================================================================
// Timing
// ============================================================================

// Duration creates an attribute for a duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Latency is used for per-request timings.
func Latency(d time.Duration) slog.Attr {
	return slog.Duration("latency", d)
}

// Timeout records a configured deadline.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// ============================================================================
// Network
// ============================================================================

// Method creates an attribute for HTTP methods.
func Method(method string) slog.Attr {
	return slog.String("method", method)
}

// Path creates an attribute for URL paths.
func Path(path string) slog.Attr {
	return slog.String("path", path)
}

// ClientIP creates an attribute for client IP addresses.
func ClientIP(ip string) slog.Attr {
	if ip == "" {
		return slog.Attr{}
	}
	return slog.String("client_ip", ip)
}

// Status creates an attribute for HTTP status codes.
func Status(code int) slog.Attr {
	return slog.Int("status", code)
}

// RequestID creates an attribute for request IDs.
func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

// ============================================================================
// Rate limiting
// ============================================================================

// Endpoint is the normalized endpoint key a rule is bound to.
func Endpoint(key string) slog.Attr {
	return slog.String("endpoint", key)
}

// Rule names the rate limit rule that produced a decision.
func Rule(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("rule", name)
}

// Identifier is the derived bucket identifier (ip:..., user:...).
func Identifier(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("identifier", id)
}

// Outcome is the tagged result of an admission check.
func Outcome(outcome string) slog.Attr {
	return slog.String("outcome", outcome)
}

// RetryAfter is the client back-off, in whole seconds.
func RetryAfter(seconds int) slog.Attr {
	return slog.Int("retry_after", seconds)
}

// ============================================================================
// Generic metadata
// ============================================================================

// Component creates an attribute for component names.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Event creates an attribute for event names.
func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Key creates a generic key-value attribute.
func Key(key string, value any) slog.Attr {
	if value == nil {
		return slog.Attr{}
	}
	return slog.Any(key, value)
}
