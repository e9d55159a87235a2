package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

// Checker is the admission decision the middleware asks for on every request.
// *ratelimiter.Service implements it.
type Checker interface {
	Check(ctx context.Context, endpoint string, id ratelimiter.Identity, cost int) ratelimiter.Decision
}

// RateLimitConfig configures the rate limiting middleware.
type RateLimitConfig struct {
	// Skip defines a function to skip middleware execution for specific requests
	Skip func(r *http.Request) bool
	// Checker decides whether the request is admitted
	Checker Checker
	// Endpoint builds the rule key for a request (default: "METHOD /chi/route/{pattern}")
	Endpoint func(r *http.Request) string
	// Identity extracts the caller attributes (default: client IP only)
	Identity func(r *http.Request) ratelimiter.Identity
	// Cost returns the tokens a request consumes; zero uses the rule's cost
	Cost func(r *http.Request) int
	// ErrorHandler writes the response for blocked requests (default: 429 with a JSON body)
	ErrorHandler func(w http.ResponseWriter, r *http.Request, d ratelimiter.Decision)
	// DisableHeaders turns off the X-RateLimit-* response headers
	DisableHeaders bool
}

// RateLimit admits or rejects every request through cfg.Checker. Requests on
// endpoints without a rule, and requests that fail open, pass through.
// Blocked requests get 429 Too Many Requests with a Retry-After header.
// Panics if no checker is provided.
//
//	r := chi.NewRouter()
//	r.Use(middleware.ClientIP)
//	r.Use(middleware.RateLimit(middleware.RateLimitConfig{
//		Checker: svc,
//		Identity: func(r *http.Request) ratelimiter.Identity {
//			return ratelimiter.Identity{
//				IP:         middleware.IP(r),
//				UserID:     auth.UserID(r.Context()),
//				ResourceID: chi.URLParam(r, "id"),
//			}
//		},
//	}))
//	r.Post("/api/login", login)
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Checker == nil {
		panic("ratelimit middleware: checker is required")
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = RouteEndpoint
	}
	if cfg.Identity == nil {
		cfg.Identity = func(r *http.Request) ratelimiter.Identity {
			return ratelimiter.Identity{IP: IP(r)}
		}
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = tooManyRequests
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			cost := 0
			if cfg.Cost != nil {
				cost = cfg.Cost(r)
			}

			d := cfg.Checker.Check(r.Context(), cfg.Endpoint(r), cfg.Identity(r), cost)
			if !cfg.DisableHeaders && d.Outcome != ratelimiter.OutcomeUnlimited {
				setRateLimitHeaders(w.Header(), d)
			}

			if !d.Allowed {
				cfg.ErrorHandler(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IP returns the client IP stored by ClientIP, or extracts it from r.
func IP(r *http.Request) string {
	return requestIP(r)
}

// RouteEndpoint returns "METHOD /route/pattern" for the chi route that serves
// r, so every request to /items/{id} shares the key "GET /items/{id}". When
// called before chi has routed the request, as a router-level middleware is,
// the route is matched here. Requests that match no route use the raw path.
func RouteEndpoint(r *http.Request) string {
	path := r.URL.RawPath
	if path == "" {
		path = r.URL.Path
	}

	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ratelimiter.NormalizeEndpoint(r.Method, path)
	}

	if rctx.Routes != nil {
		tctx := chi.NewRouteContext()
		if rctx.Routes.Match(tctx, r.Method, path) {
			return ratelimiter.NormalizeEndpoint(r.Method, tctx.RoutePattern())
		}
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return ratelimiter.NormalizeEndpoint(r.Method, pattern)
	}
	return ratelimiter.NormalizeEndpoint(r.Method, path)
}

func setRateLimitHeaders(h http.Header, d ratelimiter.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, d.Remaining)))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

type rateLimitError struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

func tooManyRequests(w http.ResponseWriter, _ *http.Request, d ratelimiter.Decision) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rateLimitError{
		Error:      http.StatusText(http.StatusTooManyRequests),
		RetryAfter: d.RetryAfterSeconds(),
	})
}
