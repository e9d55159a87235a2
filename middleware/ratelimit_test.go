package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/admission/middleware"
	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

type checkCall struct {
	endpoint string
	id       ratelimiter.Identity
	cost     int
}

type recordingChecker struct {
	mu       sync.Mutex
	calls    []checkCall
	decision ratelimiter.Decision
}

func (c *recordingChecker) Check(_ context.Context, endpoint string, id ratelimiter.Identity, cost int) ratelimiter.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, checkCall{endpoint: endpoint, id: id, cost: cost})
	return c.decision
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newLimitedService(t *testing.T) *ratelimiter.Service {
	t.Helper()

	reg, err := ratelimiter.NewRegistry(
		ratelimiter.RuleConfig{Name: "login", Endpoint: "POST /api/login", Capacity: 5, WindowSeconds: 60, Scope: "IP"},
		ratelimiter.RuleConfig{Name: "item", Endpoint: "GET /api/items/{id}", Capacity: 2, WindowSeconds: 60, Scope: "IP"},
	)
	require.NoError(t, err)

	svc, err := ratelimiter.NewService(reg, ratelimiter.NewMemoryStore())
	require.NoError(t, err)
	return svc
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	t.Run("blocks after capacity with headers", func(t *testing.T) {
		t.Parallel()

		r := chi.NewRouter()
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{Checker: newLimitedService(t)}))
		r.Post("/api/login", okHandler)

		for i := range 5 {
			req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
			req.RemoteAddr = "192.168.1.100:54321"
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
			assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, strconv.Itoa(4-i), w.Header().Get("X-RateLimit-Remaining"))
			assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
			assert.Empty(t, w.Header().Get("Retry-After"))
		}

		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "192.168.1.100:54321"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "12", w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.EqualValues(t, 12, body["retry_after"])

		// Another client is unaffected.
		req = httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = "192.168.1.101:54321"
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("route pattern shares a bucket across ids", func(t *testing.T) {
		t.Parallel()

		r := chi.NewRouter()
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{Checker: newLimitedService(t)}))
		r.Route("/api", func(r chi.Router) {
			r.Get("/items/{id}", okHandler)
		})

		codes := make([]int, 0, 3)
		for _, id := range []string{"1", "2", "3"} {
			req := httptest.NewRequest(http.MethodGet, "/api/items/"+id, nil)
			req.RemoteAddr = "10.0.0.1:1"
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	})

	t.Run("unlimited endpoints get no headers", func(t *testing.T) {
		t.Parallel()

		r := chi.NewRouter()
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{Checker: newLimitedService(t)}))
		r.Get("/health", okHandler)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("fail open passes through", func(t *testing.T) {
		t.Parallel()

		checker := &recordingChecker{decision: ratelimiter.Decision{
			Outcome:   ratelimiter.OutcomeFailOpen,
			Allowed:   true,
			Limit:     5,
			Remaining: 5,
			Err:       ratelimiter.ErrStoreUnavailable,
		}}
		r := chi.NewRouter()
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{Checker: checker}))
		r.Post("/api/login", okHandler)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("custom identity cost and endpoint key", func(t *testing.T) {
		t.Parallel()

		checker := &recordingChecker{decision: ratelimiter.Decision{Outcome: ratelimiter.OutcomeAllowed, Allowed: true}}
		r := chi.NewRouter()
		r.With(middleware.RateLimit(middleware.RateLimitConfig{
			Checker: checker,
			Identity: func(r *http.Request) ratelimiter.Identity {
				return ratelimiter.Identity{
					IP:         middleware.IP(r),
					UserID:     r.Header.Get("X-User"),
					ResourceID: chi.URLParam(r, "id"),
				}
			},
			Cost: func(*http.Request) int { return 3 },
		})).Post("/api/reports/{id}/export", okHandler)

		req := httptest.NewRequest(http.MethodPost, "/api/reports/r9/export", nil)
		req.RemoteAddr = "10.1.1.1:1"
		req.Header.Set("X-User", "u1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Len(t, checker.calls, 1)
		call := checker.calls[0]
		assert.Equal(t, "POST /api/reports/{id}/export", call.endpoint)
		assert.Equal(t, ratelimiter.Identity{IP: "10.1.1.1", UserID: "u1", ResourceID: "r9"}, call.id)
		assert.Equal(t, 3, call.cost)
	})

	t.Run("custom error handler and skip", func(t *testing.T) {
		t.Parallel()

		checker := &recordingChecker{decision: ratelimiter.Decision{
			Outcome:    ratelimiter.OutcomeBlocked,
			Limit:      1,
			RetryAfter: 30 * time.Second,
		}}
		handler := middleware.RateLimit(middleware.RateLimitConfig{
			Checker: checker,
			Skip:    func(r *http.Request) bool { return r.Header.Get("X-Internal") == "1" },
			ErrorHandler: func(w http.ResponseWriter, _ *http.Request, d ratelimiter.Decision) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			DisableHeaders: true,
		})(http.HandlerFunc(okHandler))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Empty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "GET /x", checker.calls[0].endpoint)

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Internal", "1")
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, checker.calls, 1)
	})

	t.Run("requires checker", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() { middleware.RateLimit(middleware.RateLimitConfig{}) })
	})
}
