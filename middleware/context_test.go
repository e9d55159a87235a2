package middleware_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/admission/core/logger"
	"github.com/dmitrymomot/admission/middleware"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	var got string
	var found bool
	h := middleware.ClientIPWithConfig(middleware.ClientIPConfig{StoreInHeader: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, found = middleware.GetClientIP(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.True(t, found)
	assert.Equal(t, "203.0.113.9", got)
	assert.Equal(t, "203.0.113.9", w.Header().Get("X-Client-IP"))

	_, found = middleware.GetClientIP(context.Background())
	assert.False(t, found)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	t.Run("generates", func(t *testing.T) {
		t.Parallel()

		var id string
		h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ = middleware.GetRequestID(r.Context())
		}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, id, 36)
		assert.Equal(t, id, w.Header().Get("X-Request-ID"))
	})

	t.Run("keeps existing", func(t *testing.T) {
		t.Parallel()

		h := middleware.RequestIDWithConfig(middleware.RequestIDConfig{UseExisting: true})(http.HandlerFunc(okHandler))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
	})
}

func TestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithJSONFormatter(),
		logger.WithOutput(&buf),
	)

	h := middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: func() string { return "req-1" }})(
		middleware.Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})))

	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"status":429`)
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"client_ip":"192.0.2.1"`)
	assert.Contains(t, out, `"path":"/api/login"`)
}

func TestRequestIDExtractor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithJSONFormatter(),
		logger.WithOutput(&buf),
		logger.WithContextExtractors(middleware.RequestIDExtractor),
	)

	h := middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: func() string { return "req-2" }})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.InfoContext(r.Context(), "inside handler")
		}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Contains(t, buf.String(), `"request_id":"req-2"`)

	_, ok := middleware.RequestIDExtractor(context.Background())
	assert.False(t, ok)
}
