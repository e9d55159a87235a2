package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/admission/core/health"
	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

const testToken = "s3cret"

type fakeQuerier struct {
	records []ratelimiter.AuditRecord
	err     error
	last    string
}

func (q *fakeQuerier) ListByEndpoint(_ context.Context, endpoint string, _ int) ([]ratelimiter.AuditRecord, error) {
	q.last = "endpoint:" + endpoint
	return q.records, q.err
}

func (q *fakeQuerier) ListByIdentifier(_ context.Context, identifier string, _ int) ([]ratelimiter.AuditRecord, error) {
	q.last = "identifier:" + identifier
	return q.records, q.err
}

func (q *fakeQuerier) ListBetween(_ context.Context, from, to time.Time, _ int) ([]ratelimiter.AuditRecord, error) {
	q.last = "between:" + from.Format(time.RFC3339) + "/" + to.Format(time.RFC3339)
	return q.records, q.err
}

func newTestRouter(t *testing.T, deps routerDeps) http.Handler {
	t.Helper()

	reg, err := ratelimiter.NewRegistry(
		ratelimiter.RuleConfig{Name: "login", Endpoint: "POST /api/login", Capacity: 3, WindowSeconds: 60, Scope: "IP"},
		ratelimiter.RuleConfig{Name: "export", Endpoint: "POST /api/reports/{id}/export", Capacity: 1, WindowSeconds: 3600, Scope: "USER_AND_RESOURCE"},
	)
	require.NoError(t, err)

	svc, err := ratelimiter.NewService(reg, ratelimiter.NewMemoryStore())
	require.NoError(t, err)

	deps.service = svc
	return newRouter(deps)
}

func do(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func adminHeader() http.Header {
	return http.Header{"Authorization": []string{"Bearer " + testToken}}
}

func TestRouterHealth(t *testing.T) {
	t.Parallel()

	t.Run("live", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{})
		rec := do(h, http.MethodGet, "/health/live", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ALIVE", rec.Body.String())
	})

	t.Run("ready", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{readyTimeout: time.Second})
		rec := do(h, http.MethodGet, "/health/ready", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not ready", func(t *testing.T) {
		t.Parallel()
		failing := health.Check(func(context.Context) error { return errors.New("redis down") })
		h := newTestRouter(t, routerDeps{readyTimeout: time.Second, checks: []health.Check{failing}})
		rec := do(h, http.MethodGet, "/health/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRouterRateLimitsAPI(t *testing.T) {
	t.Parallel()

	t.Run("login is limited per ip", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{})

		for i := range 3 {
			rec := do(h, http.MethodPost, "/api/login", nil)
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		}

		rec := do(h, http.MethodPost, "/api/login", nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "20", rec.Header().Get("Retry-After"))
		assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("export is limited per user and report", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{})
		alice := http.Header{userHeader: []string{"alice"}}

		first := do(h, http.MethodPost, "/api/reports/1/export", alice)
		assert.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

		blocked := do(h, http.MethodPost, "/api/reports/1/export", alice)
		assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
		assert.Equal(t, "3600", blocked.Header().Get("Retry-After"))
		assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/reports/2/export", alice).Code)

		bob := http.Header{userHeader: []string{"bob"}}
		assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/reports/1/export", bob).Code)
	})

	t.Run("anonymous export fails open", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{})

		for range 3 {
			assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/reports/1/export", nil).Code)
		}
	})

	t.Run("items have no rule", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{})

		rec := do(h, http.MethodGet, "/api/items/42", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	})
}

func TestRouterAdminAuth(t *testing.T) {
	t.Parallel()

	t.Run("disabled without token", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{})
		assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/admin/rules", adminHeader()).Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{adminToken: testToken})
		hdr := http.Header{"Authorization": []string{"Bearer nope"}}
		assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/admin/rules", hdr).Code)
		assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/admin/rules", nil).Code)
	})
}

func TestRouterAdminRules(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, routerDeps{adminToken: testToken})
	rec := do(h, http.MethodGet, "/admin/rules", adminHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []ruleView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 2)

	byName := map[string]ruleView{}
	for _, r := range rules {
		byName[r.Name] = r
	}
	assert.Equal(t, "POST /api/login", byName["login"].Endpoint)
	assert.Equal(t, 3, byName["login"].Capacity)
	assert.Equal(t, "IP", byName["login"].Scope)
	assert.InDelta(t, 0.05, byName["login"].RefillPerSecond, 1e-9)
	assert.Equal(t, "USER_AND_RESOURCE", byName["export"].Scope)
}

func TestRouterAdminBuckets(t *testing.T) {
	t.Parallel()

	h := newTestRouter(t, routerDeps{adminToken: testToken})
	q := url.Values{"endpoint": {"POST /api/login"}, "ip": {"192.0.2.1"}}
	target := "/admin/buckets?" + q.Encode()

	status := func() bucketView {
		t.Helper()
		rec := do(h, http.MethodGet, target, adminHeader())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var v bucketView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		return v
	}

	fresh := status()
	assert.Equal(t, 3, fresh.Remaining)
	assert.True(t, fresh.Allowed)
	assert.Equal(t, "ip:192.0.2.1", fresh.Identifier)

	for range 4 {
		do(h, http.MethodPost, "/api/login", nil)
	}

	drained := status()
	assert.Equal(t, 0, drained.Remaining)
	assert.False(t, drained.Allowed)
	assert.Positive(t, drained.RetryAfter)
	assert.Equal(t, int64(1), drained.ViolationCount)

	rec := do(h, http.MethodDelete, target, adminHeader())
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, 3, status().Remaining)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/login", nil).Code)

	t.Run("unknown endpoint", func(t *testing.T) {
		q := url.Values{"endpoint": {"GET /nope"}, "ip": {"192.0.2.1"}}
		rec := do(h, http.MethodGet, "/admin/buckets?"+q.Encode(), adminHeader())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing identity", func(t *testing.T) {
		q := url.Values{"endpoint": {"POST /api/reports/{id}/export"}, "user": {"alice"}}
		rec := do(h, http.MethodGet, "/admin/buckets?"+q.Encode(), adminHeader())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouterAdminViolations(t *testing.T) {
	t.Parallel()

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{adminToken: testToken})
		rec := do(h, http.MethodGet, "/admin/violations?endpoint=x", adminHeader())
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("queries", func(t *testing.T) {
		t.Parallel()
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		q := &fakeQuerier{records: []ratelimiter.AuditRecord{{
			ID:             uuid.New(),
			Endpoint:       "POST /api/login",
			RuleName:       "login",
			Identifier:     "ip:192.0.2.1",
			IP:             "192.0.2.1",
			ViolationCount: 2,
			CreatedAt:      created,
		}}}
		h := newTestRouter(t, routerDeps{adminToken: testToken, violations: q})

		rec := do(h, http.MethodGet, "/admin/violations?"+url.Values{"endpoint": {"POST /api/login"}}.Encode(), adminHeader())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "endpoint:POST /api/login", q.last)

		var out []violationView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "login", out[0].Rule)
		assert.Equal(t, int64(2), out[0].ViolationCount)
		assert.True(t, created.Equal(out[0].CreatedAt))

		rec = do(h, http.MethodGet, "/admin/violations?identifier=ip:192.0.2.1", adminHeader())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "identifier:ip:192.0.2.1", q.last)

		rec = do(h, http.MethodGet, "/admin/violations?from=2026-01-01T00:00:00Z&to=2026-01-03T00:00:00Z", adminHeader())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "between:2026-01-01T00:00:00Z/2026-01-03T00:00:00Z", q.last)
	})

	t.Run("bad requests", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{adminToken: testToken, violations: &fakeQuerier{}})

		assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/admin/violations", adminHeader()).Code)
		assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/admin/violations?from=yesterday&to=today", adminHeader()).Code)
	})

	t.Run("store error", func(t *testing.T) {
		t.Parallel()
		h := newTestRouter(t, routerDeps{adminToken: testToken, violations: &fakeQuerier{err: errors.New("boom")}})
		rec := do(h, http.MethodGet, "/admin/violations?endpoint=x", adminHeader())
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
