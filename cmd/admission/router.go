package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/admission/core/health"
	"github.com/dmitrymomot/admission/core/logger"
	"github.com/dmitrymomot/admission/middleware"
	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

// violationQuerier reads audit records back; *pgaudit.Store implements it.
type violationQuerier interface {
	ListByEndpoint(ctx context.Context, endpoint string, limit int) ([]ratelimiter.AuditRecord, error)
	ListByIdentifier(ctx context.Context, identifier string, limit int) ([]ratelimiter.AuditRecord, error)
	ListBetween(ctx context.Context, from, to time.Time, limit int) ([]ratelimiter.AuditRecord, error)
}

type routerDeps struct {
	service      *ratelimiter.Service
	violations   violationQuerier
	log          *slog.Logger
	adminToken   string
	readyTimeout time.Duration
	checks       []health.Check
}

// userHeader carries the authenticated user id set by the upstream gateway.
const userHeader = "X-User-ID"

func newRouter(deps routerDeps) http.Handler {
	if deps.log == nil {
		deps.log = logger.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientIP)
	r.Use(middleware.Logging(deps.log))

	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness(deps.log, deps.readyTimeout, deps.checks...))

	// Inline so the {id} URL param is resolved before the check.
	limited := r.With(middleware.RateLimit(middleware.RateLimitConfig{
		Checker:  deps.service,
		Identity: callerIdentity,
	}))
	limited.Post("/api/login", writeOK("logged in"))
	limited.Get("/api/items/{id}", writeOK("item"))
	limited.Post("/api/reports/{id}/export", writeOK("export started"))

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireToken(deps.adminToken))

		a := adminHandlers{service: deps.service, violations: deps.violations, log: deps.log}
		r.Get("/rules", a.listRules)
		r.Get("/buckets", a.bucketStatus)
		r.Delete("/buckets", a.resetBucket)
		r.Get("/violations", a.listViolations)
	})

	return r
}

func callerIdentity(r *http.Request) ratelimiter.Identity {
	return ratelimiter.Identity{
		IP:         middleware.IP(r),
		UserID:     r.Header.Get(userHeader),
		ResourceID: chi.URLParam(r, "id"),
	}
}

func writeOK(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": msg})
	}
}

// requireToken guards the admin API with a static bearer token. An empty
// token disables the admin API.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusNotFound, errors.New("admin API disabled"))
				return
			}
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type adminHandlers struct {
	service    *ratelimiter.Service
	violations violationQuerier
	log        *slog.Logger
}

type ruleView struct {
	Name            string  `json:"name"`
	Endpoint        string  `json:"endpoint"`
	Capacity        int     `json:"capacity"`
	WindowSeconds   float64 `json:"window_seconds"`
	RefillPerSecond float64 `json:"refill_per_second"`
	Scope           string  `json:"scope"`
	Cost            int     `json:"cost"`
}

func (a adminHandlers) listRules(w http.ResponseWriter, _ *http.Request) {
	rules := a.service.Registry().Rules()
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleView{
			Name:            rule.Name,
			Endpoint:        rule.Endpoint,
			Capacity:        rule.Capacity,
			WindowSeconds:   rule.Window.Seconds(),
			RefillPerSecond: rule.RefillPerSecond,
			Scope:           string(rule.Scope),
			Cost:            rule.Cost,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type bucketView struct {
	Endpoint       string    `json:"endpoint"`
	Rule           string    `json:"rule"`
	Identifier     string    `json:"identifier"`
	Limit          int       `json:"limit"`
	Remaining      int       `json:"remaining"`
	Allowed        bool      `json:"allowed"`
	RetryAfter     int       `json:"retry_after"`
	ResetAt        time.Time `json:"reset_at"`
	ViolationCount int64     `json:"violation_count"`
}

// bucketQuery reads ?endpoint=POST+/api/login&ip=...&user=...&resource=...
func bucketQuery(r *http.Request) (string, ratelimiter.Identity) {
	q := r.URL.Query()
	return q.Get("endpoint"), ratelimiter.Identity{
		IP:         q.Get("ip"),
		UserID:     q.Get("user"),
		ResourceID: q.Get("resource"),
	}
}

func (a adminHandlers) bucketStatus(w http.ResponseWriter, r *http.Request) {
	endpoint, id := bucketQuery(r)
	d, err := a.service.Status(r.Context(), endpoint, id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bucketView{
		Endpoint:       endpoint,
		Rule:           d.Rule.Name,
		Identifier:     d.Identifier,
		Limit:          d.Limit,
		Remaining:      d.Remaining,
		Allowed:        d.Allowed,
		RetryAfter:     d.RetryAfterSeconds(),
		ResetAt:        d.ResetAt.UTC(),
		ViolationCount: d.ViolationCount,
	})
}

func (a adminHandlers) resetBucket(w http.ResponseWriter, r *http.Request) {
	endpoint, id := bucketQuery(r)
	if err := a.service.Reset(r.Context(), endpoint, id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type violationView struct {
	ID             string    `json:"id"`
	Endpoint       string    `json:"endpoint"`
	Rule           string    `json:"rule"`
	Identifier     string    `json:"identifier"`
	IP             string    `json:"ip"`
	UserID         string    `json:"user_id,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	ViolationCount int64     `json:"violation_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// listViolations serves ?endpoint=..., ?identifier=... or ?from=...&to=... (RFC 3339).
func (a adminHandlers) listViolations(w http.ResponseWriter, r *http.Request) {
	if a.violations == nil {
		writeError(w, http.StatusNotImplemented, errors.New("violations are not stored in a database"))
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		records []ratelimiter.AuditRecord
		err     error
	)
	switch {
	case q.Get("endpoint") != "":
		records, err = a.violations.ListByEndpoint(r.Context(), q.Get("endpoint"), limit)
	case q.Get("identifier") != "":
		records, err = a.violations.ListByIdentifier(r.Context(), q.Get("identifier"), limit)
	case q.Get("from") != "" && q.Get("to") != "":
		from, ferr := time.Parse(time.RFC3339, q.Get("from"))
		to, terr := time.Parse(time.RFC3339, q.Get("to"))
		if ferr != nil || terr != nil {
			writeError(w, http.StatusBadRequest, errors.Join(ferr, terr))
			return
		}
		records, err = a.violations.ListBetween(r.Context(), from, to, limit)
	default:
		writeError(w, http.StatusBadRequest, errors.New("one of endpoint, identifier or from/to is required"))
		return
	}
	if err != nil {
		a.log.ErrorContext(r.Context(), "list violations failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("list violations failed"))
		return
	}

	out := make([]violationView, 0, len(records))
	for _, rec := range records {
		out = append(out, violationView{
			ID:             rec.ID.String(),
			Endpoint:       rec.Endpoint,
			Rule:           rec.RuleName,
			Identifier:     rec.Identifier,
			IP:             rec.IP,
			UserID:         rec.UserID,
			ResourceID:     rec.ResourceID,
			ViolationCount: rec.ViolationCount,
			CreatedAt:      rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ratelimiter.ErrInvalidConfig), errors.Is(err, ratelimiter.ErrInvalidIdentity):
		return http.StatusBadRequest
	case errors.Is(err, ratelimiter.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, ratelimiter.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
