// Package ratelimiter is a distributed token bucket admission controller.
//
// Stateless service instances agree on per-caller budgets through a shared
// Store. Each check resolves a Rule for the endpoint, derives the caller's
// bucket identifier from the rule's Scope, and runs one atomic
// read-refill-consume-write step against the store.
//
// # Rules
//
// A Rule binds an endpoint key such as "POST /api/login" to a capacity, a
// window and a scope. Tokens refill continuously at capacity/window per
// second, so a burst of capacity requests is admitted and the sustained rate
// is capacity per window.
//
//	registry, err := ratelimiter.NewRegistry(ratelimiter.RuleConfig{
//		Endpoint:      "POST /api/login",
//		Capacity:      5,
//		WindowSeconds: 60,
//		Scope:         "IP",
//	})
//
// Rules can also be loaded from YAML with LoadRulesFile:
//
//	rules:
//	  - endpoint: POST /api/login
//	    capacity: 5
//	    window_seconds: 60
//	    scope: IP
//	  - endpoint: POST /api/reports/{id}/export
//	    capacity: 10
//	    window_seconds: 3600
//	    scope: USER_AND_RESOURCE
//	    cost: 2
//
// Any invalid rule fails construction with ErrInvalidConfig.
//
// # Stores
//
// RedisStore runs the algorithm as a Lua script, so the whole step is one
// atomic unit on the Redis server no matter how many instances call it.
// MemoryStore offers the same contract inside a single process.
//
// # Checking requests
//
//	svc, err := ratelimiter.NewService(registry, store,
//		ratelimiter.WithEmitter(ratelimiter.NewLogEmitter(log)),
//		ratelimiter.WithAuditor(auditor),
//	)
//
//	d := svc.Check(ctx, "POST /api/login", ratelimiter.Identity{IP: ip}, 0)
//	if !d.Allowed {
//		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
//		w.WriteHeader(http.StatusTooManyRequests)
//		return
//	}
//
// Check never returns an error. When the store is unreachable or slower than
// the store timeout, the request is admitted with OutcomeFailOpen and the
// failure is emitted at error level. Endpoints without a rule get
// OutcomeUnlimited and never touch the store.
//
// # Auditing
//
// Blocked requests are handed to an Auditor. AsyncAuditor queues them and
// writes them to an AuditSink on background workers; a full queue drops the
// record instead of delaying the response.
package ratelimiter
