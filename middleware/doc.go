// Package middleware provides net/http middleware for services built on chi.
//
// All middleware has the func(http.Handler) http.Handler shape and can be
// passed to chi's Use and With:
//
//	r := chi.NewRouter()
//	r.Use(middleware.RequestID)
//	r.Use(middleware.ClientIP)
//	r.Use(middleware.Logging(log))
//	r.Use(middleware.RateLimit(middleware.RateLimitConfig{Checker: svc}))
//
// # Rate limiting
//
// RateLimit builds the endpoint key from the method and the chi route
// pattern, so "/items/1" and "/items/2" share the rule for "GET /items/{id}".
// The caller identity defaults to the client IP; supply Identity to limit by
// user or by user and resource. Responses carry X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset; blocked requests get 429 and
// Retry-After in whole seconds.
//
// # Request context
//
// ClientIP and RequestID store their values in the request context, read back
// with GetClientIP and GetRequestID. RequestIDExtractor plugs the request ID
// into loggers built with logger.WithContextExtractors.
package middleware
