// Package health provides HTTP handlers for liveness and readiness probes.
//
//	r.Get("/health/live", health.Liveness)
//	r.Get("/health/ready", health.Readiness(log, 2*time.Second,
//		redis.Healthcheck(client),
//		pg.Healthcheck(pool),
//	))
//	r.Get("/ping", health.NoContent)
package health
