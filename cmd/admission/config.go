package main

import (
	"fmt"
	"time"
)

// appConfig holds the settings of the demo service itself. Component configs
// (ratelimiter, redis, pg, server) are loaded separately.
type appConfig struct {
	Service      string        `env:"APP_SERVICE_NAME" envDefault:"admission"`
	Environment  string        `env:"APP_ENV" envDefault:"development"`
	Store        string        `env:"RATELIMIT_STORE" envDefault:"redis"`
	AuditDriver  string        `env:"RATELIMIT_AUDIT_DRIVER" envDefault:"log"`
	AdminToken   string        `env:"ADMIN_TOKEN"`
	ReadyTimeout time.Duration `env:"READINESS_TIMEOUT" envDefault:"2s"`
}

const (
	storeRedis  = "redis"
	storeMemory = "memory"

	auditLog      = "log"
	auditPostgres = "postgres"
	auditNone     = "none"
)

func (c appConfig) validate() error {
	switch c.Store {
	case storeRedis, storeMemory:
	default:
		return fmt.Errorf("unknown RATELIMIT_STORE %q, want %q or %q", c.Store, storeRedis, storeMemory)
	}
	switch c.AuditDriver {
	case auditLog, auditPostgres, auditNone:
	default:
		return fmt.Errorf("unknown RATELIMIT_AUDIT_DRIVER %q, want %q, %q or %q", c.AuditDriver, auditLog, auditPostgres, auditNone)
	}
	return nil
}
