package ratelimiter

import "time"

// Config holds the environment-driven settings of the admission controller.
type Config struct {
	StoreTimeout time.Duration `env:"RATELIMIT_STORE_TIMEOUT" envDefault:"50ms"`
	KeyPrefix    string        `env:"RATELIMIT_KEY_PREFIX" envDefault:"ratelimit"`
	RulesFile    string        `env:"RATELIMIT_RULES_FILE" envDefault:"rules.yaml"`

	AuditQueueSize       int           `env:"RATELIMIT_AUDIT_QUEUE_SIZE" envDefault:"1024"`
	AuditWorkers         int           `env:"RATELIMIT_AUDIT_WORKERS" envDefault:"2"`
	AuditWriteTimeout    time.Duration `env:"RATELIMIT_AUDIT_TIMEOUT" envDefault:"2s"`
	AuditShutdownTimeout time.Duration `env:"RATELIMIT_AUDIT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DefaultConfig returns the configuration matching the envDefault tags.
func DefaultConfig() Config {
	return Config{
		StoreTimeout:         50 * time.Millisecond,
		KeyPrefix:            "ratelimit",
		RulesFile:            "rules.yaml",
		AuditQueueSize:       1024,
		AuditWorkers:         2,
		AuditWriteTimeout:    2 * time.Second,
		AuditShutdownTimeout: 10 * time.Second,
	}
}
