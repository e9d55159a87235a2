package redis

import "time"

// Config holds Redis connection settings. Socket timeouts are short on purpose:
// the rate limiter puts its own per-call deadline on top of them and a bucket
// check must never hold a request for long.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
	DialTimeout    time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"1s"`
	ReadTimeout    time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"100ms"`
	WriteTimeout   time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"100ms"`
	PoolSize       int           `env:"REDIS_POOL_SIZE" envDefault:"0"`
}
