package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsingConfig wraps every failure to parse environment variables into a struct.
var ErrParsingConfig = errors.New("failed to parse config from environment")

var (
	dotenvOnce sync.Once
	cache      sync.Map // reflect.Type -> cached value
	loadMu     sync.Mutex
)

// Load fills cfg from the environment. The first successful load of a type is
// cached and later calls copy the cached value into cfg.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil target", ErrParsingConfig)
	}

	dotenvOnce.Do(func() {
		// A missing .env file is the normal case in containers.
		_ = godotenv.Load()
	})

	typ := reflect.TypeOf(*cfg)
	if v, ok := cache.Load(typ); ok {
		*cfg = v.(T)
		return nil
	}

	loadMu.Lock()
	defer loadMu.Unlock()

	if v, ok := cache.Load(typ); ok {
		*cfg = v.(T)
		return nil
	}

	var loaded T
	if err := env.Parse(&loaded); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	cache.Store(typ, loaded)
	*cfg = loaded
	return nil
}

// MustLoad is Load that panics on error. Intended for startup code.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}

// Reset drops all cached values. Tests use it to reload after changing the environment.
func Reset() {
	cache.Range(func(k, _ any) bool {
		cache.Delete(k)
		return true
	})
}
