// Package config loads typed configuration structs from environment variables
// using caarlos0/env. A .env file in the working directory is read once, on
// first use, via godotenv.
//
//	type LimiterConfig struct {
//		StoreTimeout time.Duration `env:"RATELIMIT_STORE_TIMEOUT" envDefault:"50ms"`
//		RulesFile    string        `env:"RATELIMIT_RULES_FILE,required"`
//	}
//
//	var cfg LimiterConfig
//	config.MustLoad(&cfg)
//
// Each type is parsed once and cached; later Load calls for the same type copy
// the cached value. Different types are cached independently. Parse failures
// wrap ErrParsingConfig.
package config
