package ratelimiter

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// LoadRules decodes a YAML rule list and builds a registry from it:
//
//	rules:
//	  - name: login
//	    endpoint: POST /api/auth/login
//	    capacity: 5
//	    window_seconds: 60
//	    scope: IP
//	    cost: 1
//
// Unknown fields are rejected so typos do not silently drop a limit.
func LoadRules(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f rulesFile
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode rules: %w", ErrInvalidConfig, err)
	}
	return NewRegistry(f.Rules...)
}

// LoadRulesFile opens path and calls LoadRules.
func LoadRulesFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open rules file: %w", ErrInvalidConfig, err)
	}
	defer f.Close()

	return LoadRules(f)
}
