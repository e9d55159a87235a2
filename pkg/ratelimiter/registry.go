package ratelimiter

import (
	"fmt"
	"sort"
	"time"
)

// RuleConfig is the configuration record a rule is built from.
type RuleConfig struct {
	Name          string  `yaml:"name"`
	Endpoint      string  `yaml:"endpoint"`
	Capacity      int     `yaml:"capacity"`
	WindowSeconds float64 `yaml:"window_seconds"`
	Scope         string  `yaml:"scope"`
	Cost          int     `yaml:"cost"`
}

// Rule validates the record and builds the immutable Rule.
func (c RuleConfig) Rule() (Rule, error) {
	if c.WindowSeconds <= 0 {
		return Rule{}, fmt.Errorf("%w: endpoint %q: window_seconds must be > 0, got %v",
			ErrInvalidConfig, c.Endpoint, c.WindowSeconds)
	}
	scope, err := ParseScope(c.Scope)
	if err != nil {
		return Rule{}, fmt.Errorf("endpoint %q: %w", c.Endpoint, err)
	}
	window := time.Duration(c.WindowSeconds * float64(time.Second))
	return NewRule(c.Name, c.Endpoint, c.Capacity, window, scope, c.Cost)
}

// Registry maps normalized endpoint keys to rules. It is built once and is
// read-only afterwards, so lookups need no locking.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry builds a registry. Any invalid or duplicate record fails the
// whole set with an error wrapping ErrInvalidConfig.
func NewRegistry(configs ...RuleConfig) (*Registry, error) {
	rules := make([]Rule, 0, len(configs))
	for _, c := range configs {
		r, err := c.Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewRegistryFromRules(rules...)
}

// NewRegistryFromRules builds a registry from already constructed rules.
func NewRegistryFromRules(rules ...Rule) (*Registry, error) {
	reg := &Registry{rules: make(map[string]Rule, len(rules))}
	names := make(map[string]string, len(rules))

	for _, r := range rules {
		if r.Capacity <= 0 || r.Window <= 0 || r.RefillPerSecond <= 0 {
			return nil, fmt.Errorf("%w: rule %q was not built with NewRule", ErrInvalidConfig, r.Name)
		}
		if _, dup := reg.rules[r.Endpoint]; dup {
			return nil, fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidConfig, r.Endpoint)
		}
		if other, dup := names[r.Name]; dup {
			return nil, fmt.Errorf("%w: rule name %q used by %q and %q", ErrInvalidConfig, r.Name, other, r.Endpoint)
		}
		names[r.Name] = r.Endpoint
		reg.rules[r.Endpoint] = r
	}

	return reg, nil
}

// MustNewRegistry is NewRegistry that panics. Serving traffic with a broken
// rule set is unsafe, so startup code should stop here.
func MustNewRegistry(configs ...RuleConfig) *Registry {
	reg, err := NewRegistry(configs...)
	if err != nil {
		panic(err)
	}
	return reg
}

// Resolve looks up the rule for an exact endpoint key. Not found means the
// endpoint is unlimited.
func (r *Registry) Resolve(endpointKey string) (Rule, bool) {
	if r == nil {
		return Rule{}, false
	}
	rule, ok := r.rules[endpointKey]
	return rule, ok
}

// Rules returns all rules sorted by endpoint key.
func (r *Registry) Rules() []Rule {
	if r == nil {
		return nil
	}
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}
