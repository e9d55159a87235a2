package ratelimiter

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Scope selects which caller attributes key a bucket.
type Scope string

const (
	ScopeIP              Scope = "IP"
	ScopeUser            Scope = "USER"
	ScopeUserAndResource Scope = "USER_AND_RESOURCE"
)

// ParseScope accepts the scope names case-insensitively.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToUpper(strings.TrimSpace(s))) {
	case ScopeIP:
		return ScopeIP, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeUserAndResource:
		return ScopeUserAndResource, nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidConfig, s)
}

// Identity is the caller context supplied by the transport layer.
type Identity struct {
	IP         string
	UserID     string
	ResourceID string
}

// Rule is an immutable rate limit policy bound to one endpoint key.
type Rule struct {
	Name            string
	Endpoint        string
	Capacity        int
	Window          time.Duration
	RefillPerSecond float64
	Scope           Scope
	Cost            int
}

// NewRule validates the parameters and derives the refill rate as capacity / window.
func NewRule(name, endpoint string, capacity int, window time.Duration, scope Scope, cost int) (Rule, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Rule{}, fmt.Errorf("%w: empty endpoint key", ErrInvalidConfig)
	}
	if name == "" {
		name = endpoint
	}
	if capacity <= 0 {
		return Rule{}, fmt.Errorf("%w: rule %q: capacity must be > 0, got %d", ErrInvalidConfig, name, capacity)
	}
	if window <= 0 {
		return Rule{}, fmt.Errorf("%w: rule %q: window must be > 0, got %s", ErrInvalidConfig, name, window)
	}
	scope, err := ParseScope(string(scope))
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	if cost == 0 {
		cost = 1
	}
	if cost < 0 || cost > capacity {
		return Rule{}, fmt.Errorf("%w: rule %q: cost must be in [1, %d], got %d", ErrInvalidConfig, name, capacity, cost)
	}

	return Rule{
		Name:            name,
		Endpoint:        endpoint,
		Capacity:        capacity,
		Window:          window,
		RefillPerSecond: float64(capacity) / window.Seconds(),
		Scope:           scope,
		Cost:            cost,
	}, nil
}

// Identifier derives the bucket identifier for id under the rule's scope.
// Two identities that produce the same identifier share a bucket. Both parts of
// a user and resource pair are query-escaped so neither can contain the
// separator.
func (r Rule) Identifier(id Identity) (string, error) {
	switch r.Scope {
	case ScopeIP:
		if id.IP == "" {
			return "", fmt.Errorf("%w: scope %s requires an IP address", ErrInvalidIdentity, r.Scope)
		}
		return "ip:" + id.IP, nil
	case ScopeUser:
		if id.UserID == "" {
			return "", fmt.Errorf("%w: scope %s requires a user id", ErrInvalidIdentity, r.Scope)
		}
		return "user:" + id.UserID, nil
	case ScopeUserAndResource:
		if id.UserID == "" || id.ResourceID == "" {
			return "", fmt.Errorf("%w: scope %s requires a user id and a resource id", ErrInvalidIdentity, r.Scope)
		}
		return "user:" + url.QueryEscape(id.UserID) + ":resource:" + url.QueryEscape(id.ResourceID), nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidIdentity, r.Scope)
}

// TTL is how long an idle bucket is kept in the store. A missing bucket reads
// as full, so expiry only bounds memory.
func (r Rule) TTL() time.Duration {
	return 2 * r.Window
}

// NormalizeEndpoint builds the registry key for a method and a route template,
// e.g. NormalizeEndpoint("post", "/api/login") == "POST /api/login".
func NormalizeEndpoint(method, pathTemplate string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(pathTemplate)
}
