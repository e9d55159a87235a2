package ratelimiter

import "time"

// Outcome tags why a request was or was not admitted. Allowed and FailOpen
// both admit the request but mean different things to an operator.
type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailOpen  Outcome = "fail_open"
	OutcomeUnlimited Outcome = "unlimited"
)

// Decision is the result of a Check. It is never persisted.
type Decision struct {
	Outcome Outcome
	Allowed bool
	// Rule is the zero value when Outcome is OutcomeUnlimited.
	Rule       Rule
	Identifier string
	// Limit is the rule capacity, for X-RateLimit-Limit.
	Limit int
	// Remaining is the whole number of tokens left, for X-RateLimit-Remaining.
	Remaining int
	// RetryAfter is rounded up to whole seconds and set only when blocked.
	RetryAfter time.Duration
	// ResetAt is when the bucket will be full again.
	ResetAt time.Time
	// ViolationCount is the rejection streak for the bucket when blocked.
	ViolationCount int64
	// Err explains a fail-open decision.
	Err error
}

// RetryAfterSeconds returns RetryAfter as whole seconds, for the Retry-After header.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Limited reports whether a rule applied to the request.
func (d Decision) Limited() bool {
	return d.Outcome != OutcomeUnlimited
}

func unlimitedDecision() Decision {
	return Decision{Outcome: OutcomeUnlimited, Allowed: true}
}

func failOpenDecision(rule Rule, identifier string, err error) Decision {
	return Decision{
		Outcome:    OutcomeFailOpen,
		Allowed:    true,
		Rule:       rule,
		Identifier: identifier,
		Limit:      rule.Capacity,
		Remaining:  rule.Capacity,
		Err:        err,
	}
}
