package ratelimiter

import "errors"

var (
	// ErrInvalidConfig marks a malformed rule set. It is fatal at startup.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")
	// ErrStoreUnavailable wraps every failure to reach the bucket store, including timeouts.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrInvalidIdentity means the caller context lacks an attribute the rule scope needs.
	ErrInvalidIdentity = errors.New("insufficient caller identity for rule scope")
	ErrInvalidCost     = errors.New("invalid token cost")
	ErrAuditWrite      = errors.New("audit write failed")
	ErrAuditQueueFull  = errors.New("audit queue full")
	ErrAuditorStopped  = errors.New("auditor not running")
	ErrNilStore        = errors.New("bucket store is required")
	ErrNilRegistry     = errors.New("rule registry is required")
	ErrNilAuditSink    = errors.New("audit sink is required")
	ErrUnsupported     = errors.New("operation not supported by store")
)
