package ratelimiter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is an append-only entry for one blocked request.
type AuditRecord struct {
	ID         uuid.UUID
	Endpoint   string
	RuleName   string
	Identifier string
	IP         string
	UserID     string // empty is stored as NULL
	ResourceID string // empty is stored as NULL
	// ViolationCount is the rejection streak for the bucket; zero means unknown.
	ViolationCount int64
	CreatedAt      time.Time // UTC
}

// NewAuditRecord builds the record for a blocked decision.
func NewAuditRecord(endpoint string, id Identity, d Decision, at time.Time) AuditRecord {
	return AuditRecord{
		ID:             uuid.New(),
		Endpoint:       endpoint,
		RuleName:       d.Rule.Name,
		Identifier:     d.Identifier,
		IP:             id.IP,
		UserID:         id.UserID,
		ResourceID:     id.ResourceID,
		ViolationCount: d.ViolationCount,
		CreatedAt:      at.UTC(),
	}
}

// AuditSink persists audit records. It is only ever called off the request path.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, rec AuditRecord) error

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, rec AuditRecord) error { return f(ctx, rec) }

// Auditor hands a record off for asynchronous persistence. Submit must return
// immediately; false means the record was dropped.
type Auditor interface {
	Submit(rec AuditRecord) bool
}
