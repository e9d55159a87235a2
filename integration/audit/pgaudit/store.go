package pgaudit

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/admission/integration/database/pg"
	"github.com/dmitrymomot/admission/pkg/ratelimiter"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsTable is the goose version table owned by this package, kept
// apart from the application's own migrations.
const MigrationsTable = "rate_limit_audit_migrations"

var (
	ErrNilDB        = errors.New("audit database is required")
	ErrInvalidRange = errors.New("invalid time range")
)

// DB is the subset of pgx shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists rate limit violations to PostgreSQL. It implements
// ratelimiter.AuditSink; every Record is one append-only INSERT.
type Store struct {
	db DB
}

// New creates a Store on db.
func New(db DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	return &Store{db: db}, nil
}

// Migrate creates or upgrades the audit schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	return pg.MigrateFS(ctx, pool, migrations, "migrations", MigrationsTable, log)
}

// conn returns the transaction carried by ctx, if any, so callers can make
// the audit write part of their own unit of work.
func (s *Store) conn(ctx context.Context) DB {
	if tx, ok := pg.TxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

const insertViolation = `INSERT INTO rate_limit_violations
	(id, endpoint, rule_name, identifier, ip_address, user_id, resource_id, violation_count, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Record implements ratelimiter.AuditSink.
func (s *Store) Record(ctx context.Context, rec ratelimiter.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.conn(ctx).Exec(ctx, insertViolation,
		rec.ID,
		rec.Endpoint,
		rec.RuleName,
		rec.Identifier,
		rec.IP,
		nullString(rec.UserID),
		nullString(rec.ResourceID),
		nullInt64(rec.ViolationCount),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		// A retried write of a record that already landed.
		if pg.IsDuplicateKeyError(err) {
			return nil
		}
		return errors.Join(ratelimiter.ErrAuditWrite, err)
	}
	return nil
}

const selectViolations = `SELECT id, endpoint, rule_name, identifier, ip_address, user_id, resource_id, violation_count, created_at
	FROM rate_limit_violations`

// ListByEndpoint returns the newest violations for an endpoint key.
func (s *Store) ListByEndpoint(ctx context.Context, endpoint string, limit int) ([]ratelimiter.AuditRecord, error) {
	return s.list(ctx,
		selectViolations+` WHERE endpoint = $1 ORDER BY created_at DESC LIMIT $2`,
		endpoint, normalizeLimit(limit))
}

// ListByIdentifier returns the newest violations for a bucket identifier
// such as "ip:10.0.0.1" or "user:42".
func (s *Store) ListByIdentifier(ctx context.Context, identifier string, limit int) ([]ratelimiter.AuditRecord, error) {
	return s.list(ctx,
		selectViolations+` WHERE identifier = $1 ORDER BY created_at DESC LIMIT $2`,
		identifier, normalizeLimit(limit))
}

// ListBetween returns violations created in [from, to), oldest first.
func (s *Store) ListBetween(ctx context.Context, from, to time.Time, limit int) ([]ratelimiter.AuditRecord, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidRange, from, to)
	}
	return s.list(ctx,
		selectViolations+` WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`,
		from.UTC(), to.UTC(), normalizeLimit(limit))
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]ratelimiter.AuditRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan violations: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (ratelimiter.AuditRecord, error) {
	var (
		rec        ratelimiter.AuditRecord
		userID     *string
		resourceID *string
		count      *int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Endpoint,
		&rec.RuleName,
		&rec.Identifier,
		&rec.IP,
		&userID,
		&resourceID,
		&count,
		&rec.CreatedAt,
	); err != nil {
		return ratelimiter.AuditRecord{}, err
	}

	if userID != nil {
		rec.UserID = *userID
	}
	if resourceID != nil {
		rec.ResourceID = *resourceID
	}
	if count != nil {
		rec.ViolationCount = *count
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	}
	return limit
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt64(n int64) *int64 {
	if n <= 0 {
		return nil
	}
	return &n
}
