// Package repository handles data persistence.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gourl/quotagate/internal/database"
)

// ErrUsageNotFound is returned when no ledger row exists for a subject window.
var ErrUsageNotFound = errors.New("usage not found")

// UsageRecord is the ledger row for one subject and window.
type UsageRecord struct {
	Subject     string
	WindowStart int64
	Allowed     int64
	Denied      int64
	UpdatedAt   time.Time
}

// UsageRepository persists verdict tallies.
type UsageRepository interface {
	// UpsertUsage adds each record's counts to the stored row, creating it if
	// needed.
	UpsertUsage(ctx context.Context, records []UsageRecord) error

	// GetUsage returns the row for subject and windowStart.
	GetUsage(ctx context.Context, subject string, windowStart int64) (*UsageRecord, error)

	// HealthCheck verifies the repository is healthy.
	HealthCheck(ctx context.Context) error
}

// Ensure PostgresUsageRepository implements UsageRepository
var _ UsageRepository = (*PostgresUsageRepository)(nil)

// PostgresUsageRepository implements UsageRepository using PostgreSQL.
type PostgresUsageRepository struct {
	pool *database.Pool
}

// NewPostgresUsageRepository creates a new PostgreSQL-backed usage repository.
func NewPostgresUsageRepository(pool *database.Pool) *PostgresUsageRepository {
	return &PostgresUsageRepository{pool: pool}
}

const upsertUsageQuery = `
	INSERT INTO quota_usage (subject, window_start, allowed, denied, updated_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (subject, window_start) DO UPDATE SET
		allowed = quota_usage.allowed + EXCLUDED.allowed,
		denied = quota_usage.denied + EXCLUDED.denied,
		updated_at = NOW()
`

// UpsertUsage sends all records in one batch.
func (r *PostgresUsageRepository) UpsertUsage(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(upsertUsageQuery, rec.Subject, rec.WindowStart, rec.Allowed, rec.Denied)
	}

	results := r.pool.SendBatch(ctx, batch)
	for i := range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to upsert usage for %s@%d: %w", records[i].Subject, records[i].WindowStart, err)
		}
	}

	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to upsert usage: %w", err)
	}
	return nil
}

// GetUsage retrieves the ledger row for a subject window.
func (r *PostgresUsageRepository) GetUsage(ctx context.Context, subject string, windowStart int64) (*UsageRecord, error) {
	query := `
		SELECT subject, window_start, allowed, denied, updated_at
		FROM quota_usage
		WHERE subject = $1 AND window_start = $2
	`

	var rec UsageRecord
	err := r.pool.QueryRow(ctx, query, subject, windowStart).Scan(
		&rec.Subject,
		&rec.WindowStart,
		&rec.Allowed,
		&rec.Denied,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	return &rec, nil
}

// HealthCheck verifies database connectivity.
func (r *PostgresUsageRepository) HealthCheck(ctx context.Context) error {
	return r.pool.HealthCheck(ctx)
}
