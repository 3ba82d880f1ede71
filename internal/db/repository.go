package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for tenants, users, sequences,
// recipient state, rules and deliveries.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetDomain retrieves a tenant by ID
func (r *Repository) GetDomain(ctx context.Context, id uuid.UUID) (*Domain, error) {
	query := `
		SELECT
			id, name, COALESCE(custom_domain, ''), COALESCE(mailing_address, ''),
			quota_daily, quota_monthly, daily_count, monthly_count,
			last_daily_count_update, last_monthly_count_update, created_at
		FROM domains
		WHERE id = $1
	`

	var d Domain
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&d.ID,
		&d.Name,
		&d.CustomDomain,
		&d.MailingAddress,
		&d.Quota.Daily,
		&d.Quota.Monthly,
		&d.Quota.DailyCount,
		&d.Quota.MonthlyCount,
		&d.Quota.LastDailyCountUpdate,
		&d.Quota.LastMonthlyCountUpdate,
		&d.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query domain: %w", err)
	}

	return &d, nil
}

// IncrementMailCounts records one sent email against the tenant's quota in
// a single statement. A counter whose stamp falls in an earlier UTC day
// (or month) restarts at 1 and is re-stamped; otherwise it is incremented.
func (r *Repository) IncrementMailCounts(ctx context.Context, domainID uuid.UUID, now time.Time) (*MailQuota, error) {
	query := `
		UPDATE domains SET
			daily_count = CASE
				WHEN (last_daily_count_update AT TIME ZONE 'UTC')::date = ($2::timestamptz AT TIME ZONE 'UTC')::date
				THEN daily_count + 1 ELSE 1 END,
			last_daily_count_update = CASE
				WHEN (last_daily_count_update AT TIME ZONE 'UTC')::date = ($2::timestamptz AT TIME ZONE 'UTC')::date
				THEN last_daily_count_update ELSE $2 END,
			monthly_count = CASE
				WHEN date_trunc('month', last_monthly_count_update AT TIME ZONE 'UTC') = date_trunc('month', $2::timestamptz AT TIME ZONE 'UTC')
				THEN monthly_count + 1 ELSE 1 END,
			last_monthly_count_update = CASE
				WHEN date_trunc('month', last_monthly_count_update AT TIME ZONE 'UTC') = date_trunc('month', $2::timestamptz AT TIME ZONE 'UTC')
				THEN last_monthly_count_update ELSE $2 END
		WHERE id = $1
		RETURNING quota_daily, quota_monthly, daily_count, monthly_count,
			last_daily_count_update, last_monthly_count_update
	`

	var q MailQuota
	err := r.db.Pool().QueryRow(ctx, query, domainID, now.UTC()).Scan(
		&q.Daily,
		&q.Monthly,
		&q.DailyCount,
		&q.MonthlyCount,
		&q.LastDailyCountUpdate,
		&q.LastMonthlyCountUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", domainID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to increment mail counts",
			zap.Error(err),
			zap.String("domain_id", domainID.String()),
		)
		return nil, fmt.Errorf("increment mail counts: %w", err)
	}

	return &q, nil
}

// GetUser retrieves a user scoped to a tenant
func (r *Repository) GetUser(ctx context.Context, domainID, id uuid.UUID) (*User, error) {
	query := `
		SELECT
			id, domain_id, email, COALESCE(name, ''), tags, permissions, purchases,
			subscribed_to_updates, unsubscribe_token, last_active, created_at
		FROM users
		WHERE domain_id = $1 AND id = $2
	`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, domainID, id).Scan(
		&u.ID,
		&u.DomainID,
		&u.Email,
		&u.Name,
		&u.Tags,
		&u.Permissions,
		&u.Purchases,
		&u.SubscribedToUpdates,
		&u.UnsubscribeToken,
		&u.LastActive,
		&u.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}
