package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const ongoingColumns = `
	id, domain_id, sequence_id, user_id, next_email_scheduled_time,
	retry_count, retry_after, sent_email_ids, created_at, updated_at
`

func scanOngoing(row pgx.Row) (*OngoingSequence, error) {
	var o OngoingSequence
	err := row.Scan(
		&o.ID,
		&o.DomainID,
		&o.SequenceID,
		&o.UserID,
		&o.NextEmailScheduledTime,
		&o.RetryCount,
		&o.RetryAfter,
		&o.SentEmailIDs,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOngoingSequence enrolls one recipient. A recipient can be enrolled
// in a given sequence at most once; a second attempt returns ErrDuplicate.
func (r *Repository) CreateOngoingSequence(ctx context.Context, o *OngoingSequence) error {
	query := `
		INSERT INTO ongoing_sequences (
			id, domain_id, sequence_id, user_id, next_email_scheduled_time,
			retry_count, sent_email_ids
		) VALUES ($1, $2, $3, $4, $5, 0, '{}')
		ON CONFLICT (sequence_id, user_id) DO NOTHING
		RETURNING created_at, updated_at
	`

	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, query,
		o.ID,
		o.DomainID,
		o.SequenceID,
		o.UserID,
		o.NextEmailScheduledTime,
	).Scan(&o.CreatedAt, &o.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user %s in sequence %s: %w", o.UserID, o.SequenceID, ErrDuplicate)
	}
	if err != nil {
		r.logger.Error("failed to create ongoing sequence",
			zap.Error(err),
			zap.String("sequence_id", o.SequenceID.String()),
			zap.String("user_id", o.UserID.String()),
		)
		return fmt.Errorf("insert ongoing sequence: %w", err)
	}

	o.RetryCount = 0
	o.RetryAfter = nil
	o.SentEmailIDs = []string{}
	return nil
}

// GetOngoingSequence retrieves recipient state by ID
func (r *Repository) GetOngoingSequence(ctx context.Context, id uuid.UUID) (*OngoingSequence, error) {
	query := `SELECT ` + ongoingColumns + ` FROM ongoing_sequences WHERE id = $1`

	o, err := scanOngoing(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ongoing sequence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query ongoing sequence: %w", err)
	}

	return o, nil
}

// ListDueOngoingSequences returns ids of records whose next step is due at
// nowMillis, which still have retries left and whose retry backoff, if any,
// has elapsed. Records of a tenant that already used up its daily or monthly
// quota stay out until that window rolls over. Oldest schedule first.
func (r *Repository) ListDueOngoingSequences(ctx context.Context, nowMillis int64, bounceLimit, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT o.id
		FROM ongoing_sequences o
		JOIN domains d ON d.id = o.domain_id
		WHERE o.next_email_scheduled_time < $1
		  AND o.retry_count < $2
		  AND (o.retry_after IS NULL OR o.retry_after <= $1)
		  AND NOT (
			d.daily_count >= d.quota_daily
			AND date_trunc('day', d.last_daily_count_update AT TIME ZONE 'UTC')
				= date_trunc('day', to_timestamp($1 / 1000.0) AT TIME ZONE 'UTC')
		  )
		  AND NOT (
			d.monthly_count >= d.quota_monthly
			AND date_trunc('month', d.last_monthly_count_update AT TIME ZONE 'UTC')
				= date_trunc('month', to_timestamp($1 / 1000.0) AT TIME ZONE 'UTC')
		  )
		ORDER BY o.next_email_scheduled_time
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, nowMillis, bounceLimit, limit)
	if err != nil {
		return nil, fmt.Errorf("query due ongoing sequences: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ongoing id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// UpdateOngoingProgress records a successful step: the new sent list and
// next schedule time are stored and the retry state is cleared.
func (r *Repository) UpdateOngoingProgress(ctx context.Context, id uuid.UUID, sentEmailIDs []string, next int64) error {
	query := `
		UPDATE ongoing_sequences
		SET sent_email_ids = $2,
			next_email_scheduled_time = $3,
			retry_count = 0,
			retry_after = NULL,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, sentEmailIDs, next)
	if err != nil {
		return fmt.Errorf("update ongoing progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("ongoing sequence %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateOngoingRetry stores a failed attempt's retry count and the earliest
// time, in epoch millis, the record may be picked up again.
func (r *Repository) UpdateOngoingRetry(ctx context.Context, id uuid.UUID, retryCount int, retryAfter int64) error {
	query := `
		UPDATE ongoing_sequences
		SET retry_count = $2,
			retry_after = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, retryCount, retryAfter)
	if err != nil {
		return fmt.Errorf("update ongoing retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("ongoing sequence %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteOngoingSequence removes recipient state. Deleting a record that is
// already gone is not an error.
func (r *Repository) DeleteOngoingSequence(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM ongoing_sequences WHERE id = $1`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete ongoing sequence: %w", err)
	}

	return nil
}

// CountOngoingForSequence counts outstanding recipient records of a sequence
func (r *Repository) CountOngoingForSequence(ctx context.Context, sequenceID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM ongoing_sequences WHERE sequence_id = $1`

	var n int
	if err := r.db.Pool().QueryRow(ctx, query, sequenceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ongoing sequences: %w", err)
	}

	return n, nil
}

// EnrollUsers bulk-enrolls every user of the tenant that matches the
// audience clause, scheduled for immediate delivery. Subscription state is
// left to the clause. Users already
// enrolled are skipped. It returns how many were newly enrolled.
func (r *Repository) EnrollUsers(ctx context.Context, domainID, sequenceID uuid.UUID, audience Clause, nowMillis int64) (int64, error) {
	args := NewArgs(domainID, sequenceID, nowMillis)
	where := audience.SQL(args)

	query := `
		INSERT INTO ongoing_sequences (
			id, domain_id, sequence_id, user_id, next_email_scheduled_time,
			retry_count, sent_email_ids
		)
		SELECT gen_random_uuid(), u.domain_id, $2, u.id, $3, 0, '{}'
		FROM users u
		WHERE u.domain_id = $1
		  AND (` + where + `)
		ON CONFLICT (sequence_id, user_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, args.Values()...)
	if err != nil {
		r.logger.Error("failed to enroll users",
			zap.Error(err),
			zap.String("sequence_id", sequenceID.String()),
		)
		return 0, fmt.Errorf("enroll users: %w", err)
	}

	return result.RowsAffected(), nil
}
