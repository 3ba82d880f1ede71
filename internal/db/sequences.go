package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GetSequence retrieves a sequence scoped to a tenant
func (r *Repository) GetSequence(ctx context.Context, domainID, id uuid.UUID) (*Sequence, error) {
	query := `
		SELECT
			id, domain_id, kind, title, emails_order, emails,
			creator_id, filter, report, created_at, updated_at
		FROM sequences
		WHERE domain_id = $1 AND id = $2
	`

	var (
		seq                  Sequence
		emails, filter, rept []byte
	)
	err := r.db.Pool().QueryRow(ctx, query, domainID, id).Scan(
		&seq.ID,
		&seq.DomainID,
		&seq.Kind,
		&seq.Title,
		&seq.EmailsOrder,
		&emails,
		&seq.CreatorID,
		&filter,
		&rept,
		&seq.CreatedAt,
		&seq.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sequence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sequence: %w", err)
	}

	if err := json.Unmarshal(emails, &seq.Emails); err != nil {
		return nil, fmt.Errorf("decode sequence emails: %w", err)
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &seq.Filter); err != nil {
			return nil, fmt.Errorf("decode sequence filter: %w", err)
		}
	}
	if len(rept) > 0 {
		if err := json.Unmarshal(rept, &seq.Report); err != nil {
			return nil, fmt.Errorf("decode sequence report: %w", err)
		}
	}

	return &seq, nil
}

// AddFailedRecipient appends userID to the sequence's failed-recipients
// report. Appending an id that is already listed is a no-op.
func (r *Repository) AddFailedRecipient(ctx context.Context, sequenceID, userID uuid.UUID) error {
	query := `
		UPDATE sequences
		SET report = jsonb_set(
				report || jsonb_build_object('sequence', COALESCE(report->'sequence', '{}'::jsonb)),
				'{sequence,failed}',
				COALESCE(report#>'{sequence,failed}', '[]'::jsonb) || to_jsonb($2::text)
			),
			updated_at = NOW()
		WHERE id = $1
		  AND NOT COALESCE(report#>'{sequence,failed}', '[]'::jsonb) @> to_jsonb($2::text)
	`

	if _, err := r.db.Pool().Exec(ctx, query, sequenceID, userID.String()); err != nil {
		r.logger.Error("failed to record failed recipient",
			zap.Error(err),
			zap.String("sequence_id", sequenceID.String()),
			zap.String("user_id", userID.String()),
		)
		return fmt.Errorf("add failed recipient: %w", err)
	}

	return nil
}

// CompleteBroadcast stamps the broadcast report as sent and removes the
// rules that started it, in one transaction.
func (r *Repository) CompleteBroadcast(ctx context.Context, sequenceID uuid.UUID, sentAt time.Time) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		updateQuery := `
			UPDATE sequences
			SET report = report || jsonb_build_object(
					'broadcast',
					COALESCE(report->'broadcast', '{}'::jsonb) || jsonb_build_object('sentAt', $2::timestamptz)
				),
				updated_at = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, updateQuery, sequenceID, sentAt.UTC()); err != nil {
			return fmt.Errorf("stamp broadcast sent: %w", err)
		}

		deleteQuery := `DELETE FROM rules WHERE sequence_id = $1`
		if _, err := tx.Exec(ctx, deleteQuery, sequenceID); err != nil {
			return fmt.Errorf("delete broadcast rules: %w", err)
		}

		r.logger.Info("broadcast completed",
			zap.String("sequence_id", sequenceID.String()),
			zap.Time("sent_at", sentAt),
		)
		return nil
	})
}

// ResetBroadcastReport puts the report into a fresh in-progress state:
// locked at lockedAt, not yet sent, no failed recipients.
func (r *Repository) ResetBroadcastReport(ctx context.Context, sequenceID uuid.UUID, lockedAt time.Time) error {
	query := `
		UPDATE sequences
		SET report = jsonb_build_object(
				'broadcast', jsonb_build_object('lockedAt', $2::timestamptz),
				'sequence', jsonb_build_object('failed', '[]'::jsonb)
			),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, sequenceID, lockedAt.UTC())
	if err != nil {
		return fmt.Errorf("reset broadcast report: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sequence %s: %w", sequenceID, ErrNotFound)
	}

	return nil
}
