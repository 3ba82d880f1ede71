package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ListDueRules returns active date rules that start a sequence and whose
// trigger time has been reached.
func (r *Repository) ListDueRules(ctx context.Context, nowMillis int64) ([]Rule, error) {
	query := `
		SELECT id, domain_id, event, event_date_in_millis, action, sequence_id, active, created_at
		FROM rules
		WHERE active = TRUE
		  AND event = $1
		  AND action = $2
		  AND event_date_in_millis <= $3
		ORDER BY event_date_in_millis
	`

	rows, err := r.db.Pool().Query(ctx, query, RuleEventDate, RuleActionStartSequence, nowMillis)
	if err != nil {
		return nil, fmt.Errorf("query due rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.DomainID,
			&rule.Event,
			&rule.EventDateInMillis,
			&rule.Action,
			&rule.SequenceID,
			&rule.Active,
			&rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeactivateRule marks a rule as fired.
func (r *Repository) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE rules SET active = FALSE WHERE id = $1`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("deactivate rule: %w", err)
	}

	return nil
}

// CreateEmailDelivery appends a delivery audit row
func (r *Repository) CreateEmailDelivery(ctx context.Context, d *EmailDelivery) error {
	query := `
		INSERT INTO email_deliveries (id, domain_id, sequence_id, user_id, email_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.DomainID,
		d.SequenceID,
		d.UserID,
		d.EmailID,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email delivery: %w", err)
	}

	return nil
}
