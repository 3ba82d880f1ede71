// Package rules fires one-shot date rules: each due rule enrolls the audience
// of its sequence and is then deactivated.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/audience"
	"github.com/lalithlochan/dripmail/internal/db"
	"github.com/lalithlochan/dripmail/internal/metrics"
	"github.com/lalithlochan/dripmail/internal/observ"
)

// Rule results, used as metric labels
const (
	resultEnrolled        = "enrolled"
	resultSequenceMissing = "sequence_missing"
	resultError           = "error"
)

type Repository interface {
	ListDueRules(ctx context.Context, nowMillis int64) ([]db.Rule, error)
	GetSequence(ctx context.Context, domainID, id uuid.UUID) (*db.Sequence, error)
	EnrollUsers(ctx context.Context, domainID, sequenceID uuid.UUID, audience db.Clause, nowMillis int64) (int64, error)
	ResetBroadcastReport(ctx context.Context, sequenceID uuid.UUID, lockedAt time.Time) error
	CountOngoingForSequence(ctx context.Context, sequenceID uuid.UUID) (int, error)
	CompleteBroadcast(ctx context.Context, sequenceID uuid.UUID, sentAt time.Time) error
	DeactivateRule(ctx context.Context, id uuid.UUID) error
}

type Engine struct {
	repo     Repository
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func New(repo Repository, interval time.Duration, logger *zap.Logger) *Engine {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Engine{
		repo:     repo,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Start processes due rules immediately and then every interval until ctx
// is done.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("rule engine started", zap.Duration("interval", e.interval))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("rule engine stopping")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick fires every due rule and returns how many were fired. A failing rule
// is logged and left active for the next tick.
func (e *Engine) Tick(ctx context.Context) int {
	now := e.now()

	due, err := e.repo.ListDueRules(ctx, now.UnixMilli())
	if err != nil {
		e.logger.Error("failed to list due rules", zap.Error(err))
		observ.CaptureError(err, map[string]string{"component": "rules"})
		return 0
	}

	fired := 0
	for _, rule := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.fire(ctx, rule, now); err != nil {
			metrics.RecordRuleProcessed(resultError)
			e.logger.Error("failed to process rule",
				zap.Error(err),
				zap.String("rule_id", rule.ID.String()),
				zap.String("sequence_id", rule.SequenceID.String()),
			)
			observ.CaptureError(err, map[string]string{
				"component": "rules",
				"rule_id":   rule.ID.String(),
			})
			continue
		}
		fired++
	}

	return fired
}

func (e *Engine) fire(ctx context.Context, rule db.Rule, now time.Time) error {
	seq, err := e.repo.GetSequence(ctx, rule.DomainID, rule.SequenceID)
	if errors.Is(err, db.ErrNotFound) {
		e.logger.Warn("rule targets a missing sequence",
			zap.String("rule_id", rule.ID.String()),
			zap.String("sequence_id", rule.SequenceID.String()),
		)
		metrics.RecordRuleProcessed(resultSequenceMissing)
		return e.repo.DeactivateRule(ctx, rule.ID)
	}
	if err != nil {
		return err
	}

	// reset first: a recipient enrolled below can bounce before this call returns
	if err := e.repo.ResetBroadcastReport(ctx, seq.ID, now); err != nil {
		return err
	}

	enrolled, err := e.repo.EnrollUsers(ctx, rule.DomainID, seq.ID, audience.Compile(seq.Filter), now.UnixMilli())
	if err != nil {
		return err
	}

	if err := e.repo.DeactivateRule(ctx, rule.ID); err != nil {
		return err
	}

	// an audience that matched nobody leaves no recipient to finalize it
	if seq.Kind == db.SequenceKindBroadcast {
		remaining, err := e.repo.CountOngoingForSequence(ctx, seq.ID)
		if err != nil {
			return fmt.Errorf("count enrolled recipients: %w", err)
		}
		if remaining == 0 {
			if err := e.repo.CompleteBroadcast(ctx, seq.ID, now); err != nil {
				return err
			}
		}
	}

	metrics.RecordRuleProcessed(resultEnrolled)
	metrics.RecordRecipientsEnrolled(enrolled)
	e.logger.Info("rule fired",
		zap.String("rule_id", rule.ID.String()),
		zap.String("sequence_id", seq.ID.String()),
		zap.Int64("enrolled", enrolled),
	)
	return nil
}
