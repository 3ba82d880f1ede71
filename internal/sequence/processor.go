// Package sequence advances one recipient through a multi-step email
// sequence: it resolves the records involved, enforces the tenant's quota,
// sends the next published step and schedules, retries or retires the
// recipient.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/db"
	"github.com/lalithlochan/dripmail/internal/mail"
	"github.com/lalithlochan/dripmail/internal/metrics"
	"github.com/lalithlochan/dripmail/internal/quota"
	"github.com/lalithlochan/dripmail/internal/render"
	"github.com/lalithlochan/dripmail/internal/sns"
)

// Outcome is the result of one processing attempt.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeClaimed      Outcome = "claimed"
	OutcomeQuotaBlocked Outcome = "quota_blocked"
	OutcomeEvicted      Outcome = "evicted"
	OutcomeScheduled    Outcome = "scheduled"
	OutcomeCompleted    Outcome = "completed"
	OutcomeRetryPending Outcome = "retry_pending"
	OutcomeBounced      Outcome = "bounced"
)

// Eviction reasons, carried on recipient.evicted events
const (
	reasonTenantNotFound    = "tenant_not_found"
	reasonSequenceNotFound  = "sequence_not_found"
	reasonRecipientNotFound = "recipient_not_found"
	reasonCreatorNotFound   = "creator_not_found"
)

// Repository is the persistence the processor needs.
type Repository interface {
	GetOngoingSequence(ctx context.Context, id uuid.UUID) (*db.OngoingSequence, error)
	GetDomain(ctx context.Context, id uuid.UUID) (*db.Domain, error)
	GetSequence(ctx context.Context, domainID, id uuid.UUID) (*db.Sequence, error)
	GetUser(ctx context.Context, domainID, id uuid.UUID) (*db.User, error)
	UpdateOngoingProgress(ctx context.Context, id uuid.UUID, sentEmailIDs []string, next int64) error
	UpdateOngoingRetry(ctx context.Context, id uuid.UUID, retryCount int, retryAfter int64) error
	DeleteOngoingSequence(ctx context.Context, id uuid.UUID) error
	CountOngoingForSequence(ctx context.Context, sequenceID uuid.UUID) (int, error)
	AddFailedRecipient(ctx context.Context, sequenceID, userID uuid.UUID) error
	CompleteBroadcast(ctx context.Context, sequenceID uuid.UUID, sentAt time.Time) error
	CreateEmailDelivery(ctx context.Context, d *db.EmailDelivery) error
}

// QuotaGuard gates and records sends against a tenant's limits.
type QuotaGuard interface {
	Check(d *db.Domain, now time.Time) error
	Record(ctx context.Context, domainID uuid.UUID, now time.Time) error
}

// Composer turns a step into a ready-to-send message.
type Composer interface {
	Compose(in render.Input) (*mail.Message, error)
}

// Claimer grants exclusive processing of a record. ok is false when another
// worker holds it.
type Claimer interface {
	Claim(ctx context.Context, id uuid.UUID) (release func(), ok bool, err error)
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event sns.Event) error
}

// Config tunes retry behaviour.
type Config struct {
	BounceLimit     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	SendTimeout     time.Duration // 0 leaves the transport's own timeout
}

// Processor runs the per-recipient state machine
type Processor struct {
	repo     Repository
	quota    QuotaGuard
	composer Composer
	sender   mail.Sender
	claimer  Claimer
	events   EventPublisher
	config   Config
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures optional collaborators of a Processor.
type Option func(*Processor)

// WithClaimer makes every attempt take a lease on its record first.
func WithClaimer(c Claimer) Option {
	return func(p *Processor) { p.claimer = c }
}

// WithEvents publishes lifecycle events.
func WithEvents(e EventPublisher) Option {
	return func(p *Processor) { p.events = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor. BounceLimit defaults to 3.
func NewProcessor(repo Repository, guard QuotaGuard, composer Composer, sender mail.Sender, cfg Config, logger *zap.Logger, opts ...Option) *Processor {
	if cfg.BounceLimit <= 0 {
		cfg.BounceLimit = 3
	}

	p := &Processor{
		repo:     repo,
		quota:    guard,
		composer: composer,
		sender:   sender,
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process makes one delivery attempt for the recipient-state record id.
// Send failures and missing records are outcomes, not errors; a non-nil
// error means infrastructure failed and the job should be retried.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (Outcome, error) {
	outcome, err := p.process(ctx, id)
	if err != nil {
		metrics.RecordJobOutcome("error")
		return outcome, err
	}

	metrics.RecordJobOutcome(string(outcome))
	return outcome, nil
}

func (p *Processor) process(ctx context.Context, id uuid.UUID) (Outcome, error) {
	if p.claimer != nil {
		release, ok, err := p.claimer.Claim(ctx, id)
		if err != nil {
			return "", fmt.Errorf("claim ongoing sequence: %w", err)
		}
		if !ok {
			metrics.RecordClaimConflict()
			p.logger.Debug("ongoing sequence already claimed", zap.String("ongoing_id", id.String()))
			return OutcomeClaimed, nil
		}
		defer release()
	}

	now := p.now()

	ongoing, err := p.repo.GetOngoingSequence(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}

	// a redelivered job can arrive after the record was already advanced
	nowMs := now.UnixMilli()
	if ongoing.NextEmailScheduledTime > nowMs || (ongoing.RetryAfter != nil && *ongoing.RetryAfter > nowMs) {
		p.logger.Debug("ongoing sequence not due", zap.String("ongoing_id", id.String()))
		return OutcomeSkipped, nil
	}

	domain, err := p.repo.GetDomain(ctx, ongoing.DomainID)
	if errors.Is(err, db.ErrNotFound) {
		return p.evict(ctx, ongoing, nil, reasonTenantNotFound, now)
	}
	if err != nil {
		return "", err
	}

	if err := p.quota.Check(domain, now); err != nil {
		window := "mailing_address"
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			window = exceeded.Window
		}
		metrics.RecordQuotaBlocked(window)
		p.logger.Debug("send blocked by quota",
			zap.String("ongoing_id", id.String()),
			zap.String("domain_id", domain.ID.String()),
			zap.Error(err),
		)
		return OutcomeQuotaBlocked, nil
	}

	seq, err := p.repo.GetSequence(ctx, ongoing.DomainID, ongoing.SequenceID)
	if errors.Is(err, db.ErrNotFound) {
		return p.evict(ctx, ongoing, nil, reasonSequenceNotFound, now)
	}
	if err != nil {
		return "", err
	}

	recipient, err := p.repo.GetUser(ctx, ongoing.DomainID, ongoing.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return p.evict(ctx, ongoing, seq, reasonRecipientNotFound, now)
	}
	if err != nil {
		return "", err
	}

	creator, err := p.repo.GetUser(ctx, ongoing.DomainID, seq.CreatorID)
	if errors.Is(err, db.ErrNotFound) {
		return p.evict(ctx, ongoing, seq, reasonCreatorNotFound, now)
	}
	if err != nil {
		return "", err
	}

	email, ok := NextPublishedEmail(seq, ongoing.SentEmailIDs)
	if !ok {
		return p.complete(ctx, ongoing, seq, now)
	}

	input := render.Input{
		Domain:     domain,
		SequenceID: seq.ID,
		Email:      email,
		Recipient:  recipient,
		Creator:    creator,
	}
	if err := p.send(ctx, input); err != nil {
		return p.fail(ctx, ongoing, seq, email.EmailID, err, now)
	}

	return p.advance(ctx, ongoing, seq, email.EmailID, now)
}

func (p *Processor) send(ctx context.Context, in render.Input) error {
	msg, err := p.composer.Compose(in)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	if p.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.SendTimeout)
		defer cancel()
	}

	start := time.Now()
	err = p.sender.Send(ctx, msg)

	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.RecordSendLatency(p.sender.Name(), status, time.Since(start))

	return err
}

// advance records a successful send and schedules the following step.
func (p *Processor) advance(ctx context.Context, ongoing *db.OngoingSequence, seq *db.Sequence, emailID string, now time.Time) (Outcome, error) {
	sent := make([]string, 0, len(ongoing.SentEmailIDs)+1)
	sent = append(sent, ongoing.SentEmailIDs...)
	sent = append(sent, emailID)

	// the mail is out; bookkeeping failures below must not cause a resend
	if err := p.quota.Record(ctx, ongoing.DomainID, now); err != nil {
		p.logger.Error("failed to record quota usage",
			zap.Error(err),
			zap.String("domain_id", ongoing.DomainID.String()),
		)
	}

	delivery := &db.EmailDelivery{
		ID:         uuid.New(),
		DomainID:   ongoing.DomainID,
		SequenceID: ongoing.SequenceID,
		UserID:     ongoing.UserID,
		EmailID:    emailID,
		CreatedAt:  now,
	}
	if err := p.repo.CreateEmailDelivery(ctx, delivery); err != nil {
		p.logger.Error("failed to record email delivery",
			zap.Error(err),
			zap.String("ongoing_id", ongoing.ID.String()),
			zap.String("email_id", emailID),
		)
	}

	p.logger.Info("sequence email sent",
		zap.String("ongoing_id", ongoing.ID.String()),
		zap.String("sequence_id", ongoing.SequenceID.String()),
		zap.String("email_id", emailID),
	)

	next, ok := NextPublishedEmail(seq, sent)
	if !ok {
		return p.complete(ctx, ongoing, seq, now)
	}

	nextAt := ongoing.NextEmailScheduledTime + next.DelayInMillis
	if err := p.repo.UpdateOngoingProgress(ctx, ongoing.ID, sent, nextAt); err != nil {
		return "", err
	}

	return OutcomeScheduled, nil
}

// fail handles a failed send: the recipient is retried until the bounce
// limit, then retired and listed in the sequence's failed report.
func (p *Processor) fail(ctx context.Context, ongoing *db.OngoingSequence, seq *db.Sequence, emailID string, sendErr error, now time.Time) (Outcome, error) {
	retryCount := ongoing.RetryCount + 1

	p.logger.Warn("failed to send sequence email",
		zap.Error(sendErr),
		zap.String("ongoing_id", ongoing.ID.String()),
		zap.String("email_id", emailID),
		zap.Int("retry_count", retryCount),
	)

	if retryCount >= p.config.BounceLimit {
		if err := p.repo.AddFailedRecipient(ctx, seq.ID, ongoing.UserID); err != nil {
			return "", err
		}
		if err := p.repo.DeleteOngoingSequence(ctx, ongoing.ID); err != nil {
			return "", err
		}

		p.logger.Info("recipient bounced",
			zap.String("ongoing_id", ongoing.ID.String()),
			zap.String("user_id", ongoing.UserID.String()),
			zap.Int("retry_count", retryCount),
		)
		p.publish(ctx, sns.EventRecipientBounced, ongoing, "", now)
		p.finalize(ctx, seq, now)
		return OutcomeBounced, nil
	}

	delay := retryDelay(p.config.RetryBackoff.Milliseconds(), p.config.RetryBackoffMax.Milliseconds(), retryCount)
	if err := p.repo.UpdateOngoingRetry(ctx, ongoing.ID, retryCount, now.UnixMilli()+delay); err != nil {
		return "", err
	}

	return OutcomeRetryPending, nil
}

// complete retires a recipient who has received every published step.
func (p *Processor) complete(ctx context.Context, ongoing *db.OngoingSequence, seq *db.Sequence, now time.Time) (Outcome, error) {
	if err := p.repo.DeleteOngoingSequence(ctx, ongoing.ID); err != nil {
		return "", err
	}

	p.publish(ctx, sns.EventRecipientCompleted, ongoing, "", now)
	p.finalize(ctx, seq, now)
	return OutcomeCompleted, nil
}

// evict retires a recipient whose tenant, sequence, user or creator no
// longer resolves. seq is nil when the sequence itself is gone.
func (p *Processor) evict(ctx context.Context, ongoing *db.OngoingSequence, seq *db.Sequence, reason string, now time.Time) (Outcome, error) {
	if err := p.repo.DeleteOngoingSequence(ctx, ongoing.ID); err != nil {
		return "", err
	}

	p.logger.Info("recipient evicted",
		zap.String("ongoing_id", ongoing.ID.String()),
		zap.String("reason", reason),
	)
	p.publish(ctx, sns.EventRecipientEvicted, ongoing, reason, now)

	if seq != nil {
		p.finalize(ctx, seq, now)
	}
	return OutcomeEvicted, nil
}

// finalize stamps a broadcast as sent once its last recipient is retired.
// Errors are logged; the recipient is already gone so retrying the job
// cannot help.
func (p *Processor) finalize(ctx context.Context, seq *db.Sequence, now time.Time) {
	if seq.Kind != db.SequenceKindBroadcast {
		return
	}

	remaining, err := p.repo.CountOngoingForSequence(ctx, seq.ID)
	if err != nil {
		p.logger.Error("failed to count outstanding recipients",
			zap.Error(err),
			zap.String("sequence_id", seq.ID.String()),
		)
		return
	}
	if remaining > 0 {
		return
	}

	if err := p.repo.CompleteBroadcast(ctx, seq.ID, now); err != nil {
		p.logger.Error("failed to complete broadcast",
			zap.Error(err),
			zap.String("sequence_id", seq.ID.String()),
		)
		return
	}

	p.publishEvent(ctx, sns.Event{
		Type:       sns.EventBroadcastSent,
		DomainID:   seq.DomainID.String(),
		SequenceID: seq.ID.String(),
		OccurredAt: now.UnixMilli(),
	})
}

func (p *Processor) publish(ctx context.Context, eventType sns.EventType, ongoing *db.OngoingSequence, reason string, now time.Time) {
	p.publishEvent(ctx, sns.Event{
		Type:              eventType,
		DomainID:          ongoing.DomainID.String(),
		SequenceID:        ongoing.SequenceID.String(),
		UserID:            ongoing.UserID.String(),
		OngoingSequenceID: ongoing.ID.String(),
		Reason:            reason,
		OccurredAt:        now.UnixMilli(),
	})
}

func (p *Processor) publishEvent(ctx context.Context, event sns.Event) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.Error(err),
			zap.String("type", string(event.Type)),
		)
	}
}
