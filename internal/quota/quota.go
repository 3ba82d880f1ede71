// Package quota enforces a tenant's daily and monthly sending limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/db"
)

// Quota windows
const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

var (
	// ErrQuotaExceeded is wrapped by every *ExceededError.
	ErrQuotaExceeded = errors.New("mail quota exceeded")

	// ErrMissingMailingAddress blocks sending for tenants without a postal
	// address to put in the footer.
	ErrMissingMailingAddress = errors.New("tenant has no mailing address")
)

// ExceededError names the window that is full.
type ExceededError struct {
	Window string
	Count  int
	Limit  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d/%d", e.Window, e.Count, e.Limit)
}

func (e *ExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// Recorder persists one sent email against a tenant's counters.
type Recorder interface {
	IncrementMailCounts(ctx context.Context, domainID uuid.UUID, now time.Time) (*db.MailQuota, error)
}

// Guard checks quota before a send and records it after.
type Guard struct {
	repo   Recorder
	logger *zap.Logger
}

// NewGuard creates a quota guard
func NewGuard(repo Recorder, logger *zap.Logger) *Guard {
	return &Guard{
		repo:   repo,
		logger: logger,
	}
}

// Check reports whether the tenant may send one more email at now.
func (g *Guard) Check(d *db.Domain, now time.Time) error {
	if d.MailingAddress == "" {
		return ErrMissingMailingAddress
	}

	daily, monthly := Effective(d.Quota, now)
	if daily >= d.Quota.Daily {
		return &ExceededError{Window: WindowDaily, Count: daily, Limit: d.Quota.Daily}
	}
	if monthly >= d.Quota.Monthly {
		return &ExceededError{Window: WindowMonthly, Count: monthly, Limit: d.Quota.Monthly}
	}

	return nil
}

// Record counts one successful send.
func (g *Guard) Record(ctx context.Context, domainID uuid.UUID, now time.Time) error {
	q, err := g.repo.IncrementMailCounts(ctx, domainID, now)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}

	g.logger.Debug("mail quota updated",
		zap.String("domain_id", domainID.String()),
		zap.Int("daily_count", q.DailyCount),
		zap.Int("monthly_count", q.MonthlyCount),
	)
	return nil
}

// Effective returns the counts that apply at now. A counter stamped in an
// earlier UTC day or month is treated as zero.
func Effective(q db.MailQuota, now time.Time) (daily, monthly int) {
	if sameDay(q.LastDailyCountUpdate, now) {
		daily = q.DailyCount
	}
	if sameMonth(q.LastMonthlyCountUpdate, now) {
		monthly = q.MonthlyCount
	}
	return daily, monthly
}

// Advance applies one send to q: each counter either increments or, when
// its window has rolled over, restarts at 1 with a fresh stamp.
func Advance(q db.MailQuota, now time.Time) db.MailQuota {
	if sameDay(q.LastDailyCountUpdate, now) {
		q.DailyCount++
	} else {
		q.DailyCount = 1
		q.LastDailyCountUpdate = now
	}

	if sameMonth(q.LastMonthlyCountUpdate, now) {
		q.MonthlyCount++
	} else {
		q.MonthlyCount = 1
		q.LastMonthlyCountUpdate = now
	}

	return q
}

func sameDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func sameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}
