// Package scheduler discovers recipients whose next sequence step is due and
// fans each one out as an independent job. It never sends mail itself.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/metrics"
	"github.com/lalithlochan/dripmail/internal/observ"
)

type Repository interface {
	ListDueOngoingSequences(ctx context.Context, nowMillis int64, bounceLimit, limit int) ([]uuid.UUID, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID) error
}

type Config struct {
	Interval    time.Duration
	BounceLimit int
	BatchSize   int
}

type Scheduler struct {
	repo   Repository
	queue  Enqueuer
	config Config
	now    func() time.Time
	logger *zap.Logger
}

func New(repo Repository, queue Enqueuer, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BounceLimit == 0 {
		cfg.BounceLimit = 3
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}

	return &Scheduler{
		repo:   repo,
		queue:  queue,
		config: cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Start runs discovery immediately and then every Interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("bounce_limit", s.config.BounceLimit),
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues one job per due record and returns how many were enqueued.
// At most BatchSize records are taken per tick, oldest schedule first; the
// rest are picked up on later ticks.
func (s *Scheduler) Tick(ctx context.Context) int {
	metrics.RecordDiscoveryTick()

	ids, err := s.repo.ListDueOngoingSequences(ctx, s.now().UnixMilli(), s.config.BounceLimit, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due ongoing sequences", zap.Error(err))
		observ.CaptureError(err, map[string]string{"component": "scheduler"})
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	enqueued := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.queue.Enqueue(ctx, id); err != nil {
			metrics.RecordEnqueue("error")
			s.logger.Warn("failed to enqueue ongoing sequence",
				zap.Error(err),
				zap.String("ongoing_id", id.String()),
			)
			continue
		}
		metrics.RecordEnqueue("ok")
		enqueued++
	}

	s.logger.Info("discovery tick",
		zap.Int("due", len(ids)),
		zap.Int("enqueued", enqueued),
	)
	return enqueued
}
