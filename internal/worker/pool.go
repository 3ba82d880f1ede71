// Package worker consumes sequence jobs from the queue and runs each one to
// completion before acknowledging it.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/metrics"
	"github.com/lalithlochan/dripmail/internal/observ"
	"github.com/lalithlochan/dripmail/internal/sequence"
	"github.com/lalithlochan/dripmail/internal/sqs"
)

// receiveBackoff is the pause after a failed receive.
const receiveBackoff = time.Second

type Consumer interface {
	Receive(ctx context.Context) (*sqs.Job, string, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type Processor interface {
	Process(ctx context.Context, id uuid.UUID) (sequence.Outcome, error)
}

type Pool struct {
	consumer    Consumer
	processor   Processor
	concurrency int
	inFlight    atomic.Int64
	logger      *zap.Logger
}

func NewPool(consumer Consumer, processor Processor, concurrency int, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 5
	}

	return &Pool{
		consumer:    consumer,
		processor:   processor,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start runs the workers and blocks until ctx is done and every job in
// flight has finished.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.run(ctx, n)
		}(i)
	}

	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, n int) {
	logger := p.logger.With(zap.Int("worker", n))

	for {
		if ctx.Err() != nil {
			return
		}

		job, receipt, err := p.consumer.Receive(ctx)
		if errors.Is(err, sqs.ErrMalformedJob) {
			logger.Error("dropping malformed job", zap.Error(err))
			p.ack(context.WithoutCancel(ctx), logger, receipt)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to receive job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if job == nil {
			continue
		}

		// a received job runs to completion even during shutdown
		p.handle(context.WithoutCancel(ctx), logger, job, receipt)
	}
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, job *sqs.Job, receipt string) {
	metrics.SetJobsInFlight(int(p.inFlight.Add(1)))
	defer func() {
		metrics.SetJobsInFlight(int(p.inFlight.Add(-1)))
	}()

	id := job.OngoingSequenceID
	outcome, err := p.processor.Process(ctx, id)
	if err != nil {
		// left unacknowledged; the queue redelivers after the visibility timeout
		logger.Error("job failed",
			zap.Error(err),
			zap.String("ongoing_id", id.String()),
		)
		observ.CaptureError(err, map[string]string{
			"component":  "worker",
			"ongoing_id": id.String(),
		})
		return
	}

	logger.Debug("job processed",
		zap.String("ongoing_id", id.String()),
		zap.String("outcome", string(outcome)),
	)
	p.ack(ctx, logger, receipt)
}

func (p *Pool) ack(ctx context.Context, logger *zap.Logger, receipt string) {
	if receipt == "" {
		return
	}
	if err := p.consumer.Delete(ctx, receipt); err != nil {
		logger.Warn("failed to acknowledge job", zap.Error(err))
	}
}
