package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/sequence"
	"github.com/lalithlochan/dripmail/internal/sqs"
)

// fakeConsumer hands out queued deliveries and then reports an empty queue.
type fakeConsumer struct {
	mu      sync.Mutex
	queue   []delivery
	deleted []string
}

type delivery struct {
	job     *sqs.Job
	receipt string
	err     error
}

func (c *fakeConsumer) Receive(ctx context.Context) (*sqs.Job, string, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		d := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return d.job, d.receipt, d.err
	}
	c.mu.Unlock()

	// long poll with nothing queued
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, "", nil
	}
}

func (c *fakeConsumer) Delete(ctx context.Context, receiptHandle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, receiptHandle)
	return nil
}

func (c *fakeConsumer) remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *fakeConsumer) acked() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.deleted))
	for _, r := range c.deleted {
		out[r] = true
	}
	return out
}

type fakeProcessor struct {
	mu        sync.Mutex
	failing   map[uuid.UUID]bool
	processed []uuid.UUID
}

func (p *fakeProcessor) Process(ctx context.Context, id uuid.UUID) (sequence.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, id)
	if p.failing[id] {
		return "", errors.New("database unavailable")
	}
	return sequence.OutcomeScheduled, nil
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func runUntilDrained(t *testing.T, pool *Pool, consumer *fakeConsumer, processor *fakeProcessor, wantProcessed int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for (consumer.remaining() > 0 || processor.count() < wantProcessed) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestPool_AcksOnlySuccessfulJobs(t *testing.T) {
	ok1, bad, ok2 := uuid.New(), uuid.New(), uuid.New()
	consumer := &fakeConsumer{queue: []delivery{
		{job: &sqs.Job{OngoingSequenceID: ok1}, receipt: "r-ok1"},
		{job: &sqs.Job{OngoingSequenceID: bad}, receipt: "r-bad"},
		{job: &sqs.Job{OngoingSequenceID: ok2}, receipt: "r-ok2"},
	}}
	processor := &fakeProcessor{failing: map[uuid.UUID]bool{bad: true}}

	pool := NewPool(consumer, processor, 2, zap.NewNop())
	runUntilDrained(t, pool, consumer, processor, 3)

	acked := consumer.acked()
	if !acked["r-ok1"] || !acked["r-ok2"] {
		t.Errorf("successful jobs not acknowledged: %v", acked)
	}
	if acked["r-bad"] {
		t.Error("failed job must stay on the queue for redelivery")
	}
}

func TestPool_DropsMalformedJobs(t *testing.T) {
	consumer := &fakeConsumer{queue: []delivery{
		{receipt: "r-junk", err: fmt.Errorf("%w: not json", sqs.ErrMalformedJob)},
	}}
	processor := &fakeProcessor{}

	pool := NewPool(consumer, processor, 1, zap.NewNop())
	runUntilDrained(t, pool, consumer, processor, 0)

	if !consumer.acked()["r-junk"] {
		t.Error("malformed job should be deleted")
	}
	if processor.count() != 0 {
		t.Error("malformed job must not be processed")
	}
}

func TestPool_SurvivesReceiveErrors(t *testing.T) {
	id := uuid.New()
	consumer := &fakeConsumer{queue: []delivery{
		{err: errors.New("connection reset")},
		{job: &sqs.Job{OngoingSequenceID: id}, receipt: "r-1"},
	}}
	processor := &fakeProcessor{}

	pool := NewPool(consumer, processor, 1, zap.NewNop())
	runUntilDrained(t, pool, consumer, processor, 1)

	if processor.count() != 1 {
		t.Fatalf("processed = %d, want 1", processor.count())
	}
	if !consumer.acked()["r-1"] {
		t.Error("job after a receive error should be processed and acknowledged")
	}
}

func TestNewPool_DefaultConcurrency(t *testing.T) {
	pool := NewPool(&fakeConsumer{}, &fakeProcessor{}, 0, zap.NewNop())
	if pool.concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", pool.concurrency)
	}
}
