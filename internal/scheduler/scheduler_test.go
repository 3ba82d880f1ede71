package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type fakeRepo struct {
	mu          sync.Mutex
	ids         []uuid.UUID
	err         error
	calls       int
	lastNow     int64
	lastLimit   int
	lastBounces int
}

func (r *fakeRepo) ListDueOngoingSequences(ctx context.Context, nowMillis int64, bounceLimit, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastNow = nowMillis
	r.lastBounces = bounceLimit
	r.lastLimit = limit
	return r.ids, r.err
}

func (r *fakeRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeQueue struct {
	mu     sync.Mutex
	failOn map[uuid.UUID]bool
	jobs   []uuid.UUID
}

func (q *fakeQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn[id] {
		return errors.New("queue unavailable")
	}
	q.jobs = append(q.jobs, id)
	return nil
}

func TestTick_EnqueuesEveryDueRecord(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	repo := &fakeRepo{ids: ids}
	queue := &fakeQueue{}
	s := New(repo, queue, Config{BounceLimit: 4, BatchSize: 50}, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if got := s.Tick(context.Background()); got != 3 {
		t.Fatalf("Tick() = %d, want 3", got)
	}

	for i, id := range ids {
		if queue.jobs[i] != id {
			t.Errorf("job %d = %s, want %s", i, queue.jobs[i], id)
		}
	}
	if repo.lastNow != now.UnixMilli() {
		t.Errorf("now = %d, want %d", repo.lastNow, now.UnixMilli())
	}
	if repo.lastBounces != 4 || repo.lastLimit != 50 {
		t.Errorf("bounce limit/batch = %d/%d, want 4/50", repo.lastBounces, repo.lastLimit)
	}
}

func TestTick_EnqueueErrorDoesNotStopOthers(t *testing.T) {
	bad := uuid.New()
	ids := []uuid.UUID{uuid.New(), bad, uuid.New()}
	queue := &fakeQueue{failOn: map[uuid.UUID]bool{bad: true}}
	s := New(&fakeRepo{ids: ids}, queue, Config{}, zap.NewNop())

	if got := s.Tick(context.Background()); got != 2 {
		t.Fatalf("Tick() = %d, want 2", got)
	}
	if len(queue.jobs) != 2 || queue.jobs[0] != ids[0] || queue.jobs[1] != ids[2] {
		t.Errorf("jobs = %v", queue.jobs)
	}
}

func TestTick_ListErrorIsSwallowed(t *testing.T) {
	queue := &fakeQueue{}
	s := New(&fakeRepo{err: errors.New("db down")}, queue, Config{}, zap.NewNop())

	if got := s.Tick(context.Background()); got != 0 {
		t.Errorf("Tick() = %d, want 0", got)
	}
	if len(queue.jobs) != 0 {
		t.Error("nothing should be enqueued")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(&fakeRepo{}, &fakeQueue{}, Config{}, zap.NewNop())

	if s.config.Interval != 60*time.Second {
		t.Errorf("Interval = %s, want 60s", s.config.Interval)
	}
	if s.config.BounceLimit != 3 {
		t.Errorf("BounceLimit = %d, want 3", s.config.BounceLimit)
	}
	if s.config.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", s.config.BatchSize)
	}
}

func TestStart_TicksImmediatelyAndStops(t *testing.T) {
	repo := &fakeRepo{}
	s := New(repo, &fakeQueue{}, Config{Interval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for repo.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if repo.callCount() != 1 {
		t.Fatalf("expected one immediate tick, got %d", repo.callCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
