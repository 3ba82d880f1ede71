package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/db"
	"github.com/lalithlochan/dripmail/internal/mail"
	"github.com/lalithlochan/dripmail/internal/quota"
	"github.com/lalithlochan/dripmail/internal/render"
	"github.com/lalithlochan/dripmail/internal/sns"
	"github.com/lalithlochan/dripmail/internal/tracking"
)

var errBoom = errors.New("boom")

// memRepo is an in-memory Repository that also satisfies quota.Recorder.
type memRepo struct {
	mu         sync.Mutex
	domains    map[uuid.UUID]*db.Domain
	users      map[uuid.UUID]*db.User
	sequences  map[uuid.UUID]*db.Sequence
	ongoing    map[uuid.UUID]*db.OngoingSequence
	deliveries []*db.EmailDelivery
	completed  map[uuid.UUID]time.Time
	writes     int
	domainErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{
		domains:   make(map[uuid.UUID]*db.Domain),
		users:     make(map[uuid.UUID]*db.User),
		sequences: make(map[uuid.UUID]*db.Sequence),
		ongoing:   make(map[uuid.UUID]*db.OngoingSequence),
		completed: make(map[uuid.UUID]time.Time),
	}
}

func (r *memRepo) GetOngoingSequence(ctx context.Context, id uuid.UUID) (*db.OngoingSequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ongoing[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *o
	cp.SentEmailIDs = append([]string(nil), o.SentEmailIDs...)
	return &cp, nil
}

func (r *memRepo) GetDomain(ctx context.Context, id uuid.UUID) (*db.Domain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.domainErr != nil {
		return nil, r.domainErr
	}
	d, ok := r.domains[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memRepo) GetSequence(ctx context.Context, domainID, id uuid.UUID) (*db.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sequences[id]
	if !ok || s.DomainID != domainID {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (r *memRepo) GetUser(ctx context.Context, domainID, id uuid.UUID) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.DomainID != domainID {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (r *memRepo) UpdateOngoingProgress(ctx context.Context, id uuid.UUID, sent []string, next int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	o, ok := r.ongoing[id]
	if !ok {
		return db.ErrNotFound
	}
	o.SentEmailIDs = sent
	o.NextEmailScheduledTime = next
	o.RetryCount = 0
	o.RetryAfter = nil
	return nil
}

func (r *memRepo) UpdateOngoingRetry(ctx context.Context, id uuid.UUID, retryCount int, retryAfter int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	o, ok := r.ongoing[id]
	if !ok {
		return db.ErrNotFound
	}
	o.RetryCount = retryCount
	o.RetryAfter = &retryAfter
	return nil
}

func (r *memRepo) DeleteOngoingSequence(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	delete(r.ongoing, id)
	return nil
}

func (r *memRepo) CountOngoingForSequence(ctx context.Context, sequenceID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.ongoing {
		if o.SequenceID == sequenceID {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) AddFailedRecipient(ctx context.Context, sequenceID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	s := r.sequences[sequenceID]
	s.Report.Sequence.Failed = append(s.Report.Sequence.Failed, userID)
	return nil
}

func (r *memRepo) CompleteBroadcast(ctx context.Context, sequenceID uuid.UUID, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.completed[sequenceID] = sentAt
	return nil
}

func (r *memRepo) CreateEmailDelivery(ctx context.Context, d *db.EmailDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *memRepo) IncrementMailCounts(ctx context.Context, domainID uuid.UUID, now time.Time) (*db.MailQuota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	d, ok := r.domains[domainID]
	if !ok {
		return nil, db.ErrNotFound
	}
	d.Quota = quota.Advance(d.Quota, now)
	q := d.Quota
	return &q, nil
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []*mail.Message
}

func (s *fakeSender) Send(ctx context.Context, msg *mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Name() string { return "fake" }

type fakeEvents struct {
	events []sns.Event
}

func (e *fakeEvents) Publish(ctx context.Context, event sns.Event) error {
	e.events = append(e.events, event)
	return nil
}

func (e *fakeEvents) types() []sns.EventType {
	out := make([]sns.EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type fakeClaimer struct {
	held     bool
	released int
}

func (c *fakeClaimer) Claim(ctx context.Context, id uuid.UUID) (func(), bool, error) {
	if c.held {
		return nil, false, nil
	}
	return func() { c.released++ }, true, nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

// fixture is one tenant with a creator, a recipient and a sequence the
// recipient is enrolled in.
type fixture struct {
	repo      *memRepo
	sender    *fakeSender
	events    *fakeEvents
	clock     *clock
	domain    *db.Domain
	recipient *db.User
	creator   *db.User
	seq       *db.Sequence
	ongoing   *db.OngoingSequence
}

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func step(id string, delay int64) db.Email {
	return db.Email{
		EmailID:   id,
		Subject:   "Step " + id,
		Published: true,
		Content: db.Content{Content: []db.Block{
			{BlockType: render.BlockText, Settings: map[string]interface{}{"text": "Hello {{subscriber.name}}"}},
		}},
		DelayInMillis: delay,
	}
}

func newFixture(t *testing.T, kind string, steps ...db.Email) *fixture {
	t.Helper()
	repo := newMemRepo()

	domain := &db.Domain{
		ID:             uuid.New(),
		Name:           "acme",
		MailingAddress: "1 Main St",
		Quota:          db.MailQuota{Daily: 1000, Monthly: 10000},
	}
	creator := &db.User{ID: uuid.New(), DomainID: domain.ID, Email: "owner@acme.test", Name: "Acme"}
	recipient := &db.User{ID: uuid.New(), DomainID: domain.ID, Email: "ana@example.com", Name: "Ana", SubscribedToUpdates: true, UnsubscribeToken: "tok"}

	seq := &db.Sequence{
		ID:        uuid.New(),
		DomainID:  domain.ID,
		Kind:      kind,
		Title:     "Onboarding",
		Emails:    make(map[string]db.Email),
		CreatorID: creator.ID,
	}
	for _, s := range steps {
		seq.EmailsOrder = append(seq.EmailsOrder, s.EmailID)
		seq.Emails[s.EmailID] = s
	}

	ongoing := &db.OngoingSequence{
		ID:                     uuid.New(),
		DomainID:               domain.ID,
		SequenceID:             seq.ID,
		UserID:                 recipient.ID,
		NextEmailScheduledTime: t0.UnixMilli(),
	}

	repo.domains[domain.ID] = domain
	repo.users[creator.ID] = creator
	repo.users[recipient.ID] = recipient
	repo.sequences[seq.ID] = seq
	repo.ongoing[ongoing.ID] = ongoing

	return &fixture{
		repo:      repo,
		sender:    &fakeSender{},
		events:    &fakeEvents{},
		clock:     &clock{t: t0},
		domain:    domain,
		recipient: recipient,
		creator:   creator,
		seq:       seq,
		ongoing:   ongoing,
	}
}

func (f *fixture) processor(t *testing.T, cfg Config, opts ...Option) *Processor {
	t.Helper()
	codec, err := tracking.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("NewCodec() error: %v", err)
	}
	composer := render.NewComposer(codec, render.SiteConfig{Scheme: "https", BaseDomain: "dripmail.test"}, zap.NewNop())
	guard := quota.NewGuard(f.repo, zap.NewNop())

	opts = append([]Option{WithClock(f.clock.Now), WithEvents(f.events)}, opts...)
	return NewProcessor(f.repo, guard, composer, f.sender, cfg, zap.NewNop(), opts...)
}

func (f *fixture) state(t *testing.T) *db.OngoingSequence {
	t.Helper()
	o, ok := f.repo.ongoing[f.ongoing.ID]
	if !ok {
		return nil
	}
	return o
}

func mustProcess(t *testing.T, p *Processor, id uuid.UUID, want Outcome) {
	t.Helper()
	got, err := p.Process(context.Background(), id)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if got != want {
		t.Fatalf("Process() = %s, want %s", got, want)
	}
}

func TestProcess_TwoStepSequence(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), step("s2", 86400000))
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)

	o := f.state(t)
	if o == nil {
		t.Fatal("record deleted after first step")
	}
	if o.NextEmailScheduledTime != t0.UnixMilli()+86400000 {
		t.Errorf("next = %d, want %d", o.NextEmailScheduledTime, t0.UnixMilli()+86400000)
	}
	if len(o.SentEmailIDs) != 1 || o.SentEmailIDs[0] != "s1" {
		t.Errorf("sent = %v, want [s1]", o.SentEmailIDs)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].To != "ana@example.com" {
		t.Fatalf("expected one message to the recipient, got %d", len(f.sender.sent))
	}
	if f.sender.sent[0].Subject != "Step s1" {
		t.Errorf("subject = %q", f.sender.sent[0].Subject)
	}

	f.clock.t = t0.Add(24*time.Hour + time.Minute)
	mustProcess(t, p, f.ongoing.ID, OutcomeCompleted)

	if f.state(t) != nil {
		t.Error("record should be deleted once every step is sent")
	}
	if len(f.repo.deliveries) != 2 {
		t.Errorf("deliveries = %d, want 2", len(f.repo.deliveries))
	}
	if got := f.events.types(); len(got) != 1 || got[0] != sns.EventRecipientCompleted {
		t.Errorf("events = %v, want [recipient.completed]", got)
	}
	if len(f.repo.completed) != 0 {
		t.Error("a drip sequence must not be finalized as a broadcast")
	}
}

func TestProcess_ScheduleIsAdditiveFromPreviousTime(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), step("s2", 1000))
	p := f.processor(t, Config{BounceLimit: 3})

	// processed an hour late
	f.clock.t = t0.Add(time.Hour)
	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)

	if got := f.state(t).NextEmailScheduledTime; got != t0.UnixMilli()+1000 {
		t.Errorf("next = %d, want %d", got, t0.UnixMilli()+1000)
	}
}

func TestProcess_SkipsUnpublishedAndSentSteps(t *testing.T) {
	draft := step("draft", 0)
	draft.Published = false
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), draft, step("s2", 0), step("s3", 500))
	f.ongoing.SentEmailIDs = []string{"s1"}
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)

	if f.sender.sent[0].Subject != "Step s2" {
		t.Errorf("sent %q, want Step s2", f.sender.sent[0].Subject)
	}
	if got := f.state(t).SentEmailIDs; len(got) != 2 || got[1] != "s2" {
		t.Errorf("sent ids = %v", got)
	}
}

func TestProcess_SendFailureRetriesThenBounces(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
	f.sender.err = errBoom
	p := f.processor(t, Config{BounceLimit: 3, RetryBackoff: time.Minute, RetryBackoffMax: time.Hour})

	for i := 1; i <= 2; i++ {
		mustProcess(t, p, f.ongoing.ID, OutcomeRetryPending)
		o := f.state(t)
		if o.RetryCount != i {
			t.Fatalf("attempt %d: retry count = %d", i, o.RetryCount)
		}
		if len(o.SentEmailIDs) != 0 {
			t.Fatalf("attempt %d: sent ids changed: %v", i, o.SentEmailIDs)
		}
		if i == 1 {
			f.clock.t = time.UnixMilli(*o.RetryAfter).UTC()
		}
	}

	// 1m after the first failure, then 2m after the second
	wantAfter := t0.UnixMilli() + 3*time.Minute.Milliseconds()
	if got := *f.state(t).RetryAfter; got != wantAfter {
		t.Errorf("retry after = %d, want %d", got, wantAfter)
	}

	f.clock.t = time.UnixMilli(wantAfter).UTC()
	mustProcess(t, p, f.ongoing.ID, OutcomeBounced)

	if f.state(t) != nil {
		t.Error("record should be deleted at the bounce limit")
	}
	failed := f.seq.Report.Sequence.Failed
	if len(failed) != 1 || failed[0] != f.recipient.ID {
		t.Errorf("failed report = %v, want [%s]", failed, f.recipient.ID)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != sns.EventRecipientBounced {
		t.Errorf("events = %v", got)
	}
	if f.domain.Quota.DailyCount != 0 {
		t.Error("failed sends must not consume quota")
	}
}

func TestProcess_RedeliveredJobWaitsForSchedule(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), step("s2", 86400000))
	claimer := &fakeClaimer{}
	p := f.processor(t, Config{BounceLimit: 3}, WithClaimer(claimer))

	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)
	writes := f.repo.writes

	// the same job delivered again before the next step is due
	mustProcess(t, p, f.ongoing.ID, OutcomeSkipped)

	if len(f.sender.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(f.sender.sent))
	}
	if f.repo.writes != writes {
		t.Error("a job that is not due must not write")
	}
	if got := f.state(t).SentEmailIDs; len(got) != 1 {
		t.Errorf("sent ids = %v, want [s1]", got)
	}
}

func TestProcess_NotDueSkips(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"scheduled later", func(f *fixture) {
			f.ongoing.NextEmailScheduledTime = t0.Add(time.Hour).UnixMilli()
		}},
		{"retry backoff pending", func(f *fixture) {
			after := t0.Add(time.Minute).UnixMilli()
			f.ongoing.RetryCount = 1
			f.ongoing.RetryAfter = &after
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
			tt.setup(f)
			p := f.processor(t, Config{BounceLimit: 3})

			mustProcess(t, p, f.ongoing.ID, OutcomeSkipped)

			if len(f.sender.sent) != 0 || f.repo.writes != 0 {
				t.Error("expected no send and no writes")
			}
			if f.domain.Quota.DailyCount != 0 {
				t.Error("a skipped job must not consume quota")
			}
		})
	}
}

func TestProcess_SuccessClearsRetryState(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), step("s2", 10))
	retryAfter := t0.UnixMilli()
	f.ongoing.RetryCount = 2
	f.ongoing.RetryAfter = &retryAfter
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)

	o := f.state(t)
	if o.RetryCount != 0 || o.RetryAfter != nil {
		t.Errorf("retry state = %d/%v, want cleared", o.RetryCount, o.RetryAfter)
	}
}

func TestProcess_QuotaDailyWindow(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), step("s2", 0), step("s3", 0), step("s4", 0))
	f.domain.Quota.Daily = 2
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)
	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)
	if f.domain.Quota.DailyCount != 2 {
		t.Fatalf("daily count = %d, want 2", f.domain.Quota.DailyCount)
	}

	writes := f.repo.writes
	before := *f.state(t)
	mustProcess(t, p, f.ongoing.ID, OutcomeQuotaBlocked)

	if f.repo.writes != writes {
		t.Error("a quota-blocked attempt must not write anything")
	}
	after := f.state(t)
	if after.RetryCount != before.RetryCount || len(after.SentEmailIDs) != len(before.SentEmailIDs) {
		t.Error("a quota-blocked attempt must not change the record")
	}
	if len(f.sender.sent) != 2 {
		t.Errorf("sent = %d, want 2", len(f.sender.sent))
	}

	f.clock.t = t0.Add(24 * time.Hour)
	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)
	if f.domain.Quota.DailyCount != 1 {
		t.Errorf("daily count on the next day = %d, want 1", f.domain.Quota.DailyCount)
	}
}

func TestProcess_MissingMailingAddressBlocks(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
	f.domain.MailingAddress = ""
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeQuotaBlocked)

	if f.repo.writes != 0 || len(f.sender.sent) != 0 {
		t.Error("expected no writes and no sends")
	}
}

func TestProcess_Evictions(t *testing.T) {
	tests := []struct {
		name   string
		remove func(f *fixture)
		reason string
	}{
		{"tenant", func(f *fixture) { delete(f.repo.domains, f.domain.ID) }, reasonTenantNotFound},
		{"sequence", func(f *fixture) { delete(f.repo.sequences, f.seq.ID) }, reasonSequenceNotFound},
		{"recipient", func(f *fixture) { delete(f.repo.users, f.recipient.ID) }, reasonRecipientNotFound},
		{"creator", func(f *fixture) { delete(f.repo.users, f.creator.ID) }, reasonCreatorNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
			tt.remove(f)
			p := f.processor(t, Config{BounceLimit: 3})

			mustProcess(t, p, f.ongoing.ID, OutcomeEvicted)

			if f.state(t) != nil {
				t.Error("record should be deleted")
			}
			if len(f.sender.sent) != 0 {
				t.Error("nothing should be sent")
			}
			if len(f.events.events) != 1 || f.events.events[0].Reason != tt.reason {
				t.Errorf("events = %+v, want one eviction with reason %s", f.events.events, tt.reason)
			}
		})
	}
}

func TestProcess_BroadcastFinalizesOnLastRecipient(t *testing.T) {
	f := newFixture(t, db.SequenceKindBroadcast, step("b1", 0))

	other := &db.User{ID: uuid.New(), DomainID: f.domain.ID, Email: "bo@example.com"}
	f.repo.users[other.ID] = other
	second := &db.OngoingSequence{ID: uuid.New(), DomainID: f.domain.ID, SequenceID: f.seq.ID, UserID: other.ID}
	f.repo.ongoing[second.ID] = second

	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeCompleted)
	if _, ok := f.repo.completed[f.seq.ID]; ok {
		t.Fatal("broadcast finalized while a recipient is outstanding")
	}

	f.clock.t = t0.Add(time.Minute)
	mustProcess(t, p, second.ID, OutcomeCompleted)

	sentAt, ok := f.repo.completed[f.seq.ID]
	if !ok {
		t.Fatal("broadcast should be finalized after the last recipient")
	}
	if !sentAt.Equal(f.clock.t) {
		t.Errorf("sentAt = %s, want %s", sentAt, f.clock.t)
	}
	types := f.events.types()
	if types[len(types)-1] != sns.EventBroadcastSent {
		t.Errorf("last event = %s, want broadcast.sent", types[len(types)-1])
	}
}

func TestProcess_BroadcastFinalizesAfterBounce(t *testing.T) {
	f := newFixture(t, db.SequenceKindBroadcast, step("b1", 0))
	f.sender.err = errBoom
	p := f.processor(t, Config{BounceLimit: 1})

	mustProcess(t, p, f.ongoing.ID, OutcomeBounced)

	if _, ok := f.repo.completed[f.seq.ID]; !ok {
		t.Error("broadcast should be finalized when its last recipient bounces")
	}
}

func TestProcess_NoPublishedStepCompletes(t *testing.T) {
	draft := step("draft", 0)
	draft.Published = false
	f := newFixture(t, db.SequenceKindSequence, draft)
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, f.ongoing.ID, OutcomeCompleted)

	if len(f.sender.sent) != 0 || f.state(t) != nil {
		t.Error("expected no send and a deleted record")
	}
}

func TestProcess_MissingRecordSkips(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
	p := f.processor(t, Config{BounceLimit: 3})

	mustProcess(t, p, uuid.New(), OutcomeSkipped)

	if f.repo.writes != 0 {
		t.Error("skipping must not write")
	}
}

func TestProcess_ClaimHeldElsewhere(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
	claimer := &fakeClaimer{held: true}
	p := f.processor(t, Config{BounceLimit: 3}, WithClaimer(claimer))

	mustProcess(t, p, f.ongoing.ID, OutcomeClaimed)

	if len(f.sender.sent) != 0 {
		t.Error("a claimed record must not be processed")
	}
}

func TestProcess_ReleasesClaim(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0), step("s2", 0))
	claimer := &fakeClaimer{}
	p := f.processor(t, Config{BounceLimit: 3}, WithClaimer(claimer))

	mustProcess(t, p, f.ongoing.ID, OutcomeScheduled)

	if claimer.released != 1 {
		t.Errorf("released = %d, want 1", claimer.released)
	}
}

func TestProcess_InfrastructureErrorIsReturned(t *testing.T) {
	f := newFixture(t, db.SequenceKindSequence, step("s1", 0))
	f.repo.domainErr = errBoom
	p := f.processor(t, Config{BounceLimit: 3})

	if _, err := p.Process(context.Background(), f.ongoing.ID); !errors.Is(err, errBoom) {
		t.Errorf("Process() error = %v, want %v", err, errBoom)
	}
	if f.state(t).RetryCount != 0 {
		t.Error("infrastructure errors must not count as send failures")
	}
}
