package referral

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalred/referral/internal/domain/scoring"
	"github.com/vitalred/referral/internal/platform/clock"
	"github.com/vitalred/referral/internal/platform/notification"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	err    error
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev notification.Event) (notification.Report, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	rep := notification.Report{
		Token:    ev.IdempotencyToken,
		Outcomes: []notification.Outcome{{RecipientID: "x", Channel: notification.ChannelInApp, Status: notification.OutcomeDelivered}},
	}
	return rep, n.err
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (n *recordingNotifier) last() notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type fakeCloser struct {
	mu    sync.Mutex
	calls map[uuid.UUID][]string
}

func (c *fakeCloser) CloseForRequest(_ context.Context, id uuid.UUID, resolution string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[uuid.UUID][]string)
	}
	c.calls[id] = append(c.calls[id], resolution)
	return 1, nil
}

func (c *fakeCloser) resolutions(id uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

type recordingAuditor struct {
	mu          sync.Mutex
	failures    []error
	transitions []*Transition
}

func (a *recordingAuditor) ScoringFailure(_ context.Context, _ *Request, cause error) {
	a.mu.Lock()
	a.failures = append(a.failures, cause)
	a.mu.Unlock()
}

func (a *recordingAuditor) Transition(_ context.Context, _ *Request, t *Transition) {
	a.mu.Lock()
	a.transitions = append(a.transitions, t)
	a.mu.Unlock()
}

type fakeClassifier struct {
	confidence float64
	err        error
	block      bool
}

func (c *fakeClassifier) Classify(ctx context.Context, _ ClassifyInput) (float64, error) {
	if c.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return c.confidence, c.err
}

// ---------------------------------------------------------------------------
// fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	clock    *clock.Fake
	notifier *recordingNotifier
	closer   *fakeCloser
	auditor  *recordingAuditor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	engine, err := scoring.NewEngine(scoring.DefaultConfig())
	require.NoError(t, err)

	f := &fixture{
		repo:     NewMemoryRepository(),
		clock:    clock.NewFake(t0),
		notifier: &recordingNotifier{},
		closer:   &fakeCloser{},
		auditor:  &recordingAuditor{},
	}
	base := []Option{
		WithClock(f.clock),
		WithNotifier(f.notifier),
		WithEscalationCloser(f.closer),
		WithAuditor(f.auditor),
	}
	f.svc = NewService(f.repo, engine, DefaultConfig(), zerolog.Nop(), append(base, opts...)...)
	return f
}

func age(n int) *int { return &n }

func criticalInput() SubmitInput {
	return SubmitInput{
		PatientAge:    age(70),
		Justification: "dolor intenso, crítico",
		Specialty:     "Cardiología",
		OriginClinic:  "norte",
		SubmittedBy:   "dra-sanz",
	}
}

func routineInput() SubmitInput {
	return SubmitInput{
		PatientAge:    age(25),
		Justification: "control rutinario",
		Specialty:     "medicina general",
		OriginClinic:  "norte",
		SubmittedBy:   "dra-sanz",
	}
}

func (f *fixture) submitCritical(t *testing.T) *Request {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), criticalInput())
	require.NoError(t, err)
	require.Equal(t, scoring.PriorityCritical, req.Priority)
	return req
}

func accept(reviewer, token string) DecideInput {
	return DecideInput{Outcome: OutcomeAccepted, ReviewerID: reviewer, Justification: "procede", IdempotencyToken: token}
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmit_CriticalStaysOpen(t *testing.T) {
	f := newFixture(t)

	req := f.submitCritical(t)

	assert.Equal(t, "REF-2026-000001", req.Code)
	assert.InDelta(t, 0.845, req.Score, 1e-9)
	assert.Equal(t, StateOpen, req.State)
	assert.Equal(t, 1, req.Sequence)
	assert.Equal(t, t0, req.OpenedAt)
	assert.Equal(t, t0.Add(2*time.Hour), req.DeadlineAt)
	assert.Nil(t, req.DecisionID)

	require.Equal(t, []string{EventCreated}, f.notifier.kinds())
	ev := f.notifier.last()
	assert.Equal(t, notification.PriorityHigh, ev.Priority)
	assert.Equal(t, []notification.Audience{notification.ToRole("reviewer")}, ev.Audiences)
	assert.Equal(t, EventToken(req.ID, 1, EventCreated), ev.IdempotencyToken)
	assert.Equal(t, req.Code, ev.Payload["code"])
}

func TestSubmit_RoutineIsAutoAccepted(t *testing.T) {
	f := newFixture(t)

	req, err := f.svc.Submit(context.Background(), routineInput())
	require.NoError(t, err)

	assert.Equal(t, scoring.PriorityRoutine, req.Priority)
	assert.InDelta(t, 0.1425, req.Score, 1e-9)
	assert.Equal(t, StateAccepted, req.State)
	assert.Equal(t, t0.Add(48*time.Hour), req.DeadlineAt)
	require.NotNil(t, req.DecisionID)

	decisions, err := f.svc.ListDecisions(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, *req.DecisionID, d.ID)
	assert.Equal(t, OutcomeAccepted, d.Outcome)
	assert.Equal(t, AutoResponderID, d.ReviewerID)
	assert.True(t, d.Automatic)
	assert.Equal(t, DefaultTemplates()["medicina general"].Guidance, d.GuidanceMessage)
	assert.Equal(t, "5 a 7 días hábiles", d.EstimatedTimeToService)

	assert.Equal(t, []string{EventCreated, EventDecided}, f.notifier.kinds())
	decided := f.notifier.last()
	assert.Equal(t, []notification.Audience{notification.ToRole("clinic:norte")}, decided.Audiences)
	assert.Equal(t, true, decided.Payload["automatic"])
	assert.Equal(t, string(OutcomeAccepted), decided.Payload["outcome"])
	assert.Equal(t, []string{"decided"}, f.closer.resolutions(req.ID))
}

func TestSubmit_InvalidSubmission(t *testing.T) {
	f := newFixture(t)

	noAge := routineInput()
	noAge.PatientAge = nil
	_, err := f.svc.Submit(context.Background(), noAge)
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	noSpecialty := routineInput()
	noSpecialty.Specialty = "  "
	_, err = f.svc.Submit(context.Background(), noSpecialty)
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, total, err := f.svc.List(context.Background(), ListFilter{}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, f.notifier.kinds())
}

func TestSubmit_ScoringFailureDefaultsToCritical(t *testing.T) {
	f := newFixture(t)

	in := routineInput()
	in.PatientAge = age(-3)
	req, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, scoring.PriorityCritical, req.Priority)
	assert.Equal(t, 1.0, req.Score)
	assert.NotEmpty(t, req.ScoringFailure)
	assert.Equal(t, StateOpen, req.State, "fail-safe requests must not be auto-accepted")
	require.Len(t, f.auditor.failures, 1)
	assert.ErrorIs(t, f.auditor.failures[0], scoring.ErrInvalidInput)
}

func TestSubmit_ReplayTokenReturnsOriginal(t *testing.T) {
	f := newFixture(t)

	in := criticalInput()
	in.IdempotencyToken = "clinic-norte-123"
	first, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	second, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, []string{EventCreated}, f.notifier.kinds())
}

func TestSubmit_ClassifierBlendsSeverity(t *testing.T) {
	f := newFixture(t, WithClassifier(&fakeClassifier{confidence: 1.0}))

	req, err := f.svc.Submit(context.Background(), routineInput())
	require.NoError(t, err)
	// severity (0.5*0.2 + 0.5*1.0) * 0.40 + age 0.25*0.25
	assert.InDelta(t, 0.3025, req.Score, 1e-9)
}

func TestSubmit_ClassifierProblemsAreIgnored(t *testing.T) {
	cases := map[string]Classifier{
		"error":        &fakeClassifier{err: errors.New("model offline")},
		"out of range": &fakeClassifier{confidence: 1.5},
		"timeout":      &fakeClassifier{block: true},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			engine, err := scoring.NewEngine(scoring.DefaultConfig())
			require.NoError(t, err)
			cfg := DefaultConfig()
			cfg.ClassifierTimeout = 20 * time.Millisecond
			svc := NewService(NewMemoryRepository(), engine, cfg, zerolog.Nop(),
				WithClock(clock.NewFake(t0)), WithClassifier(c))

			req, err := svc.Submit(context.Background(), routineInput())
			require.NoError(t, err)
			assert.InDelta(t, 0.1425, req.Score, 1e-9)
			assert.Empty(t, req.ScoringFailure)
		})
	}
}

func TestSubmit_CodesAreSequentialPerYear(t *testing.T) {
	f := newFixture(t)

	a := f.submitCritical(t)
	b := f.submitCritical(t)
	f.clock.Set(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	c := f.submitCritical(t)

	assert.Equal(t, "REF-2026-000001", a.Code)
	assert.Equal(t, "REF-2026-000002", b.Code)
	assert.Equal(t, "REF-2027-000001", c.Code)
}

// ---------------------------------------------------------------------------
// Decide
// ---------------------------------------------------------------------------

func TestDecide_ConcurrentReviewersSingleDecision(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	const reviewers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		wins    int
		illegal int
	)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcome := OutcomeAccepted
			if i%2 == 1 {
				outcome = OutcomeRejected
			}
			_, err := f.svc.Decide(context.Background(), req.ID, DecideInput{
				Outcome:    outcome,
				ReviewerID: uuid.NewString(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrIllegalTransition):
				illegal++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, reviewers-1, illegal)

	decisions, err := f.svc.ListDecisions(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)

	got, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, decisions[0].ID, *got.DecisionID)
	assert.Equal(t, 2, got.Sequence)
}

// parkedRepository holds the next Apply after arm until release is closed.
type parkedRepository struct {
	*MemoryRepository
	armed   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (r *parkedRepository) Apply(ctx context.Context, c Change) error {
	if r.armed.CompareAndSwap(true, false) {
		close(r.parked)
		<-r.release
	}
	return r.MemoryRepository.Apply(ctx, c)
}

func TestDecide_NotBlockedBySlowStoreWrite(t *testing.T) {
	engine, err := scoring.NewEngine(scoring.DefaultConfig())
	require.NoError(t, err)
	repo := &parkedRepository{
		MemoryRepository: NewMemoryRepository(),
		parked:           make(chan struct{}),
		release:          make(chan struct{}),
	}
	svc := NewService(repo, engine, DefaultConfig(), zerolog.Nop(), WithClock(clock.NewFake(t0)))

	req, err := svc.Submit(context.Background(), criticalInput())
	require.NoError(t, err)

	repo.armed.Store(true)
	slow := make(chan error, 1)
	go func() {
		_, err := svc.Decide(context.Background(), req.ID, accept("dr-ruiz", ""))
		slow <- err
	}()
	<-repo.parked

	// The first decide is parked inside the store write; a second one on the
	// same request still completes.
	d, err := svc.Decide(context.Background(), req.ID, DecideInput{Outcome: OutcomeRejected, ReviewerID: "dr-lopez"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, d.Outcome)

	close(repo.release)
	assert.ErrorIs(t, <-slow, ErrIllegalTransition)

	got, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, got.State)
	assert.Equal(t, 2, got.Sequence)
}

func TestDecide_ReplayedTokenReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	d1, err := f.svc.Decide(context.Background(), req.ID, accept("dr-ruiz", "tok-1"))
	require.NoError(t, err)
	d2, err := f.svc.Decide(context.Background(), req.ID, accept("dr-ruiz", "tok-1"))
	require.NoError(t, err)

	assert.Equal(t, d1.ID, d2.ID)
	assert.Equal(t, []string{EventCreated, EventDecided}, f.notifier.kinds())
	assert.Len(t, f.closer.resolutions(req.ID), 1)

	_, err = f.svc.Cancel(context.Background(), req.ID, CancelInput{Actor: "x", IdempotencyToken: "tok-1"})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestDecide_FromDecidedStateIsIllegal(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	_, err := f.svc.Decide(context.Background(), req.ID, accept("dr-ruiz", ""))
	require.NoError(t, err)
	_, err = f.svc.Decide(context.Background(), req.ID, accept("dr-lopez", ""))
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestDecide_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	_, err := f.svc.Decide(context.Background(), req.ID, DecideInput{Outcome: "MAYBE", ReviewerID: "dr-ruiz"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = f.svc.Decide(context.Background(), req.ID, DecideInput{Outcome: OutcomeRejected})
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = f.svc.Decide(context.Background(), uuid.New(), accept("dr-ruiz", ""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecide_NotifiesClinic(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)
	f.clock.Advance(30 * time.Minute)

	d, err := f.svc.Decide(context.Background(), req.ID, DecideInput{Outcome: OutcomeRejected, ReviewerID: "dr-ruiz", Justification: "derivar a atención primaria"})
	require.NoError(t, err)

	assert.False(t, d.Automatic)
	assert.Equal(t, t0.Add(30*time.Minute), d.DecidedAt)
	ev := f.notifier.last()
	assert.Equal(t, EventDecided, ev.Kind)
	assert.Equal(t, notification.PriorityNormal, ev.Priority)
	assert.Equal(t, []notification.Audience{notification.ToRole("clinic:norte")}, ev.Audiences)
	assert.Equal(t, "dr-ruiz", ev.Payload["reviewer_id"])
	assert.Equal(t, EventToken(req.ID, 2, EventDecided), ev.IdempotencyToken)
}

func TestDecide_DispatchFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")
	req := f.submitCritical(t)

	_, err := f.svc.Decide(context.Background(), req.ID, accept("dr-ruiz", ""))
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, got.State)
}

// ---------------------------------------------------------------------------
// Reopen / Cancel / Rescore
// ---------------------------------------------------------------------------

func TestReopen_KeepsDecisionHistory(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	first, err := f.svc.Decide(context.Background(), req.ID, DecideInput{Outcome: OutcomeRejected, ReviewerID: "dr-ruiz"})
	require.NoError(t, err)

	now := f.clock.Advance(3 * time.Hour)
	reopened, err := f.svc.Reopen(context.Background(), req.ID, ReopenInput{Actor: "dra-sanz", Reason: "nuevos resultados"})
	require.NoError(t, err)

	assert.Equal(t, StateReopened, reopened.State)
	assert.Nil(t, reopened.DecisionID)
	assert.Nil(t, reopened.DecidedAt)
	assert.Equal(t, now, reopened.OpenedAt)
	assert.Equal(t, now.Add(2*time.Hour), reopened.DeadlineAt)
	assert.Equal(t, 1, reopened.ReopenCount)
	assert.Equal(t, EventReopened, f.notifier.last().Kind)
	assert.Equal(t, notification.PriorityHigh, f.notifier.last().Priority)

	second, err := f.svc.Decide(context.Background(), req.ID, accept("dr-lopez", ""))
	require.NoError(t, err)

	decisions, err := f.svc.ListDecisions(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, first.ID, decisions[0].ID)
	assert.Equal(t, second.ID, decisions[1].ID)

	transitions, err := f.svc.ListTransitions(context.Background(), req.ID)
	require.NoError(t, err)
	var actions []Action
	for i, tr := range transitions {
		assert.Equal(t, i+1, tr.Sequence)
		actions = append(actions, tr.Action)
	}
	assert.Equal(t, []Action{ActionSubmit, ActionDecide, ActionReopen, ActionDecide}, actions)
}

func TestReopen_GraceWindow(t *testing.T) {
	f := newFixture(t)

	onTime := f.submitCritical(t)
	late := f.submitCritical(t)
	_, err := f.svc.Decide(context.Background(), onTime.ID, accept("dr-ruiz", ""))
	require.NoError(t, err)
	_, err = f.svc.Decide(context.Background(), late.ID, accept("dr-ruiz", ""))
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Reopen(context.Background(), onTime.ID, ReopenInput{Actor: "dra-sanz"})
	assert.NoError(t, err, "exactly at the grace limit is still allowed")

	f.clock.Advance(time.Second)
	_, err = f.svc.Reopen(context.Background(), late.ID, ReopenInput{Actor: "dra-sanz"})
	assert.ErrorIs(t, err, ErrWindowExpired)

	got, err := f.svc.Get(context.Background(), late.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, got.State)
}

func TestReopen_FromOpenIsIllegal(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	_, err := f.svc.Reopen(context.Background(), req.ID, ReopenInput{Actor: "dra-sanz"})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancel_ResolvesEscalations(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	got, err := f.svc.Cancel(context.Background(), req.ID, CancelInput{Actor: "dra-sanz", Reason: "paciente trasladado"})
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, []string{"cancelled"}, f.closer.resolutions(req.ID))
	assert.Equal(t, EventCancelled, f.notifier.last().Kind)

	_, err = f.svc.Decide(context.Background(), req.ID, accept("dr-ruiz", ""))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = f.svc.Reopen(context.Background(), req.ID, ReopenInput{Actor: "dra-sanz"})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRescore_UsesReplacedEngine(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	cfg := scoring.DefaultConfig()
	cfg.RedThreshold = 0.9
	engine, err := scoring.NewEngine(cfg)
	require.NoError(t, err)
	f.svc.ReplaceScorer(engine)

	unchanged, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, scoring.PriorityCritical, unchanged.Priority)

	got, err := f.svc.Rescore(context.Background(), req.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, scoring.PriorityRoutine, got.Priority)
	assert.InDelta(t, 0.845, got.Score, 1e-9)
	assert.Equal(t, got.OpenedAt.Add(48*time.Hour), got.DeadlineAt)
	assert.Equal(t, StateOpen, got.State)
	assert.Equal(t, 2, got.Sequence)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestListOpenCritical_OldestFirst(t *testing.T) {
	f := newFixture(t)

	a := f.submitCritical(t)
	f.clock.Advance(time.Minute)
	b := f.submitCritical(t)
	f.clock.Advance(time.Minute)
	c := f.submitCritical(t)
	_, err := f.svc.Decide(context.Background(), b.ID, accept("dr-ruiz", ""))
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), routineInput())
	require.NoError(t, err)

	open, err := f.svc.ListOpenCritical(context.Background(), PendingQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, a.ID, open[0].ID)
	assert.Equal(t, c.ID, open[1].ID)
}

func TestListOpenCritical_Pages(t *testing.T) {
	f := newFixture(t)
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		want = append(want, f.submitCritical(t).ID)
		if i%2 == 1 {
			f.clock.Advance(time.Minute)
		}
	}
	f.clock.Advance(time.Minute)
	late := f.submitCritical(t)

	q := PendingQuery{Limit: 2, OpenedBy: t0.Add(2 * time.Minute)}
	var got []uuid.UUID
	for pages := 0; pages < 10; pages++ {
		page, err := f.svc.ListOpenCritical(context.Background(), q)
		require.NoError(t, err)
		for _, r := range page {
			got = append(got, r.ID)
		}
		if len(page) < q.Limit {
			break
		}
		q.After = CursorAfter(page[len(page)-1])
	}
	assert.ElementsMatch(t, want, got)
	assert.NotContains(t, got, late.ID)
}

func TestGetByCode(t *testing.T) {
	f := newFixture(t)
	req := f.submitCritical(t)

	got, err := f.svc.GetByCode(context.Background(), req.Code)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = f.svc.GetByCode(context.Background(), "REF-1999-000001")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.ListDecisions(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// With the real dispatcher
// ---------------------------------------------------------------------------

func TestSubmit_RoutineReachesClinicThroughDispatcher(t *testing.T) {
	dir := notification.NewStaticDirectory(
		notification.Recipient{ID: "dr-ruiz", Roles: []string{"reviewer"}},
		notification.Recipient{ID: "recepcion-norte", Roles: []string{"clinic:norte"}},
	)
	inApp := notification.NewMockChannel(notification.ChannelInApp)
	dispatcher := notification.NewDispatcher(dir, nil, notification.DispatcherConfig{}, zerolog.Nop(), inApp)

	engine, err := scoring.NewEngine(scoring.DefaultConfig())
	require.NoError(t, err)
	svc := NewService(NewMemoryRepository(), engine, DefaultConfig(), zerolog.Nop(),
		WithClock(clock.NewFake(t0)), WithNotifier(dispatcher))

	req, err := svc.Submit(context.Background(), routineInput())
	require.NoError(t, err)
	require.Equal(t, StateAccepted, req.State)

	calls := inApp.Calls()
	require.Len(t, calls, 2)
	byKind := map[string]string{}
	for _, c := range calls {
		byKind[c.Envelope.Kind] = c.Recipient.ID
	}
	assert.Equal(t, "dr-ruiz", byKind[EventCreated])
	assert.Equal(t, "recepcion-norte", byKind[EventDecided])
}
