package referral

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/referral/internal/domain/scoring"
	"github.com/vitalred/referral/internal/platform/clock"
	"github.com/vitalred/referral/internal/platform/notification"
)

// Event kinds emitted on lifecycle transitions.
const (
	EventCreated   = "referral.created"
	EventDecided   = "referral.decided"
	EventReopened  = "referral.reopened"
	EventCancelled = "referral.cancelled"
)

// EventToken is the idempotency token for the event emitted by a transition.
// It is stable across retries of the same transition.
func EventToken(requestID uuid.UUID, sequence int, kind string) string {
	return fmt.Sprintf("%s:%d:%s", requestID, sequence, kind)
}

type Config struct {
	CriticalSLA       time.Duration
	RoutineSLA        time.Duration
	ReopenGrace       time.Duration
	ClassifierTimeout time.Duration
	// ReviewerRole is the directory role of the specialist reviewer pool.
	ReviewerRole string
	// ClinicRolePrefix plus the origin clinic names the clinic's directory role.
	ClinicRolePrefix string
}

func DefaultConfig() Config {
	return Config{
		CriticalSLA:       2 * time.Hour,
		RoutineSLA:        48 * time.Hour,
		ReopenGrace:       24 * time.Hour,
		ClassifierTimeout: 2 * time.Second,
		ReviewerRole:      "reviewer",
		ClinicRolePrefix:  "clinic:",
	}
}

type Option func(*Service)

func WithClassifier(c Classifier) Option { return func(s *Service) { s.classifier = c } }
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithEscalationCloser(c EscalationCloser) Option { return func(s *Service) { s.closer = c } }
func WithAuditor(a Auditor) Option { return func(s *Service) { s.auditor = a } }
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }
func WithAutoResponder(a *AutoResponder) Option { return func(s *Service) { s.auto.Store(a) } }

// Service owns the referral lifecycle. Transitions on one request are
// serialised by an in-process keyed mutex and guarded in the store by a
// compare-and-set on Request.Sequence.
type Service struct {
	repo       Repository
	scorer     atomic.Pointer[scoring.Engine]
	auto       atomic.Pointer[AutoResponder]
	classifier Classifier
	notifier   Notifier
	closer     EscalationCloser
	auditor    Auditor
	clock      clock.Clock
	cfg        Config
	logger     zerolog.Logger
}

func NewService(repo Repository, engine *scoring.Engine, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.CriticalSLA <= 0 {
		cfg.CriticalSLA = def.CriticalSLA
	}
	if cfg.RoutineSLA <= 0 {
		cfg.RoutineSLA = def.RoutineSLA
	}
	if cfg.ReopenGrace <= 0 {
		cfg.ReopenGrace = def.ReopenGrace
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = def.ClassifierTimeout
	}
	if cfg.ReviewerRole == "" {
		cfg.ReviewerRole = def.ReviewerRole
	}
	if cfg.ClinicRolePrefix == "" {
		cfg.ClinicRolePrefix = def.ClinicRolePrefix
	}
	s := &Service{
		repo:   repo,
		cfg:    cfg,
		clock:  clock.Real{},
		logger: logger.With().Str("component", "referral").Logger(),
	}
	s.scorer.Store(engine)
	for _, o := range opts {
		o(s)
	}
	if s.auto.Load() == nil {
		s.auto.Store(NewAutoResponder(nil))
	}
	if s.auditor == nil {
		s.auditor = NewLogAuditor(logger)
	}
	return s
}

// ReplaceScorer installs a new scoring engine. Requests already scored keep
// their priority until rescored.
func (s *Service) ReplaceScorer(e *scoring.Engine) {
	s.scorer.Store(e)
	s.logger.Info().Float64("red_threshold", e.Config().RedThreshold).Msg("scoring engine replaced")
}

// ReplaceAutoResponder installs new response templates.
func (s *Service) ReplaceAutoResponder(a *AutoResponder) {
	s.auto.Store(a)
}

func (s *Service) Scorer() *scoring.Engine {
	return s.scorer.Load()
}

func (s *Service) sla(p scoring.Priority) time.Duration {
	if p == scoring.PriorityCritical {
		return s.cfg.CriticalSLA
	}
	return s.cfg.RoutineSLA
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

// Submit scores and stores a new request. ROUTINE requests are immediately
// handed to the auto-responder. Replaying a submission token returns the
// request created by the first call.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.IdempotencyToken != "" {
		existing, err := s.repo.GetBySubmissionToken(ctx, in.IdempotencyToken)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("lookup submission token: %w", err)
		}
	}

	now := s.clock.Now()
	seq, err := s.repo.NextSequence(ctx, now.Year())
	if err != nil {
		return nil, err
	}
	req := &Request{
		ID:              uuid.New(),
		Code:            FormatCode(now.Year(), seq),
		PatientAge:      *in.PatientAge,
		Justification:   strings.TrimSpace(in.Justification),
		Specialty:       strings.TrimSpace(in.Specialty),
		OriginClinic:    strings.TrimSpace(in.OriginClinic),
		SubmittedBy:     in.SubmittedBy,
		State:           StateOpen,
		Sequence:        1,
		SubmittedAt:     now,
		OpenedAt:        now,
		SubmissionToken: in.IdempotencyToken,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	scoreErr := s.score(ctx, req)
	req.DeadlineAt = now.Add(s.sla(req.Priority))

	t := &Transition{
		RequestID:        req.ID,
		Sequence:         1,
		Action:           ActionSubmit,
		To:               StateOpen,
		Actor:            in.SubmittedBy,
		IdempotencyToken: in.IdempotencyToken,
		At:               now,
	}
	if err := s.repo.Create(ctx, req, t); err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			return s.repo.GetBySubmissionToken(ctx, in.IdempotencyToken)
		}
		return nil, fmt.Errorf("create referral: %w", err)
	}
	if scoreErr != nil {
		s.auditor.ScoringFailure(ctx, req, scoreErr)
	}
	s.auditor.Transition(ctx, req, t)
	s.emit(ctx, req, EventCreated, t, nil)

	if tmpl := s.auto.Load().TryAutoRespond(req); tmpl != nil {
		in := DecideInput{
			Outcome:          tmpl.Outcome,
			ReviewerID:       tmpl.ReviewerID,
			Justification:    tmpl.Justification,
			IdempotencyToken: "auto-respond:" + req.ID.String(),
		}
		if _, err := s.decide(ctx, req.ID, in, tmpl); err != nil {
			s.logger.Warn().Err(err).Str("code", req.Code).Msg("auto-respond failed, request left open")
			return req, nil
		}
		return s.repo.GetByID(ctx, req.ID)
	}
	return req, nil
}

// score fills Priority, Score and ScoringFailure. Any scoring error yields
// CRITICAL with score 1.0 so urgency is never silently downgraded.
func (s *Service) score(ctx context.Context, req *Request) error {
	attrs := scoring.Attributes{
		PatientAge:    req.PatientAge,
		Justification: req.Justification,
		Specialty:     req.Specialty,
	}
	if conf, ok := s.classify(ctx, req); ok {
		attrs.Confidence = &conf
	}
	res, err := s.Scorer().Score(attrs)
	if err != nil {
		req.Priority = scoring.PriorityCritical
		req.Score = 1.0
		req.ScoringFailure = err.Error()
		return err
	}
	req.Priority = res.Priority
	req.Score = res.Score
	req.ScoringFailure = ""
	return nil
}

// classify consults the optional classifier. Errors, timeouts and
// out-of-range answers are logged and ignored.
func (s *Service) classify(ctx context.Context, req *Request) (float64, bool) {
	if s.classifier == nil {
		return 0, false
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifierTimeout)
	defer cancel()

	conf, err := s.classifier.Classify(cctx, ClassifyInput{
		Justification: req.Justification,
		Specialty:     req.Specialty,
		PatientAge:    req.PatientAge,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("referral", req.ID.String()).Msg("classifier unavailable, scoring without it")
		return 0, false
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		s.logger.Warn().Float64("confidence", conf).Str("referral", req.ID.String()).Msg("classifier confidence out of range, ignored")
		return 0, false
	}
	return conf, true
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

type transitionResult struct {
	req        *Request
	decision   *Decision
	transition *Transition
	replay     bool
}

// mutation edits next (a copy of cur with Sequence and UpdatedAt already
// advanced) and may return a new Decision to persist with it.
type mutation func(cur, next *Request, now time.Time) (*Decision, error)

// applyAttempts bounds how often a transition re-reads the request after
// losing a compare-and-set race.
const applyAttempts = 3

// transition applies one state change. No lock is held across repository
// calls: Apply compares Sequence, and a loser re-reads and re-validates, so a
// concurrent decide fails validation against the winner's state.
func (s *Service) transition(ctx context.Context, id uuid.UUID, action Action, actor, reason, token string, mutate mutation) (*transitionResult, error) {
	var (
		cur  *Request
		next *Request
		t    *Transition
		d    *Decision
	)
	for attempt := 1; ; attempt++ {
		var err error
		cur, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if token != "" {
			if res, ok, err := s.replay(ctx, id, action, token); ok || err != nil {
				return res, err
			}
		}
		if err := ValidateTransition(cur.State, action); err != nil {
			return nil, fmt.Errorf("%s: %w", cur.Code, err)
		}

		now := s.clock.Now()
		next = cur.clone()
		next.Sequence = cur.Sequence + 1
		next.UpdatedAt = now
		d, err = mutate(cur, next, now)
		if err != nil {
			return nil, err
		}
		t = &Transition{
			RequestID:        id,
			Sequence:         next.Sequence,
			Action:           action,
			From:             cur.State,
			To:               next.State,
			Actor:            actor,
			Reason:           reason,
			IdempotencyToken: token,
			At:               now,
		}

		err = s.repo.Apply(ctx, Change{Request: next, ExpectedSequence: cur.Sequence, Transition: t, Decision: d})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("apply %s: %w", action, err)
		}
		if attempt == applyAttempts {
			return nil, fmt.Errorf("%w: %s was modified concurrently", ErrIllegalTransition, cur.Code)
		}
		s.logger.Debug().Str("code", cur.Code).Str("action", string(action)).Int("attempt", attempt).Msg("sequence conflict, re-reading")
	}
	s.auditor.Transition(ctx, next, t)
	return &transitionResult{req: next, decision: d, transition: t}, nil
}

// replay returns the original result when token was already applied.
func (s *Service) replay(ctx context.Context, id uuid.UUID, action Action, token string) (*transitionResult, bool, error) {
	t, err := s.repo.FindTransition(ctx, id, token)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup transition token: %w", err)
	}
	if t.Action != action {
		return nil, false, fmt.Errorf("%w: token %q was already used for %s", ErrIllegalTransition, token, t.Action)
	}
	req, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	res := &transitionResult{req: req, transition: t, replay: true}
	if action == ActionDecide {
		res.decision, err = s.decisionAt(ctx, id, t.Sequence)
		if err != nil {
			return nil, false, err
		}
	}
	return res, true, nil
}

func (s *Service) decisionAt(ctx context.Context, id uuid.UUID, seq int) (*Decision, error) {
	ds, err := s.repo.ListDecisions(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, d := range ds {
		if d.Sequence == seq {
			return d, nil
		}
	}
	return nil, fmt.Errorf("decision for transition %d: %w", seq, ErrNotFound)
}

// Decide records a reviewer decision on an OPEN or REOPENED request. Of two
// concurrent calls only one succeeds; the other gets ErrIllegalTransition.
func (s *Service) Decide(ctx context.Context, id uuid.UUID, in DecideInput) (*Decision, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return s.decide(ctx, id, in, nil)
}

// decide applies a decision. tmpl carries auto-responder fields when set.
func (s *Service) decide(ctx context.Context, id uuid.UUID, in DecideInput, tmpl *Decision) (*Decision, error) {
	res, err := s.transition(ctx, id, ActionDecide, in.ReviewerID, in.Justification, in.IdempotencyToken,
		func(_, next *Request, now time.Time) (*Decision, error) {
			d := &Decision{
				ID:            uuid.New(),
				RequestID:     id,
				Outcome:       in.Outcome,
				ReviewerID:    in.ReviewerID,
				Justification: in.Justification,
				DecidedAt:     now,
				Sequence:      next.Sequence,
			}
			if tmpl != nil {
				d.Automatic = tmpl.Automatic
				d.GuidanceMessage = tmpl.GuidanceMessage
				d.EstimatedTimeToService = tmpl.EstimatedTimeToService
			}
			next.State = in.Outcome.state()
			next.DecisionID = &d.ID
			next.DecidedAt = &now
			return d, nil
		})
	if err != nil {
		return nil, err
	}
	if !res.replay {
		s.closeEscalations(ctx, res.req, "decided")
		s.emit(ctx, res.req, EventDecided, res.transition, res.decision)
	}
	return res.decision, nil
}

// Reopen returns a decided request to review within the grace window. The
// previous decision is kept in history but no longer authoritative.
func (s *Service) Reopen(ctx context.Context, id uuid.UUID, in ReopenInput) (*Request, error) {
	res, err := s.transition(ctx, id, ActionReopen, in.Actor, in.Reason, in.IdempotencyToken,
		func(cur, next *Request, now time.Time) (*Decision, error) {
			if cur.DecidedAt == nil || now.Sub(*cur.DecidedAt) > s.cfg.ReopenGrace {
				return nil, fmt.Errorf("%w: %s can only be reopened within %s of its decision", ErrWindowExpired, cur.Code, s.cfg.ReopenGrace)
			}
			next.State = StateReopened
			next.DecisionID = nil
			next.DecidedAt = nil
			next.OpenedAt = now
			next.DeadlineAt = now.Add(s.sla(next.Priority))
			next.ReopenCount++
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	if !res.replay {
		s.emit(ctx, res.req, EventReopened, res.transition, nil)
	}
	return res.req, nil
}

// Cancel withdraws a pending request.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, in CancelInput) (*Request, error) {
	res, err := s.transition(ctx, id, ActionCancel, in.Actor, in.Reason, in.IdempotencyToken,
		func(_, next *Request, _ time.Time) (*Decision, error) {
			next.State = StateCancelled
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	if !res.replay {
		s.closeEscalations(ctx, res.req, "cancelled")
		s.emit(ctx, res.req, EventCancelled, res.transition, nil)
	}
	return res.req, nil
}

// Rescore re-runs the current scoring engine on a pending request and
// recomputes its deadline from OpenedAt.
func (s *Service) Rescore(ctx context.Context, id uuid.UUID, actor string) (*Request, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	scored := cur.clone()
	scoreErr := s.score(ctx, scored)

	res, err := s.transition(ctx, id, ActionRescore, actor,
		fmt.Sprintf("score %.4f -> %.4f", cur.Score, scored.Score), "",
		func(_, next *Request, _ time.Time) (*Decision, error) {
			next.Priority = scored.Priority
			next.Score = scored.Score
			next.ScoringFailure = scored.ScoringFailure
			next.DeadlineAt = next.OpenedAt.Add(s.sla(next.Priority))
			return nil, nil
		})
	if err != nil {
		return nil, err
	}
	if scoreErr != nil {
		s.auditor.ScoringFailure(ctx, res.req, scoreErr)
	}
	if res.req.Priority != cur.Priority {
		s.logger.Info().
			Str("code", res.req.Code).
			Str("from", string(cur.Priority)).
			Str("to", string(res.req.Priority)).
			Msg("referral priority changed on rescore")
	}
	return res.req, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Request, error) {
	return s.repo.GetByCode(ctx, code)
}

// ListDecisions returns every decision ever recorded for the request,
// including ones detached by a reopen.
func (s *Service) ListDecisions(ctx context.Context, id uuid.UUID) ([]*Decision, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListDecisions(ctx, id)
}

func (s *Service) ListTransitions(ctx context.Context, id uuid.UUID) ([]*Transition, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, id)
}

// ListOpenCritical returns one page of pending CRITICAL requests, oldest
// OpenedAt first. q.Priority is ignored.
func (s *Service) ListOpenCritical(ctx context.Context, q PendingQuery) ([]*Request, error) {
	q.Priority = scoring.PriorityCritical
	return s.repo.ListPending(ctx, q)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// ---------------------------------------------------------------------------
// Side effects
// ---------------------------------------------------------------------------

func (s *Service) closeEscalations(ctx context.Context, req *Request, resolution string) {
	if s.closer == nil {
		return
	}
	n, err := s.closer.CloseForRequest(ctx, req.ID, resolution)
	if err != nil {
		s.logger.Error().Err(err).Str("code", req.Code).Msg("failed to resolve escalations")
		return
	}
	if n > 0 {
		s.logger.Info().Str("code", req.Code).Int("resolved", n).Msg("escalations resolved")
	}
}

// emit hands the transition's event to the notifier. Delivery problems are
// logged; they never fail the transition that already happened.
func (s *Service) emit(ctx context.Context, req *Request, kind string, t *Transition, d *Decision) {
	if s.notifier == nil {
		return
	}
	ev := notification.Event{
		Kind:             kind,
		Audiences:        s.audiences(req, kind),
		Payload:          eventPayload(req, d),
		Priority:         eventPriority(req, kind),
		IdempotencyToken: EventToken(req.ID, t.Sequence, kind),
		CreatedAt:        t.At,
	}
	rep, err := s.notifier.Dispatch(ctx, ev)
	if err != nil {
		s.logger.Error().Err(err).Str("code", req.Code).Str("kind", kind).Msg("event dispatch failed")
		return
	}
	if !rep.Complete() {
		s.logger.Warn().Str("code", req.Code).Str("kind", kind).Int("outcomes", len(rep.Outcomes)).Msg("event not fully delivered")
	}
}

func (s *Service) audiences(req *Request, kind string) []notification.Audience {
	switch kind {
	case EventDecided, EventCancelled:
		if req.OriginClinic != "" {
			return []notification.Audience{notification.ToRole(s.cfg.ClinicRolePrefix + req.OriginClinic)}
		}
		if req.SubmittedBy != "" {
			return []notification.Audience{notification.ToUser(req.SubmittedBy)}
		}
	}
	return []notification.Audience{notification.ToRole(s.cfg.ReviewerRole)}
}

func eventPriority(req *Request, kind string) notification.Priority {
	if (kind == EventCreated || kind == EventReopened) && req.Priority == scoring.PriorityCritical {
		return notification.PriorityHigh
	}
	return notification.PriorityNormal
}

func eventPayload(req *Request, d *Decision) map[string]any {
	p := map[string]any{
		"request_id":  req.ID.String(),
		"code":        req.Code,
		"state":       string(req.State),
		"priority":    string(req.Priority),
		"score":       req.Score,
		"specialty":   req.Specialty,
		"deadline_at": req.DeadlineAt,
	}
	if d != nil {
		p["decision_id"] = d.ID.String()
		p["outcome"] = string(d.Outcome)
		p["reviewer_id"] = d.ReviewerID
		p["automatic"] = d.Automatic
		if d.GuidanceMessage != "" {
			p["guidance_message"] = d.GuidanceMessage
			p["estimated_time_to_service"] = d.EstimatedTimeToService
		}
	}
	return p
}
