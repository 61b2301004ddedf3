package escalation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalred/referral/internal/domain/referral"
	"github.com/vitalred/referral/internal/platform/clock"
	"github.com/vitalred/referral/internal/platform/notification"
)

// RequestSource is the read side of the referral lifecycle.
type RequestSource interface {
	// ListOpenCritical returns one page of pending CRITICAL requests ordered
	// by (OpenedAt, Code).
	ListOpenCritical(ctx context.Context, q referral.PendingQuery) ([]*referral.Request, error)
	Get(ctx context.Context, id uuid.UUID) (*referral.Request, error)
}

type SchedulerConfig struct {
	Interval          time.Duration
	FirstWarningAfter time.Duration
	BreachAfter       time.Duration
	// BatchSize is the page size a tick reads pending requests in.
	BatchSize      int
	ReviewerRole   string
	SupervisorRole string
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:          60 * time.Second,
		FirstWarningAfter: time.Hour,
		BreachAfter:       2 * time.Hour,
		BatchSize:         500,
		ReviewerRole:      "reviewer",
		SupervisorRole:    "supervisor",
	}
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	Processed  int     `json:"processed"`
	Escalated  int     `json:"escalated"`
	Renotified int     `json:"renotified"`
	Skipped    bool    `json:"skipped"`
	Errors     []error `json:"-"`
}

// ErrorStrings renders Errors for JSON responses and logs.
func (r TickReport) ErrorStrings() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}

type SchedulerOption func(*Scheduler)

func WithLeader(l Leader) SchedulerOption { return func(s *Scheduler) { s.leader = l } }
func WithSchedulerClock(c clock.Clock) SchedulerOption { return func(s *Scheduler) { s.clock = c } }

// WithTickObserver registers fn to receive the report of every tick run by
// Start.
func WithTickObserver(fn func(context.Context, TickReport)) SchedulerOption {
	return func(s *Scheduler) { s.observe = fn }
}

// Scheduler raises escalation records for CRITICAL requests that stay
// undecided past the warning and breach thresholds.
type Scheduler struct {
	source   RequestSource
	repo     Repository
	notifier referral.Notifier
	leader   Leader
	clock    clock.Clock
	cfg      SchedulerConfig
	logger   zerolog.Logger
	observe  func(context.Context, TickReport)

	running atomic.Bool
}

func NewScheduler(source RequestSource, repo Repository, notifier referral.Notifier, cfg SchedulerConfig, logger zerolog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FirstWarningAfter <= 0 {
		cfg.FirstWarningAfter = def.FirstWarningAfter
	}
	if cfg.BreachAfter <= 0 {
		cfg.BreachAfter = def.BreachAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ReviewerRole == "" {
		cfg.ReviewerRole = def.ReviewerRole
	}
	if cfg.SupervisorRole == "" {
		cfg.SupervisorRole = def.SupervisorRole
	}
	if cfg.BreachAfter <= cfg.FirstWarningAfter {
		return nil, fmt.Errorf("escalation: breach threshold %s must exceed first warning %s", cfg.BreachAfter, cfg.FirstWarningAfter)
	}
	s := &Scheduler{
		source:   source,
		repo:     repo,
		notifier: notifier,
		clock:    clock.Real{},
		cfg:      cfg,
		logger:   logger.With().Str("component", "escalation-scheduler").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start runs a tick every Interval until ctx is cancelled. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("escalation scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("escalation scheduler stopped")
			return
		case <-ticker.C:
			rep := s.RunTick(ctx, s.clock.Now())
			s.logTick(rep)
		}
	}
}

func (s *Scheduler) logTick(rep TickReport) {
	if rep.Skipped {
		s.logger.Debug().Msg("tick skipped")
		return
	}
	ev := s.logger.Info()
	if len(rep.Errors) > 0 {
		ev = s.logger.Warn().Strs("errors", rep.ErrorStrings())
	}
	ev.Int("processed", rep.Processed).
		Int("escalated", rep.Escalated).
		Int("renotified", rep.Renotified).
		Msg("escalation tick")
}

// RunTick evaluates every pending CRITICAL request at now. A tick started
// while another is running, or while another replica holds the lease,
// returns Skipped. Per-request failures are collected and never stop the
// tick; cancellation does, leaving the rest for the next tick.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) TickReport {
	if !s.running.CompareAndSwap(false, true) {
		return TickReport{Skipped: true}
	}
	defer s.running.Store(false)

	var rep TickReport
	if s.leader != nil {
		release, ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, err)
			return rep
		}
		if !ok {
			return TickReport{Skipped: true}
		}
		defer release()
	}

	// Requests younger than the first threshold have nothing due.
	q := referral.PendingQuery{OpenedBy: now.Add(-s.cfg.FirstWarningAfter), Limit: s.cfg.BatchSize}
	for {
		if err := ctx.Err(); err != nil {
			rep.Errors = append(rep.Errors, err)
			return rep
		}
		reqs, err := s.source.ListOpenCritical(ctx, q)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("list open critical requests: %w", err))
			return rep
		}
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				rep.Errors = append(rep.Errors, err)
				return rep
			}
			rep.Processed++
			for _, tier := range s.dueTiers(now.Sub(req.OpenedAt)) {
				if err := s.escalate(ctx, req, tier, now, &rep); err != nil {
					rep.Errors = append(rep.Errors, fmt.Errorf("%s %s: %w", req.Code, tier, err))
				}
			}
		}
		if q.Limit <= 0 || len(reqs) < q.Limit {
			return rep
		}
		q.After = referral.CursorAfter(reqs[len(reqs)-1])
	}
}

func (s *Scheduler) dueTiers(elapsed time.Duration) []Tier {
	var tiers []Tier
	if elapsed >= s.cfg.FirstWarningAfter {
		tiers = append(tiers, TierFirstWarning)
	}
	if elapsed >= s.cfg.BreachAfter {
		tiers = append(tiers, TierCriticalBreach)
	}
	return tiers
}

// escalate creates the tier's record if absent and notifies while the record
// is open and not yet notified.
func (s *Scheduler) escalate(ctx context.Context, req *referral.Request, tier Tier, now time.Time, rep *TickReport) error {
	rec, created, err := s.repo.CreateIfAbsent(ctx, &Record{
		ID:          uuid.New(),
		RequestID:   req.ID,
		RequestCode: req.Code,
		Tier:        tier,
		EpisodeAt:   req.OpenedAt,
		RaisedAt:    now,
	})
	if err != nil {
		return err
	}
	if created {
		// The request may have been decided after it was listed; its
		// closer ran before this record existed.
		cur, err := s.source.Get(ctx, req.ID)
		if err != nil {
			return err
		}
		if !cur.Pending() || cur.Priority != req.Priority || !cur.OpenedAt.Equal(req.OpenedAt) {
			_, err := s.repo.ResolveOpen(ctx, req.ID, "stale", now)
			return err
		}
		rep.Escalated++
		s.logger.Warn().
			Str("escalation", rec.ID.String()).
			Str("code", req.Code).
			Str("tier", string(tier)).
			Dur("elapsed", now.Sub(req.OpenedAt)).
			Msg("escalation raised")
	}
	if !rec.Open() || rec.NotifiedAt != nil {
		return nil
	}
	if !created {
		rep.Renotified++
	}
	return s.notify(ctx, req, rec, now)
}

func (s *Scheduler) notify(ctx context.Context, req *referral.Request, rec *Record, now time.Time) error {
	if s.notifier == nil {
		return s.repo.MarkNotified(ctx, rec.ID, now)
	}
	ev := notification.Event{
		Kind:             EventKind(rec.Tier),
		Audiences:        s.audiences(rec.Tier),
		Priority:         notification.PriorityHigh,
		IdempotencyToken: "escalation:" + rec.ID.String(),
		CreatedAt:        rec.RaisedAt,
		Payload: map[string]any{
			"escalation_id":   rec.ID.String(),
			"request_id":      req.ID.String(),
			"code":            req.Code,
			"tier":            string(rec.Tier),
			"specialty":       req.Specialty,
			"score":           req.Score,
			"opened_at":       req.OpenedAt,
			"deadline_at":     req.DeadlineAt,
			"elapsed_minutes": int(now.Sub(req.OpenedAt).Minutes()),
		},
	}
	if rec.Tier == TierCriticalBreach {
		ev.Priority = notification.PriorityCritical
	}
	rep, err := s.notifier.Dispatch(ctx, ev)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if n := rep.Count(notification.OutcomeFailedTransient); n > 0 {
		return fmt.Errorf("dispatch: %d deliveries pending retry", n)
	}
	// Left unnotified so the next tick dispatches again once a channel or
	// recipient can be reached.
	if !rep.Complete() {
		return fmt.Errorf("dispatch: no recipient reached (%d outcomes)", len(rep.Outcomes))
	}
	return s.repo.MarkNotified(ctx, rec.ID, now)
}

func (s *Scheduler) audiences(tier Tier) []notification.Audience {
	out := []notification.Audience{notification.ToRole(s.cfg.ReviewerRole)}
	if tier == TierCriticalBreach {
		out = append(out, notification.ToRole(s.cfg.SupervisorRole))
	}
	return out
}

// EventKind names the notification event for a tier, e.g.
// "escalation.critical_breach".
func EventKind(t Tier) string {
	return "escalation." + strings.ToLower(string(t))
}
