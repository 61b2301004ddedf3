package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// OutcomeStatus is the result of one (recipient, channel) delivery.
type OutcomeStatus string

const (
	OutcomeDelivered       OutcomeStatus = "delivered"
	OutcomeDuplicate       OutcomeStatus = "duplicate"
	OutcomeFailedTransient OutcomeStatus = "failed_transient"
	OutcomeFailedPermanent OutcomeStatus = "failed_permanent"
	OutcomeSkipped         OutcomeStatus = "skipped"
)

type Outcome struct {
	RecipientID string        `json:"recipient_id"`
	Channel     ChannelName   `json:"channel,omitempty"`
	Status      OutcomeStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
}

// Report summarises a Dispatch call.
type Report struct {
	Token    string    `json:"idempotency_token"`
	Outcomes []Outcome `json:"outcomes"`
}

// Count returns the number of outcomes with the given status.
func (r Report) Count(s OutcomeStatus) int {
	return lo.CountBy(r.Outcomes, func(o Outcome) bool { return o.Status == s })
}

// Complete reports whether the event reached at least one recipient and no
// delivery is left in a retryable state.
func (r Report) Complete() bool {
	reached := r.Count(OutcomeDelivered)+r.Count(OutcomeDuplicate) > 0
	return reached && r.Count(OutcomeFailedTransient) == 0
}

// DispatcherConfig tunes retries, fan-out and channel selection.
type DispatcherConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Concurrency bounds how many recipients are delivered to in parallel.
	Concurrency    int
	RecipientRate  rate.Limit
	RecipientBurst int

	// Policy lists the channels used for each event priority.
	Policy map[Priority][]ChannelName
}

// DefaultPolicy escalates the channel set with the event priority.
func DefaultPolicy() map[Priority][]ChannelName {
	return map[Priority][]ChannelName{
		PriorityNormal:   {ChannelInApp},
		PriorityHigh:     {ChannelInApp, ChannelMessage},
		PriorityCritical: {ChannelInApp, ChannelMessage, ChannelUrgent},
	}
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Concurrency:    8,
		RecipientRate:  rate.Limit(5),
		RecipientBurst: 10,
		Policy:         DefaultPolicy(),
	}
}

// Dispatcher resolves an event's audience and delivers it on every enabled
// channel. It holds no lock across I/O.
type Dispatcher struct {
	dir      Directory
	ledger   DeliveryLedger
	channels map[ChannelName]Channel
	cfg      DispatcherConfig
	logger   zerolog.Logger

	mu        sync.Mutex
	limiters  map[string]*idleLimiter
	lastSweep time.Time
	now       func() time.Time
}

type idleLimiter struct {
	*rate.Limiter
	used time.Time
}

// NewDispatcher creates a Dispatcher. Zero-valued config fields take their defaults.
func NewDispatcher(dir Directory, ledger DeliveryLedger, cfg DispatcherConfig, logger zerolog.Logger, channels ...Channel) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RecipientRate <= 0 {
		cfg.RecipientRate = def.RecipientRate
	}
	if cfg.RecipientBurst <= 0 {
		cfg.RecipientBurst = def.RecipientBurst
	}
	if cfg.Policy == nil {
		cfg.Policy = def.Policy
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	d := &Dispatcher{
		dir:      dir,
		ledger:   ledger,
		channels: make(map[ChannelName]Channel, len(channels)),
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		limiters: make(map[string]*idleLimiter),
		now:      time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	for _, name := range d.unconfigured() {
		d.logger.Warn().Str("channel", string(name)).Msg("policy channel has no sender; deliveries on it are skipped")
	}
	return d
}

// unconfigured lists policy channels with no registered sender.
func (d *Dispatcher) unconfigured() []ChannelName {
	var out []ChannelName
	for _, names := range d.cfg.Policy {
		for _, name := range names {
			if _, ok := d.channels[name]; !ok {
				out = append(out, name)
			}
		}
	}
	out = lo.Uniq(out)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch delivers ev to every resolved recipient on the channels its
// priority enables. Individual delivery failures are reported in the Report;
// an error is returned only for an invalid event, a directory failure or
// context cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Report, error) {
	report := Report{Token: ev.IdempotencyToken}
	if err := ev.Validate(); err != nil {
		return report, err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	recipients, skipped, err := d.resolve(ctx, ev.Audiences)
	if err != nil {
		return report, err
	}
	channels, missing := lo.FilterReject(d.cfg.Policy[ev.Priority], func(c ChannelName, _ int) bool {
		_, ok := d.channels[c]
		return ok
	})

	var mu sync.Mutex
	outcomes := append([]Outcome(nil), skipped...)
	for _, r := range recipients {
		for _, ch := range missing {
			outcomes = append(outcomes, Outcome{RecipientID: r.ID, Channel: ch, Status: OutcomeSkipped, Error: "channel not configured"})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, r := range recipients {
		g.Go(func() error {
			for _, ch := range channels {
				o := d.deliver(gctx, r, ch, ev)
				mu.Lock()
				outcomes = append(outcomes, o)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].RecipientID != outcomes[j].RecipientID {
			return outcomes[i].RecipientID < outcomes[j].RecipientID
		}
		return outcomes[i].Channel < outcomes[j].Channel
	})
	report.Outcomes = outcomes

	d.logger.Info().
		Str("kind", ev.Kind).
		Str("token", ev.IdempotencyToken).
		Str("priority", string(ev.Priority)).
		Int("recipients", len(recipients)).
		Int("delivered", report.Count(OutcomeDelivered)).
		Int("duplicate", report.Count(OutcomeDuplicate)).
		Int("failed", report.Count(OutcomeFailedTransient)+report.Count(OutcomeFailedPermanent)).
		Msg("event dispatched")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// resolve expands audiences into de-duplicated recipients. Unknown user ids
// become skipped outcomes rather than errors.
func (d *Dispatcher) resolve(ctx context.Context, audiences []Audience) ([]Recipient, []Outcome, error) {
	var (
		all     []Recipient
		skipped []Outcome
	)
	for _, a := range audiences {
		if a.Role != "" {
			rs, err := d.dir.ResolveRole(ctx, a.Role)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve role %q: %w", a.Role, err)
			}
			all = append(all, rs...)
			continue
		}
		r, err := d.dir.ResolveUser(ctx, a.UserID)
		if errors.Is(err, ErrUnknownRecipient) {
			skipped = append(skipped, Outcome{RecipientID: a.UserID, Status: OutcomeSkipped, Error: err.Error()})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("resolve user %q: %w", a.UserID, err)
		}
		all = append(all, r)
	}
	return lo.UniqBy(all, func(r Recipient) string { return r.ID }), skipped, nil
}

func (d *Dispatcher) deliver(ctx context.Context, r Recipient, chName ChannelName, ev Event) Outcome {
	out := Outcome{RecipientID: r.ID, Channel: chName}
	env := Envelope{
		Kind:        ev.Kind,
		RecipientID: r.ID,
		Channel:     chName,
		Address:     r.Address(chName),
		Priority:    ev.Priority,
		Payload:     ev.Payload,
		Token:       ev.IdempotencyToken,
		CreatedAt:   ev.CreatedAt,
	}
	if env.Address == "" {
		out.Status = OutcomeSkipped
		out.Error = "no contact address for channel"
		return out
	}

	key := env.DeliveryKey()
	seen, err := d.ledger.Delivered(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("delivery ledger lookup failed")
	}
	if seen {
		out.Status = OutcomeDuplicate
		return out
	}

	ch := d.channels[chName]
	limiter := d.limiter(r.ID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialBackoff
	b.MaxInterval = d.cfg.MaxBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		out.Attempts++
		if err := limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrDeliveryTransient, err))
		}
		err := ch.Send(ctx, r, env)
		if err != nil && !errors.Is(err, ErrDeliveryTransient) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Debug().Err(err).
				Str("recipient", r.ID).
				Str("channel", string(chName)).
				Dur("next", next).
				Msg("retrying delivery")
		}),
	)

	switch {
	case err == nil:
		out.Status = OutcomeDelivered
		if err := d.ledger.Record(ctx, key); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("delivery ledger record failed")
		}
	case errors.Is(err, ErrDeliveryTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Status = OutcomeFailedTransient
		out.Error = err.Error()
	default:
		out.Status = OutcomeFailedPermanent
		out.Error = err.Error()
	}
	if out.Status != OutcomeDelivered {
		d.logger.Warn().
			Str("recipient", r.ID).
			Str("channel", string(chName)).
			Str("status", string(out.Status)).
			Int("attempts", out.Attempts).
			Str("error", out.Error).
			Msg("delivery failed")
	}
	return out
}

// limiter returns the rate limiter for a recipient, creating it on first use.
// Limiters idle long enough to have refilled their burst are dropped, since a
// fresh one behaves the same.
func (d *Dispatcher) limiter(recipientID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if idle := d.limiterIdle(); now.Sub(d.lastSweep) >= idle {
		for id, l := range d.limiters {
			if now.Sub(l.used) >= idle {
				delete(d.limiters, id)
			}
		}
		d.lastSweep = now
	}
	l, ok := d.limiters[recipientID]
	if !ok {
		l = &idleLimiter{Limiter: rate.NewLimiter(d.cfg.RecipientRate, d.cfg.RecipientBurst)}
		d.limiters[recipientID] = l
	}
	l.used = now
	return l.Limiter
}

func (d *Dispatcher) limiterIdle() time.Duration {
	idle := time.Minute
	if d.cfg.RecipientRate != rate.Inf {
		refill := time.Duration(float64(d.cfg.RecipientBurst) / float64(d.cfg.RecipientRate) * float64(time.Second))
		idle = max(idle, refill)
	}
	return idle
}
