package notification

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testDirectory() *StaticDirectory {
	return NewStaticDirectory(
		Recipient{
			ID:    "dr-ruiz",
			Roles: []string{"reviewer"},
			Contacts: map[ChannelName]string{
				ChannelMessage: "+34600000001",
				ChannelUrgent:  "pager-ruiz",
			},
		},
		Recipient{
			ID:    "dr-lopez",
			Roles: []string{"reviewer", "supervisor"},
			Contacts: map[ChannelName]string{
				ChannelMessage: "+34600000002",
				ChannelUrgent:  "pager-lopez",
			},
		},
		Recipient{
			ID:    "dr-vega",
			Roles: []string{"supervisor"},
		},
	)
}

func fastConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.RecipientRate = rate.Inf
	return cfg
}

type channels struct {
	inApp, message, urgent *MockChannel
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) (*Dispatcher, channels, *MemoryLedger) {
	t.Helper()
	chs := channels{
		inApp:   NewMockChannel(ChannelInApp),
		message: NewMockChannel(ChannelMessage),
		urgent:  NewMockChannel(ChannelUrgent),
	}
	ledger := NewMemoryLedger()
	d := NewDispatcher(testDirectory(), ledger, cfg, zerolog.Nop(), chs.inApp, chs.message, chs.urgent)
	return d, chs, ledger
}

func TestDispatch_ChannelsFollowPriority(t *testing.T) {
	tests := []struct {
		priority Priority
		inApp    int
		message  int
		urgent   int
	}{
		{PriorityNormal, 2, 0, 0},
		{PriorityHigh, 2, 2, 0},
		{PriorityCritical, 2, 2, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			d, chs, _ := newTestDispatcher(t, fastConfig())
			rep, err := d.Dispatch(context.Background(), Event{
				Kind:             "escalation.raised",
				Audiences:        []Audience{ToRole("reviewer")},
				Priority:         tt.priority,
				IdempotencyToken: "tok-" + string(tt.priority),
			})
			require.NoError(t, err)
			assert.Len(t, chs.inApp.Calls(), tt.inApp)
			assert.Len(t, chs.message.Calls(), tt.message)
			assert.Len(t, chs.urgent.Calls(), tt.urgent)
			assert.Equal(t, tt.inApp+tt.message+tt.urgent, rep.Count(OutcomeDelivered))
			assert.True(t, rep.Complete())
		})
	}
}

func TestDispatch_DeduplicatesRecipients(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())

	rep, err := d.Dispatch(context.Background(), Event{
		Kind:             "escalation.raised",
		Audiences:        []Audience{ToRole("reviewer"), ToRole("supervisor"), ToUser("dr-lopez")},
		Priority:         PriorityNormal,
		IdempotencyToken: "tok",
	})
	require.NoError(t, err)

	ids := map[string]int{}
	for _, c := range chs.inApp.Calls() {
		ids[c.Recipient.ID]++
	}
	assert.Equal(t, map[string]int{"dr-ruiz": 1, "dr-lopez": 1, "dr-vega": 1}, ids)
	assert.Len(t, rep.Outcomes, 3)
}

func TestDispatch_RepeatIsDuplicate(t *testing.T) {
	d, chs, ledger := newTestDispatcher(t, fastConfig())
	ev := Event{
		Kind:             "referral.decided",
		Audiences:        []Audience{ToUser("dr-ruiz")},
		Priority:         PriorityHigh,
		IdempotencyToken: "req-1:2:referral.decided",
	}

	first, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Count(OutcomeDelivered))

	second, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Count(OutcomeDuplicate))
	assert.Zero(t, second.Count(OutcomeDelivered))

	assert.Len(t, chs.inApp.Calls(), 1)
	assert.Len(t, chs.message.Calls(), 1)
	assert.Equal(t, 2, ledger.Len())
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())
	chs.inApp.FailTimes = 2

	rep, err := d.Dispatch(context.Background(), Event{
		Kind:             "referral.created",
		Audiences:        []Audience{ToUser("dr-ruiz")},
		Priority:         PriorityNormal,
		IdempotencyToken: "tok",
	})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, OutcomeDelivered, rep.Outcomes[0].Status)
	assert.Equal(t, 3, rep.Outcomes[0].Attempts)
}

func TestDispatch_TransientExhaustsAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	d, chs, ledger := newTestDispatcher(t, cfg)
	chs.inApp.FailTimes = 100

	rep, err := d.Dispatch(context.Background(), Event{
		Kind:             "referral.created",
		Audiences:        []Audience{ToUser("dr-ruiz")},
		Priority:         PriorityNormal,
		IdempotencyToken: "tok",
	})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, OutcomeFailedTransient, rep.Outcomes[0].Status)
	assert.Equal(t, 3, chs.inApp.Attempts())
	assert.False(t, rep.Complete())
	assert.Zero(t, ledger.Len())
}

func TestDispatch_PermanentNotRetried(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())
	chs.urgent.FailTimes = 100
	chs.urgent.FailError = fmt.Errorf("%w: gateway responded 400", ErrDeliveryPermanent)

	rep, err := d.Dispatch(context.Background(), Event{
		Kind:             "escalation.raised",
		Audiences:        []Audience{ToUser("dr-ruiz")},
		Priority:         PriorityCritical,
		IdempotencyToken: "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, chs.urgent.Attempts())
	assert.Equal(t, 1, rep.Count(OutcomeFailedPermanent))
	assert.Equal(t, 2, rep.Count(OutcomeDelivered))
	assert.True(t, rep.Complete())
}

func TestDispatch_SkipsMissingContactsAndUnknownUsers(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())

	rep, err := d.Dispatch(context.Background(), Event{
		Kind:             "escalation.raised",
		Audiences:        []Audience{ToUser("dr-vega"), ToUser("nobody")},
		Priority:         PriorityCritical,
		IdempotencyToken: "tok",
	})
	require.NoError(t, err)
	assert.Len(t, chs.inApp.Calls(), 1)
	assert.Empty(t, chs.message.Calls())
	assert.Empty(t, chs.urgent.Calls())
	// dr-vega: in_app delivered, message+urgent skipped; nobody: skipped.
	assert.Equal(t, 3, rep.Count(OutcomeSkipped))
	assert.Equal(t, 1, rep.Count(OutcomeDelivered))
}

func TestDispatch_InvalidAudience(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())

	_, err := d.Dispatch(context.Background(), Event{
		Kind:             "referral.created",
		Audiences:        []Audience{{Role: "reviewer", UserID: "dr-ruiz"}},
		Priority:         PriorityNormal,
		IdempotencyToken: "tok",
	})
	assert.ErrorIs(t, err, ErrInvalidAudience)
	assert.Zero(t, chs.inApp.Attempts())
}

func TestDispatch_UnregisteredChannelSkipped(t *testing.T) {
	var logs bytes.Buffer
	inApp := NewMockChannel(ChannelInApp)
	d := NewDispatcher(testDirectory(), nil, fastConfig(), zerolog.New(&logs), inApp)
	assert.Equal(t, []ChannelName{ChannelMessage, ChannelUrgent}, d.unconfigured())
	assert.Contains(t, logs.String(), `"channel":"message"`)
	assert.Contains(t, logs.String(), `"channel":"urgent"`)

	rep, err := d.Dispatch(context.Background(), Event{
		Kind:             "escalation.raised",
		Audiences:        []Audience{ToUser("dr-ruiz")},
		Priority:         PriorityCritical,
		IdempotencyToken: "tok",
	})
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, Outcome{RecipientID: "dr-ruiz", Channel: ChannelInApp, Status: OutcomeDelivered, Attempts: 1}, rep.Outcomes[0])
	for _, o := range rep.Outcomes[1:] {
		assert.Equal(t, OutcomeSkipped, o.Status, o.Channel)
		assert.Equal(t, "channel not configured", o.Error)
	}
	assert.True(t, rep.Complete())
}

func TestDispatcher_EvictsIdleLimiters(t *testing.T) {
	cfg := fastConfig()
	cfg.RecipientRate = rate.Limit(5)
	cfg.RecipientBurst = 10
	d, _, _ := newTestDispatcher(t, cfg)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		d.limiter(fmt.Sprintf("user-%d", i))
	}
	assert.Len(t, d.limiters, 100)

	now = now.Add(30 * time.Second)
	active := d.limiter("user-7")
	assert.Len(t, d.limiters, 100, "nothing idle long enough yet")

	now = now.Add(45 * time.Second)
	assert.Same(t, active, d.limiter("user-7"))
	assert.Len(t, d.limiters, 1)

	d.limiter("user-8")
	assert.Len(t, d.limiters, 2)
}

func TestDispatch_ConcurrentDispatchesAreSafe(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), Event{
				Kind:             "referral.created",
				Audiences:        []Audience{ToRole("reviewer")},
				Priority:         PriorityNormal,
				IdempotencyToken: fmt.Sprintf("tok-%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, chs.inApp.Calls(), 40)
}

func TestDispatch_CancelledContext(t *testing.T) {
	d, chs, _ := newTestDispatcher(t, fastConfig())
	chs.inApp.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rep, err := d.Dispatch(ctx, Event{
		Kind:             "referral.created",
		Audiences:        []Audience{ToUser("dr-ruiz")},
		Priority:         PriorityNormal,
		IdempotencyToken: "tok",
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, OutcomeFailedTransient, rep.Outcomes[0].Status)
}
