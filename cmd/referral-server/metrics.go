package main

import (
	"context"

	"github.com/vitalred/referral/internal/domain/escalation"
	"github.com/vitalred/referral/internal/domain/referral"
	"github.com/vitalred/referral/internal/platform/notification"
	"github.com/vitalred/referral/internal/platform/telemetry"
)

// meteredAuditor counts lifecycle events before handing them to the audit
// log.
type meteredAuditor struct {
	next    referral.Auditor
	metrics *telemetry.Provider
}

func (a meteredAuditor) ScoringFailure(ctx context.Context, req *referral.Request, cause error) {
	a.metrics.RecordScoringFailure(ctx)
	a.next.ScoringFailure(ctx, req, cause)
}

func (a meteredAuditor) Transition(ctx context.Context, req *referral.Request, t *referral.Transition) {
	a.metrics.RecordTransition(ctx, string(t.Action), string(t.To))
	a.next.Transition(ctx, req, t)
}

// meteredNotifier counts delivery outcomes per channel and status.
type meteredNotifier struct {
	next    referral.Notifier
	metrics *telemetry.Provider
}

func (n meteredNotifier) Dispatch(ctx context.Context, ev notification.Event) (notification.Report, error) {
	rep, err := n.next.Dispatch(ctx, ev)
	type key struct {
		channel notification.ChannelName
		status  notification.OutcomeStatus
	}
	counts := map[key]int{}
	for _, o := range rep.Outcomes {
		counts[key{o.Channel, o.Status}]++
	}
	for k, c := range counts {
		n.metrics.RecordDeliveries(ctx, string(k.channel), string(k.status), c)
	}
	return rep, err
}

func observeTick(metrics *telemetry.Provider) func(context.Context, escalation.TickReport) {
	return func(ctx context.Context, rep escalation.TickReport) {
		metrics.RecordTick(ctx, telemetry.TickStats{
			Skipped:    rep.Skipped,
			Escalated:  rep.Escalated,
			Renotified: rep.Renotified,
			Errors:     len(rep.Errors),
		})
	}
}
