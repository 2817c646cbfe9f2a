package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
	"github.com/Mutter0815/DripScheduler/pkg/metrics"
)

type Summary struct {
	DueCount       int `json:"due_count"`
	SentCount      int `json:"sent_count"`
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`
	SkippedCount   int `json:"skipped_count"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeSkipped
)

type counters struct {
	sent, completed, failed, skipped atomic.Int64
}

func (c *counters) add(o outcome) {
	switch o {
	case outcomeSent:
		c.sent.Add(1)
	case outcomeCompleted:
		c.completed.Add(1)
	case outcomeFailed:
		c.failed.Add(1)
	default:
		c.skipped.Add(1)
	}
}

// Sweep dispatches the next step of every due subscription. Items run
// concurrently up to Config.Concurrency; an error on one item is logged and
// counted and never stops the others. Only a failure to list due
// subscriptions is returned.
func (d *Dispatcher) Sweep(ctx context.Context) (Summary, error) {
	start := time.Now()
	metrics.SweepRuns.Inc()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	due, err := d.ledger.DueSubscriptions(ctx, d.now())
	if err != nil {
		return Summary{}, fmt.Errorf("list due subscriptions: %w", err)
	}
	metrics.SweepDue.Add(float64(len(due)))

	var c counters
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range due {
		g.Go(func() error {
			c.add(d.sweepOne(ctx, sub))
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{
		DueCount:       len(due),
		SentCount:      int(c.sent.Load()),
		CompletedCount: int(c.completed.Load()),
		FailedCount:    int(c.failed.Load()),
		SkippedCount:   int(c.skipped.Load()),
	}
	logx.L().Infow("sweep_done",
		"due", sum.DueCount,
		"sent", sum.SentCount,
		"completed", sum.CompletedCount,
		"failed", sum.FailedCount,
		"skipped", sum.SkippedCount,
		"took", time.Since(start).String(),
	)
	return sum, nil
}

// sweepOne claims sub at its current index and sends the next step. Claim
// and completion times come from the clock at that moment, not from the
// tick start, so a long tick never hands out claims that are already stale.
func (d *Dispatcher) sweepOne(ctx context.Context, sub campaign.Subscription) (o outcome) {
	fields := []any{"subscription_id", sub.ID, "campaign_id", sub.CampaignID, "lead_id", sub.LeadID}
	defer func() {
		if r := recover(); r != nil {
			logx.L().Errorw("sweep_item_panic", append(fields, "panic", r)...)
			metrics.Dispatches.WithLabelValues("sweep", "error").Inc()
			o = outcomeFailed
		}
	}()

	target := sub.CurrentStepIndex + 1
	token := d.newToken()
	won, err := d.ledger.ClaimStep(ctx, sub.ID, sub.CurrentStepIndex, token, d.now(), d.cfg.ClaimLease)
	if err != nil {
		logx.L().Errorw("claim_error", append(fields, "error", err)...)
		metrics.Dispatches.WithLabelValues("sweep", "error").Inc()
		return outcomeFailed
	}
	if !won {
		logx.L().Debugw("claim_lost", append(fields, "step_order", target)...)
		metrics.Dispatches.WithLabelValues("sweep", "skipped").Inc()
		return outcomeSkipped
	}

	// Steps are resolved under the claim.
	wctx := context.WithoutCancel(ctx)
	step, err := d.ledger.GetStep(ctx, sub.CampaignID, target)
	if errors.Is(err, campaign.ErrStepNotFound) {
		d.release(wctx, sub.ID, token, nil, fields)
		return d.complete(ctx, sub, fields)
	}
	if err != nil {
		logx.L().Errorw("get_step_error", append(fields, "step_order", target, "error", err)...)
		d.release(wctx, sub.ID, token, err, fields)
		metrics.Dispatches.WithLabelValues("sweep", "error").Inc()
		return outcomeFailed
	}

	if _, err := d.dispatch(ctx, "sweep", sub, step, token); err != nil {
		if errors.Is(err, campaign.ErrConcurrentAdvance) {
			return outcomeSkipped
		}
		if !errors.Is(err, campaign.ErrDelivery) && !errors.Is(err, campaign.ErrLeadNotFound) {
			logx.L().Errorw("dispatch_error", append(fields, "step_order", target, "error", err)...)
			metrics.Dispatches.WithLabelValues("sweep", "error").Inc()
		}
		return outcomeFailed
	}
	return outcomeSent
}

// complete closes a subscription that has no step after its current index.
// It only succeeds while nobody else holds a live claim on the row.
func (d *Dispatcher) complete(ctx context.Context, sub campaign.Subscription, fields []any) outcome {
	done, err := d.ledger.Complete(ctx, sub.ID, sub.CurrentStepIndex, d.now(), d.cfg.ClaimLease)
	if err != nil {
		logx.L().Errorw("complete_error", append(fields, "error", err)...)
		metrics.Dispatches.WithLabelValues("sweep", "error").Inc()
		return outcomeFailed
	}
	if !done {
		metrics.Dispatches.WithLabelValues("sweep", "skipped").Inc()
		return outcomeSkipped
	}
	logx.L().Infow("subscription_completed", fields...)
	metrics.Dispatches.WithLabelValues("sweep", "completed").Inc()
	return outcomeCompleted
}
