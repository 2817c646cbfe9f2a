package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
	"github.com/Mutter0815/DripScheduler/internal/delivery"
	"github.com/Mutter0815/DripScheduler/internal/render"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
	"github.com/Mutter0815/DripScheduler/pkg/metrics"
)

// Ledger is the subset of the store the dispatcher needs.
type Ledger interface {
	DueSubscriptions(ctx context.Context, now time.Time) ([]campaign.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (campaign.Subscription, error)
	GetStep(ctx context.Context, campaignID int64, order int) (campaign.Step, error)
	GetLead(ctx context.Context, id int64) (campaign.Lead, error)

	ClaimStep(ctx context.Context, id int64, expectedIndex int, token string, now time.Time, lease time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id int64, token, lastErr string) error
	Advance(ctx context.Context, id int64, token string, dispatchedOrder int, now time.Time) (campaign.Subscription, error)
	MarkFailed(ctx context.Context, id int64, token, reason string) error
	Complete(ctx context.Context, id int64, expectedIndex int, now time.Time, lease time.Duration) (bool, error)
}

type EventRecorder interface {
	Record(ctx context.Context, ev campaign.Event) error
}

type Config struct {
	FromEmail         string
	SendTimeout       time.Duration
	ClaimLease        time.Duration
	Concurrency       int
	FirstNameFallback string
}

// Dispatcher sends campaign steps for the sweep and the manual trigger.
// Each dispatch runs under a per-subscription claim, so two actors never
// send the same step of the same subscription while the claim is live.
type Dispatcher struct {
	ledger   Ledger
	events   EventRecorder
	provider delivery.Provider
	cfg      Config

	now      func() time.Time
	newToken func() string
}

func New(ledger Ledger, events EventRecorder, provider delivery.Provider, cfg Config) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 10 * time.Minute
	}
	return &Dispatcher{
		ledger:   ledger,
		events:   events,
		provider: provider,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: func() string { return uuid.NewString() },
	}
}

// dispatchResult is what a successful claimed send produced.
type dispatchResult struct {
	sub       campaign.Subscription
	messageID string
}

// dispatch sends step for sub while holding token. The caller must have won
// the claim. On a missing lead the subscription is marked failed; on a
// delivery error the claim is released and the ledger is left as it was.
// A claim lost before Advance yields ErrConcurrentAdvance and no sent event.
func (d *Dispatcher) dispatch(ctx context.Context, source string, sub campaign.Subscription, step campaign.Step, token string) (dispatchResult, error) {
	fields := []any{
		"source", source,
		"subscription_id", sub.ID,
		"campaign_id", sub.CampaignID,
		"lead_id", sub.LeadID,
		"step_order", step.Order,
	}

	// Ledger writes that settle a claim outlive the caller's cancellation.
	wctx := context.WithoutCancel(ctx)

	lead, err := d.ledger.GetLead(ctx, sub.LeadID)
	if errors.Is(err, campaign.ErrLeadNotFound) {
		logx.L().Warnw("lead_missing", fields...)
		if err := d.ledger.MarkFailed(wctx, sub.ID, token, campaign.ErrStaleData.Error()); err != nil {
			return dispatchResult{}, err
		}
		metrics.Dispatches.WithLabelValues(source, "failed").Inc()
		return dispatchResult{}, err
	}
	if err != nil {
		d.release(wctx, sub.ID, token, err, fields)
		return dispatchResult{}, err
	}

	out := render.Step(step, render.LeadVars(lead, d.cfg.FirstNameFallback))
	msg := delivery.Message{
		From:     d.cfg.FromEmail,
		To:       lead.InvestorEmail,
		Subject:  out.Subject,
		HTMLBody: out.Body,
		Tags:     delivery.StepTags(sub.CampaignID, sub.LeadID, step.ID, step.Order),
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	res, err := d.provider.Send(sendCtx, msg)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	cancel()
	if err != nil {
		derr := &campaign.DeliveryError{SubscriptionID: sub.ID, StepOrder: step.Order, Err: err}
		logx.L().Warnw("dispatch_failed", append(fields, "error", err)...)
		d.release(wctx, sub.ID, token, derr, fields)
		metrics.Dispatches.WithLabelValues(source, "delivery_error").Inc()
		return dispatchResult{}, derr
	}

	advanced, err := d.ledger.Advance(wctx, sub.ID, token, step.Order, d.now())
	if errors.Is(err, campaign.ErrConcurrentAdvance) {
		// The lease ran out during the send and another actor owns the step
		// now. Its ledger entry and sent event are the ones that count.
		logx.L().Warnw("advance_claim_lost", append(fields, "provider_message_id", res.ProviderMessageID)...)
		metrics.Dispatches.WithLabelValues(source, "claim_lost").Inc()
		return dispatchResult{}, err
	}
	if err != nil {
		logx.L().Errorw("advance_error", append(fields, "provider_message_id", res.ProviderMessageID, "error", err)...)
		return dispatchResult{}, err
	}

	d.recordSent(wctx, sub, step, res.ProviderMessageID, fields)
	metrics.Dispatches.WithLabelValues(source, "sent").Inc()
	logx.L().Infow("step_sent", append(fields,
		"provider_message_id", res.ProviderMessageID,
		"status", advanced.Status,
		"current_step_index", advanced.CurrentStepIndex)...)
	return dispatchResult{sub: advanced, messageID: res.ProviderMessageID}, nil
}

// release gives up the claim. A nil cause clears last_error.
func (d *Dispatcher) release(ctx context.Context, id int64, token string, cause error, fields []any) {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	if err := d.ledger.ReleaseClaim(ctx, id, token, lastErr); err != nil {
		logx.L().Errorw("release_claim_error", append(fields, "error", err)...)
	}
}

func (d *Dispatcher) recordSent(ctx context.Context, sub campaign.Subscription, step campaign.Step, messageID string, fields []any) {
	meta, _ := json.Marshal(map[string]string{"provider_message_id": messageID})
	err := d.events.Record(ctx, campaign.Event{
		CampaignID:     sub.CampaignID,
		StepID:         step.ID,
		StepOrder:      step.Order,
		LeadID:         sub.LeadID,
		SubscriptionID: sub.ID,
		Type:           campaign.EventSent,
		Metadata:       meta,
		CreatedAt:      d.now(),
	})
	if err != nil {
		logx.L().Errorw("record_sent_error", append(fields, "error", err)...)
	}
}
