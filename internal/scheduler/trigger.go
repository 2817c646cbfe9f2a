package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
)

// TriggerNow sends one step of an active subscription immediately,
// ignoring next_run_at. stepOrder defaults to the next step. A step at or
// before the current index is a resend and does not move the index back;
// a later step skips the ones in between.
func (d *Dispatcher) TriggerNow(ctx context.Context, subscriptionID int64, stepOrder *int) (campaign.TriggerResp, error) {
	sub, err := d.ledger.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return campaign.TriggerResp{}, err
	}
	if sub.Status != campaign.StatusActive {
		return campaign.TriggerResp{}, fmt.Errorf("%w: status is %s", campaign.ErrSubscriptionNotActive, sub.Status)
	}

	order := sub.CurrentStepIndex + 1
	if stepOrder != nil {
		order = *stepOrder
	}
	if order < 1 {
		return campaign.TriggerResp{}, campaign.ErrStepNotFound
	}

	token := d.newToken()
	won, err := d.ledger.ClaimStep(ctx, sub.ID, sub.CurrentStepIndex, token, d.now(), d.cfg.ClaimLease)
	if err != nil {
		return campaign.TriggerResp{}, fmt.Errorf("claim subscription %d: %w", sub.ID, err)
	}
	if !won {
		return campaign.TriggerResp{}, fmt.Errorf("%w: step %d of subscription %d is being sent or was already sent by another sender",
			campaign.ErrConcurrentAdvance, order, sub.ID)
	}

	step, err := d.ledger.GetStep(ctx, sub.CampaignID, order)
	if err != nil {
		d.release(context.WithoutCancel(ctx), sub.ID, token, nil, []any{"source", "trigger", "subscription_id", sub.ID, "step_order", order})
		return campaign.TriggerResp{}, err
	}

	res, err := d.dispatch(ctx, "trigger", sub, step, token)
	if err != nil {
		if errors.Is(err, campaign.ErrLeadNotFound) {
			return campaign.TriggerResp{}, fmt.Errorf("%w: %w", campaign.ErrStaleData, err)
		}
		return campaign.TriggerResp{}, err
	}
	return campaign.TriggerResp{
		SubscriptionID:    sub.ID,
		StepOrder:         step.Order,
		ProviderMessageID: res.messageID,
		Status:            res.sub.Status,
		CurrentStepIndex:  res.sub.CurrentStepIndex,
	}, nil
}
