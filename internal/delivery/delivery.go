package delivery

import (
	"context"
	"strconv"

	"golang.org/x/time/rate"
)

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
	Tags     []Tag
}

type Result struct {
	ProviderMessageID string
}

// Provider delivers one rendered email. A non-nil error means the email was
// not accepted and may be retried.
type Provider interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// StepTags builds the correlation tags webhooks use to find the
// campaign, lead and step of a delivered email.
func StepTags(campaignID, leadID, stepID int64, stepOrder int) []Tag {
	return []Tag{
		{Name: "campaign_id", Value: strconv.FormatInt(campaignID, 10)},
		{Name: "lead_id", Value: strconv.FormatInt(leadID, 10)},
		{Name: "step_id", Value: strconv.FormatInt(stepID, 10)},
		{Name: "step_order", Value: strconv.Itoa(stepOrder)},
	}
}

type rateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// RateLimited caps the send rate of p at perSecond with the given burst.
func RateLimited(p Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Send(ctx context.Context, msg Message) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	return r.next.Send(ctx, msg)
}
