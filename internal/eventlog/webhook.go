package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
	"github.com/Mutter0815/DripScheduler/internal/delivery"
)

var ErrIgnoredEvent = errors.New("webhook event type is not tracked")

type WebhookPayload struct {
	Type     string          `json:"type"     binding:"required"`
	Tags     []delivery.Tag  `json:"tags"`
	Metadata json.RawMessage `json:"metadata"`
}

const providerPrefix = "email."

// FromWebhook maps a provider webhook to an Event. Types are matched after
// stripping the provider prefix; types other than opened, clicked and
// converted yield ErrIgnoredEvent.
func FromWebhook(p WebhookPayload) (campaign.Event, error) {
	typ := campaign.EventType(strings.TrimPrefix(strings.ToLower(p.Type), providerPrefix))
	if !typ.Valid() || typ == campaign.EventSent {
		return campaign.Event{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, p.Type)
	}

	tags := make(map[string]string, len(p.Tags))
	for _, t := range p.Tags {
		tags[t.Name] = t.Value
	}

	ev := campaign.Event{Type: typ, Metadata: p.Metadata}
	var err error
	if ev.CampaignID, err = requiredID(tags, "campaign_id"); err != nil {
		return campaign.Event{}, err
	}
	if ev.LeadID, err = requiredID(tags, "lead_id"); err != nil {
		return campaign.Event{}, err
	}
	if ev.StepID, err = requiredID(tags, "step_id"); err != nil {
		return campaign.Event{}, err
	}
	if v, ok := tags["step_order"]; ok {
		if ev.StepOrder, err = strconv.Atoi(v); err != nil {
			return campaign.Event{}, fmt.Errorf("invalid step_order tag %q", v)
		}
	}
	return ev, nil
}

func requiredID(tags map[string]string, name string) (int64, error) {
	v, ok := tags[name]
	if !ok {
		return 0, fmt.Errorf("missing %s tag", name)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s tag %q", name, v)
	}
	return id, nil
}
