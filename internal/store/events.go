package store

import (
	"context"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
)

// InsertEvent appends an event. Events are never updated or deleted.
// Callers validate the type; the table CHECK rejects anything else.
func (s *Store) InsertEvent(ctx context.Context, ev campaign.Event) (int64, error) {
	meta := []byte(ev.Metadata)
	if len(meta) == 0 {
		meta = []byte("{}")
	}

	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO campaign_events (campaign_id, step_id, step_order, lead_id, subscription_id, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
	`, ev.CampaignID, ev.StepID, ev.StepOrder, ev.LeadID, nullInt64(ev.SubscriptionID), string(ev.Type), string(meta), ev.CreatedAt).Scan(&id)
	return id, err
}
