package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
)

func (s *Store) InsertCampaign(ctx context.Context, tx *sql.Tx, name string, active bool, preferredSendTime string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO campaigns (name, active, preferred_send_time)
		VALUES ($1, $2, NULLIF($3, '')) RETURNING id
	`, name, active, preferredSendTime).Scan(&id)
	return id, err
}

// InsertSteps stores steps in list order; positions become 1..n.
func (s *Store) InsertSteps(ctx context.Context, tx *sql.Tx, campaignID int64, steps []campaign.StepInput) error {
	for i, st := range steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_steps (campaign_id, step_order, delay_days, subject, body)
			VALUES ($1, $2, $3, $4, $5)
		`, campaignID, i+1, st.DelayDays, st.Subject, st.Body); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceSteps deletes the whole step set and reinserts it. In-flight
// subscriptions resolve their next step by position at dispatch time.
func (s *Store) ReplaceSteps(ctx context.Context, campaignID int64, steps []campaign.StepInput) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM campaigns WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
		`, campaignID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return campaign.ErrCampaignNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_steps WHERE campaign_id = $1`, campaignID); err != nil {
			return err
		}
		if err := s.InsertSteps(ctx, tx, campaignID, steps); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE campaigns SET updated_at = NOW() WHERE id = $1`, campaignID)
		return err
	})
}

func (s *Store) UpdateCampaign(ctx context.Context, id int64, req campaign.UpdateCampaignReq) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET name                = COALESCE($2, name),
		       active              = COALESCE($3, active),
		       preferred_send_time = CASE WHEN $4::text IS NULL THEN preferred_send_time ELSE NULLIF($4, '') END,
		       updated_at          = NOW()
		 WHERE id = $1 AND deleted_at IS NULL
	`, id, nullString(req.Name), nullBool(req.Active), nullString(req.PreferredSendTime))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrCampaignNotFound
	}
	return nil
}

// DeleteCampaign soft-deletes the campaign and cancels every live
// subscription in it. It returns the number of cancelled subscriptions.
func (s *Store) DeleteCampaign(ctx context.Context, id int64) (int64, error) {
	var cancelled int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET active = FALSE, deleted_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND deleted_at IS NULL
		`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return campaign.ErrCampaignNotFound
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE campaign_subscriptions
			   SET status = 'cancelled', next_run_at = NULL
			 WHERE campaign_id = $1 AND status IN ('active', 'paused', 'failed')
		`, id)
		if err != nil {
			return err
		}
		cancelled, _ = res.RowsAffected()
		return nil
	})
	return cancelled, err
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	var c campaign.Campaign
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, active, COALESCE(preferred_send_time, ''), created_at, updated_at
		FROM campaigns
		WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&c.ID, &c.Name, &c.Active, &c.PreferredSendTime, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrCampaignNotFound
	}
	if err != nil {
		return campaign.Campaign{}, err
	}

	c.Steps, err = s.ListSteps(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

func (s *Store) ListSteps(ctx context.Context, campaignID int64) ([]campaign.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, campaign_id, step_order, delay_days, subject, body
		FROM campaign_steps
		WHERE campaign_id = $1
		ORDER BY step_order
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []campaign.Step{}
	for rows.Next() {
		var st campaign.Step
		if err := rows.Scan(&st.ID, &st.CampaignID, &st.Order, &st.DelayDays, &st.Subject, &st.Body); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) GetStep(ctx context.Context, campaignID int64, order int) (campaign.Step, error) {
	var st campaign.Step
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, step_order, delay_days, subject, body
		FROM campaign_steps
		WHERE campaign_id = $1 AND step_order = $2
	`, campaignID, order).Scan(&st.ID, &st.CampaignID, &st.Order, &st.DelayDays, &st.Subject, &st.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Step{}, campaign.ErrStepNotFound
	}
	return st, err
}

func (s *Store) GetLead(ctx context.Context, id int64) (campaign.Lead, error) {
	var l campaign.Lead
	err := s.DB.QueryRowContext(ctx, `
		SELECT id,
		       COALESCE(investor_name, ''),
		       COALESCE(investor_email, ''),
		       COALESCE(property_address, ''),
		       COALESCE(deal_type, '')
		FROM quotes
		WHERE id = $1
	`, id).Scan(&l.ID, &l.InvestorName, &l.InvestorEmail, &l.PropertyAddress, &l.DealType)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Lead{}, campaign.ErrLeadNotFound
	}
	return l, err
}

func (s *Store) GetCampaignStats(ctx context.Context, id int64) (campaign.Stats, error) {
	var st campaign.Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT
		  COUNT(*)                                      AS total,
		  COUNT(*) FILTER (WHERE status='active')       AS active,
		  COUNT(*) FILTER (WHERE status='paused')       AS paused,
		  COUNT(*) FILTER (WHERE status='completed')    AS completed,
		  COUNT(*) FILTER (WHERE status='cancelled')    AS cancelled,
		  COUNT(*) FILTER (WHERE status='failed')       AS failed,
		  (SELECT COUNT(*) FROM campaign_events e
		    WHERE e.campaign_id = $1 AND e.type = 'sent') AS sent
		FROM campaign_subscriptions
		WHERE campaign_id = $1
	`, id).Scan(&st.Total, &st.Active, &st.Paused, &st.Completed, &st.Cancelled, &st.Failed, &st.Sent)
	if err != nil {
		return campaign.Stats{}, err
	}
	return st, nil
}

func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.Campaign, []campaign.Stats, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, active, COALESCE(preferred_send_time, ''), created_at, updated_at
		FROM campaigns
		WHERE deleted_at IS NULL
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var campaigns []campaign.Campaign
	var ids []int64
	for rows.Next() {
		var c campaign.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.Active, &c.PreferredSendTime, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, nil, err
		}
		campaigns = append(campaigns, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(campaigns) == 0 {
		return []campaign.Campaign{}, []campaign.Stats{}, nil
	}

	statRows, err := s.DB.QueryContext(ctx, `
		SELECT campaign_id,
		       COUNT(*)                                   AS total,
		       COUNT(*) FILTER (WHERE status='active')    AS active,
		       COUNT(*) FILTER (WHERE status='paused')    AS paused,
		       COUNT(*) FILTER (WHERE status='completed') AS completed,
		       COUNT(*) FILTER (WHERE status='cancelled') AS cancelled,
		       COUNT(*) FILTER (WHERE status='failed')    AS failed
		FROM campaign_subscriptions
		WHERE campaign_id = ANY($1)
		GROUP BY campaign_id
	`, int64Slice(ids))
	if err != nil {
		return nil, nil, err
	}
	defer statRows.Close()

	statsByID := make(map[int64]campaign.Stats, len(ids))
	for statRows.Next() {
		var id int64
		var st campaign.Stats
		if err := statRows.Scan(&id, &st.Total, &st.Active, &st.Paused, &st.Completed, &st.Cancelled, &st.Failed); err != nil {
			return nil, nil, err
		}
		statsByID[id] = st
	}
	if err := statRows.Err(); err != nil {
		return nil, nil, err
	}

	out := make([]campaign.Stats, len(campaigns))
	for i, c := range campaigns {
		out[i] = statsByID[c.ID]
	}
	return campaigns, out, nil
}
