package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
)

const subscriptionCols = `id, campaign_id, lead_id, status, current_step_index, next_run_at,
		       created_at, last_email_sent_at, COALESCE(last_error, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (campaign.Subscription, error) {
	var (
		sub       campaign.Subscription
		nextRunAt sql.NullTime
		lastSent  sql.NullTime
	)
	err := r.Scan(&sub.ID, &sub.CampaignID, &sub.LeadID, &sub.Status, &sub.CurrentStepIndex,
		&nextRunAt, &sub.CreatedAt, &lastSent, &sub.LastError)
	if err != nil {
		return campaign.Subscription{}, err
	}
	sub.NextRunAt = timePtr(nextRunAt)
	sub.LastEmailSentAt = timePtr(lastSent)
	return sub, nil
}

// stepDelay returns the delay of the step at order, or ok=false if the
// campaign has no such step.
func stepDelay(ctx context.Context, q dbtx, campaignID int64, order int) (delay int, ok bool, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT delay_days FROM campaign_steps WHERE campaign_id = $1 AND step_order = $2
	`, campaignID, order).Scan(&delay)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return delay, true, nil
}

// Enroll creates an active subscription due after the first step's delay.
func (s *Store) Enroll(ctx context.Context, campaignID, leadID int64, now time.Time) (campaign.Subscription, error) {
	var sub campaign.Subscription
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			active    bool
			preferred string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT active, COALESCE(preferred_send_time, '')
			FROM campaigns
			WHERE id = $1 AND deleted_at IS NULL
		`, campaignID).Scan(&active, &preferred)
		if errors.Is(err, sql.ErrNoRows) {
			return campaign.ErrCampaignNotFound
		}
		if err != nil {
			return err
		}
		if !active {
			return campaign.ErrCampaignInactive
		}

		delay, ok, err := stepDelay(ctx, tx, campaignID, 1)
		if err != nil {
			return err
		}
		if !ok {
			return campaign.ErrNoSteps
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM quotes WHERE id = $1)`, leadID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return campaign.ErrLeadNotFound
		}

		sub, err = scanSubscription(tx.QueryRowContext(ctx, `
			INSERT INTO campaign_subscriptions (campaign_id, lead_id, status, current_step_index, next_run_at, created_at)
			VALUES ($1, $2, 'active', 0, $3, $4)
			RETURNING `+subscriptionCols,
			campaignID, leadID, campaign.NextRunAt(now, delay, preferred), now))
		if isUniqueViolation(err) {
			return campaign.ErrAlreadyEnrolled
		}
		return err
	})
	return sub, err
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (campaign.Subscription, error) {
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, `
		SELECT `+subscriptionCols+`
		FROM campaign_subscriptions
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Subscription{}, campaign.ErrSubscriptionNotFound
	}
	return sub, err
}

// DueSubscriptions lists active subscriptions of live campaigns whose
// next_run_at is at or before now. Served by campaign_subscriptions_due_idx.
func (s *Store) DueSubscriptions(ctx context.Context, now time.Time) ([]campaign.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT s.id, s.campaign_id, s.lead_id, s.status, s.current_step_index, s.next_run_at,
		       s.created_at, s.last_email_sent_at, COALESCE(s.last_error, '')
		FROM campaign_subscriptions s
		JOIN campaigns c ON c.id = s.campaign_id
		WHERE s.status = 'active'
		  AND s.next_run_at <= $1
		  AND c.active AND c.deleted_at IS NULL
		ORDER BY s.next_run_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ClaimStep takes the per-subscription dispatch claim if the subscription is
// still active at expectedIndex and nobody holds a live claim. A claim older
// than lease is treated as abandoned.
func (s *Store) ClaimStep(ctx context.Context, id int64, expectedIndex int, token string, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_subscriptions
		   SET claim_token = $3, claimed_at = $4
		 WHERE id = $1
		   AND status = 'active'
		   AND current_step_index = $2
		   AND (claim_token IS NULL OR claimed_at < $5)
	`, id, expectedIndex, token, now, now.Add(-lease))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseClaim drops the claim without touching next_run_at, so the
// subscription is retried on a later sweep.
func (s *Store) ReleaseClaim(ctx context.Context, id int64, token, lastErr string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_subscriptions
		   SET claim_token = NULL, claimed_at = NULL, last_error = NULLIF($3, '')
		 WHERE id = $1 AND claim_token = $2
	`, id, token, lastErr)
	return err
}

// Advance records a dispatched step under the caller's claim. The step index
// never decreases: re-sending an earlier step only stamps last_email_sent_at.
func (s *Store) Advance(ctx context.Context, id int64, token string, dispatchedOrder int, now time.Time) (campaign.Subscription, error) {
	var sub campaign.Subscription
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			campaignID int64
			status     campaign.Status
			current    int
			nextRunAt  sql.NullTime
			preferred  string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT s.campaign_id, s.status, s.current_step_index, s.next_run_at,
			       COALESCE(c.preferred_send_time, '')
			FROM campaign_subscriptions s
			JOIN campaigns c ON c.id = s.campaign_id
			WHERE s.id = $1 AND s.claim_token = $2
			FOR UPDATE OF s
		`, id, token).Scan(&campaignID, &status, &current, &nextRunAt, &preferred)
		if errors.Is(err, sql.ErrNoRows) {
			return campaign.ErrConcurrentAdvance
		}
		if err != nil {
			return err
		}

		next := timePtr(nextRunAt)
		if dispatchedOrder > current {
			current = dispatchedOrder
			if status == campaign.StatusActive {
				delay, ok, err := stepDelay(ctx, tx, campaignID, current+1)
				if err != nil {
					return err
				}
				if ok {
					at := campaign.NextRunAt(now, delay, preferred)
					next = &at
				} else {
					status = campaign.StatusCompleted
				}
			}
		}
		if status != campaign.StatusActive {
			next = nil
		}

		sub, err = scanSubscription(tx.QueryRowContext(ctx, `
			UPDATE campaign_subscriptions
			   SET current_step_index = $2,
			       last_email_sent_at = $3,
			       next_run_at        = $4,
			       status             = $5,
			       last_error         = NULL,
			       claim_token        = NULL,
			       claimed_at         = NULL
			 WHERE id = $1
			RETURNING `+subscriptionCols,
			id, current, now, nullTime(next), string(status)))
		return err
	})
	return sub, err
}

// MarkFailed moves a claimed subscription to the terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id int64, token, reason string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_subscriptions
		   SET status = 'failed', next_run_at = NULL, last_error = $3,
		       claim_token = NULL, claimed_at = NULL
		 WHERE id = $1 AND claim_token = $2
	`, id, token, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrConcurrentAdvance
	}
	return nil
}

// Complete closes an active subscription that has no step after
// expectedIndex. Subscriptions under a live claim are left alone.
func (s *Store) Complete(ctx context.Context, id int64, expectedIndex int, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaign_subscriptions
		   SET status = 'completed', next_run_at = NULL, claim_token = NULL, claimed_at = NULL
		 WHERE id = $1
		   AND status = 'active'
		   AND current_step_index = $2
		   AND (claim_token IS NULL OR claimed_at < $3)
	`, id, expectedIndex, now.Add(-lease))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Pause(ctx context.Context, id int64) (campaign.Subscription, error) {
	return s.transition(ctx, id, `
		UPDATE campaign_subscriptions
		   SET status = 'paused', next_run_at = NULL
		 WHERE id = $1 AND status = 'active'
		RETURNING `+subscriptionCols)
}

func (s *Store) Cancel(ctx context.Context, id int64) (campaign.Subscription, error) {
	return s.transition(ctx, id, `
		UPDATE campaign_subscriptions
		   SET status = 'cancelled', next_run_at = NULL
		 WHERE id = $1 AND status IN ('active', 'paused', 'failed')
		RETURNING `+subscriptionCols)
}

func (s *Store) transition(ctx context.Context, id int64, query string) (campaign.Subscription, error) {
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSubscription(ctx, id); getErr != nil {
			return campaign.Subscription{}, getErr
		}
		return campaign.Subscription{}, campaign.ErrInvalidTransition
	}
	return sub, err
}

// Resume re-activates a paused or failed subscription, due immediately.
// If its campaign has no further step it is completed instead.
func (s *Store) Resume(ctx context.Context, id int64, now time.Time) (campaign.Subscription, error) {
	var sub campaign.Subscription
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			campaignID int64
			status     campaign.Status
			current    int
		)
		err := tx.QueryRowContext(ctx, `
			SELECT campaign_id, status, current_step_index
			FROM campaign_subscriptions
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&campaignID, &status, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return campaign.ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		if status != campaign.StatusPaused && status != campaign.StatusFailed {
			return campaign.ErrInvalidTransition
		}

		_, ok, err := stepDelay(ctx, tx, campaignID, current+1)
		if err != nil {
			return err
		}
		newStatus, next := campaign.StatusActive, &now
		if !ok {
			newStatus, next = campaign.StatusCompleted, nil
		}

		sub, err = scanSubscription(tx.QueryRowContext(ctx, `
			UPDATE campaign_subscriptions
			   SET status = $2, next_run_at = $3, last_error = NULL
			 WHERE id = $1
			RETURNING `+subscriptionCols,
			id, string(newStatus), nullTime(next)))
		if isUniqueViolation(err) {
			return campaign.ErrAlreadyEnrolled
		}
		return err
	})
	return sub, err
}
