package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
)

var subCols = []string{"id", "campaign_id", "lead_id", "status", "current_step_index", "next_run_at",
	"created_at", "last_email_sent_at", "last_error"}

func subRow(id int64, status string, idx int, next, lastSent any) *sqlmock.Rows {
	return sqlmock.NewRows(subCols).AddRow(id, 1, 7, status, idx, next, t0, lastSent, "")
}

func expectEnrollPrelude(mock sqlmock.Sqlmock, delay int) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT active, COALESCE(preferred_send_time, '')`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"active", "preferred_send_time"}).AddRow(true, ""))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT delay_days FROM campaign_steps`)).
		WithArgs(int64(1), 1).
		WillReturnRows(sqlmock.NewRows([]string{"delay_days"}).AddRow(delay))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM quotes WHERE id = $1)`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
}

func TestEnroll(t *testing.T) {
	s, mock := newMock(t)

	expectEnrollPrelude(mock, 0)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO campaign_subscriptions`)).
		WithArgs(int64(1), int64(7), t0, t0).
		WillReturnRows(subRow(5, "active", 0, t0, nil))
	mock.ExpectCommit()

	sub, err := s.Enroll(context.Background(), 1, 7, t0)
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID != 5 || sub.Status != campaign.StatusActive || sub.CurrentStepIndex != 0 {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.NextRunAt == nil || !sub.NextRunAt.Equal(t0) {
		t.Fatalf("want next_run_at=%s, got %v", t0, sub.NextRunAt)
	}
	if sub.LastEmailSentAt != nil {
		t.Fatalf("want nil last_email_sent_at, got %v", sub.LastEmailSentAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnroll_DelayedFirstStep(t *testing.T) {
	s, mock := newMock(t)

	expectEnrollPrelude(mock, 3)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO campaign_subscriptions`)).
		WithArgs(int64(1), int64(7), t0.Add(72*time.Hour), t0).
		WillReturnRows(subRow(5, "active", 0, t0.Add(72*time.Hour), nil))
	mock.ExpectCommit()

	if _, err := s.Enroll(context.Background(), 1, 7, t0); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnroll_NoSteps(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT active, COALESCE(preferred_send_time, '')`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"active", "preferred_send_time"}).AddRow(true, ""))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT delay_days FROM campaign_steps`)).
		WithArgs(int64(1), 1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.Enroll(context.Background(), 1, 7, t0)
	if !errors.Is(err, campaign.ErrNoSteps) {
		t.Fatalf("want ErrNoSteps, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEnroll_InactiveCampaign(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT active, COALESCE(preferred_send_time, '')`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"active", "preferred_send_time"}).AddRow(false, ""))
	mock.ExpectRollback()

	if _, err := s.Enroll(context.Background(), 1, 7, t0); !errors.Is(err, campaign.ErrCampaignInactive) {
		t.Fatalf("want ErrCampaignInactive, got %v", err)
	}
}

func TestEnroll_AlreadyEnrolled(t *testing.T) {
	s, mock := newMock(t)

	expectEnrollPrelude(mock, 0)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO campaign_subscriptions`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	if _, err := s.Enroll(context.Background(), 1, 7, t0); !errors.Is(err, campaign.ErrAlreadyEnrolled) {
		t.Fatalf("want ErrAlreadyEnrolled, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDueSubscriptions(t *testing.T) {
	s, mock := newMock(t)

	rows := sqlmock.NewRows(subCols).
		AddRow(5, 1, 7, "active", 0, t0, t0, nil, "").
		AddRow(6, 1, 8, "active", 1, t0.Add(-time.Hour), t0, t0.Add(-48*time.Hour), "smtp timeout")
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.status = 'active'
		  AND s.next_run_at <= $1`)).
		WithArgs(t0).
		WillReturnRows(rows)

	due, err := s.DueSubscriptions(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("want 2 due, got %d", len(due))
	}
	if due[1].LastError != "smtp timeout" || due[1].LastEmailSentAt == nil {
		t.Fatalf("unexpected second row: %+v", due[1])
	}
}

func TestClaimStep(t *testing.T) {
	s, mock := newMock(t)
	lease := 10 * time.Minute

	mock.ExpectExec(regexp.QuoteMeta(`SET claim_token = $3, claimed_at = $4`)).
		WithArgs(int64(5), 0, "tok-a", t0, t0.Add(-lease)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET claim_token = $3, claimed_at = $4`)).
		WithArgs(int64(5), 0, "tok-b", t0, t0.Add(-lease)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.ClaimStep(context.Background(), 5, 0, "tok-a", t0, lease)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = s.ClaimStep(context.Background(), 5, 0, "tok-b", t0, lease)
	if err != nil || won {
		t.Fatalf("second claim: won=%v err=%v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func expectAdvanceLock(mock sqlmock.Sqlmock, status string, current int, next any) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.id = $1 AND s.claim_token = $2`)).
		WithArgs(int64(5), "tok").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "status", "current_step_index", "next_run_at", "preferred_send_time"}).
			AddRow(1, status, current, next, ""))
}

func TestAdvance_SchedulesNextStep(t *testing.T) {
	s, mock := newMock(t)

	expectAdvanceLock(mock, "active", 0, t0)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT delay_days FROM campaign_steps`)).
		WithArgs(int64(1), 2).
		WillReturnRows(sqlmock.NewRows([]string{"delay_days"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SET current_step_index = $2`)).
		WithArgs(int64(5), 1, t0, t0.Add(48*time.Hour), "active").
		WillReturnRows(subRow(5, "active", 1, t0.Add(48*time.Hour), t0))
	mock.ExpectCommit()

	sub, err := s.Advance(context.Background(), 5, "tok", 1, t0)
	if err != nil {
		t.Fatal(err)
	}
	if sub.CurrentStepIndex != 1 || sub.NextRunAt == nil || !sub.NextRunAt.Equal(t0.Add(48*time.Hour)) {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAdvance_CompletesAfterLastStep(t *testing.T) {
	s, mock := newMock(t)
	now := t0.Add(48 * time.Hour)

	expectAdvanceLock(mock, "active", 1, now)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT delay_days FROM campaign_steps`)).
		WithArgs(int64(1), 3).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`SET current_step_index = $2`)).
		WithArgs(int64(5), 2, now, nil, "completed").
		WillReturnRows(subRow(5, "completed", 2, nil, now))
	mock.ExpectCommit()

	sub, err := s.Advance(context.Background(), 5, "tok", 2, now)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != campaign.StatusCompleted || sub.NextRunAt != nil {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAdvance_ResendKeepsPosition(t *testing.T) {
	s, mock := newMock(t)
	next := t0.Add(24 * time.Hour)

	expectAdvanceLock(mock, "active", 2, next)
	mock.ExpectQuery(regexp.QuoteMeta(`SET current_step_index = $2`)).
		WithArgs(int64(5), 2, t0, next, "active").
		WillReturnRows(subRow(5, "active", 2, next, t0))
	mock.ExpectCommit()

	sub, err := s.Advance(context.Background(), 5, "tok", 1, t0)
	if err != nil {
		t.Fatal(err)
	}
	if sub.CurrentStepIndex != 2 {
		t.Fatalf("index must not decrease, got %d", sub.CurrentStepIndex)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAdvance_LostClaim(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.id = $1 AND s.claim_token = $2`)).
		WithArgs(int64(5), "tok").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if _, err := s.Advance(context.Background(), 5, "tok", 1, t0); !errors.Is(err, campaign.ErrConcurrentAdvance) {
		t.Fatalf("want ErrConcurrentAdvance, got %v", err)
	}
}

func TestReleaseClaimAndMarkFailed(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET claim_token = NULL, claimed_at = NULL, last_error = NULLIF($3, '')`)).
		WithArgs(int64(5), "tok", "421 try later").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'failed', next_run_at = NULL, last_error = $3`)).
		WithArgs(int64(6), "tok", "lead not found").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ReleaseClaim(context.Background(), 5, "tok", "421 try later"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(context.Background(), 6, "tok", "lead not found"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestComplete(t *testing.T) {
	s, mock := newMock(t)
	lease := 10 * time.Minute

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'completed', next_run_at = NULL`)).
		WithArgs(int64(5), 2, t0.Add(-lease)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := s.Complete(context.Background(), 5, 2, t0, lease)
	if err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
}

func TestPause_InvalidTransition(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SET status = 'paused', next_run_at = NULL`)).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaign_subscriptions
		WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(subRow(5, "completed", 2, nil, t0))

	if _, err := s.Pause(context.Background(), 5); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SET status = 'cancelled', next_run_at = NULL`)).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaign_subscriptions`)).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Cancel(context.Background(), 5); !errors.Is(err, campaign.ErrSubscriptionNotFound) {
		t.Fatalf("want ErrSubscriptionNotFound, got %v", err)
	}
}

func TestResume(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT campaign_id, status, current_step_index`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "status", "current_step_index"}).AddRow(1, "failed", 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT delay_days FROM campaign_steps`)).
		WithArgs(int64(1), 2).
		WillReturnRows(sqlmock.NewRows([]string{"delay_days"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(`SET status = $2, next_run_at = $3, last_error = NULL`)).
		WithArgs(int64(5), "active", t0).
		WillReturnRows(subRow(5, "active", 1, t0, nil))
	mock.ExpectCommit()

	sub, err := s.Resume(context.Background(), 5, t0)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != campaign.StatusActive || sub.NextRunAt == nil {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestResume_ActiveIsInvalid(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT campaign_id, status, current_step_index`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "status", "current_step_index"}).AddRow(1, "active", 1))
	mock.ExpectRollback()

	if _, err := s.Resume(context.Background(), 5, t0); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}
