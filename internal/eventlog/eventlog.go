package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
	"github.com/Mutter0815/DripScheduler/pkg/metrics"
)

type inserter interface {
	InsertEvent(ctx context.Context, ev campaign.Event) (int64, error)
}

type publisher interface {
	PublishJSON(ctx context.Context, body []byte) error
}

// Log is the append-only event log. Events are stored first and then
// published for analytics consumers; a publish failure never fails Record.
type Log struct {
	store inserter
	pub   publisher
	now   func() time.Time
}

// New returns a Log. pub may be nil.
func New(store inserter, pub publisher) *Log {
	return &Log{store: store, pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Log) Record(ctx context.Context, ev campaign.Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}

	id, err := l.store.InsertEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	ev.ID = id
	metrics.EventsRecorded.WithLabelValues(string(ev.Type)).Inc()

	if l.pub == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logx.L().Errorw("event_marshal_error", "event_id", id, "error", err)
		return nil
	}
	if err := l.pub.PublishJSON(ctx, payload); err != nil {
		logx.L().Warnw("event_publish_error", "event_id", id, "type", ev.Type, "error", err)
	}
	return nil
}
