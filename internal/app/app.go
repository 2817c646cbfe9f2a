package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mutter0815/DripScheduler/internal/delivery"
	"github.com/Mutter0815/DripScheduler/internal/eventlog"
	"github.com/Mutter0815/DripScheduler/internal/scheduler"
	"github.com/Mutter0815/DripScheduler/internal/store"
	"github.com/Mutter0815/DripScheduler/pkg/config"
	"github.com/Mutter0815/DripScheduler/pkg/db"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
	"github.com/Mutter0815/DripScheduler/pkg/rmq"
)

type Options struct {
	DB          config.DBConfig
	RMQURL      string
	EventsQueue string
	SMTP        config.SMTPConfig
	Dispatch    config.DispatchConfig
}

// App holds the dependencies shared by scheduler-api and sweeper.
type App struct {
	DB         *sql.DB
	Store      *store.Store
	Events     *eventlog.Log
	Dispatcher *scheduler.Dispatcher

	pub *rmq.Publisher
}

func New(ctx context.Context, o Options) (*App, error) {
	sqlDB, err := db.Open(o.DB.DSN, o.DB.MaxOpenConns, o.DB.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	a := &App{DB: sqlDB, Store: store.New(sqlDB)}

	if err := a.Store.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if o.RMQURL != "" {
		pub, err := rmq.NewPublisher(o.RMQURL, o.EventsQueue)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("rmq: %w", err)
		}
		a.pub = pub
		a.Events = eventlog.New(a.Store, pub)
	} else {
		logx.L().Infow("event_fanout_disabled")
		a.Events = eventlog.New(a.Store, nil)
	}

	a.Dispatcher = scheduler.New(a.Store, a.Events, Provider(o.SMTP, o.Dispatch.SendRatePerSec), scheduler.Config{
		FromEmail:         o.SMTP.FromEmail,
		SendTimeout:       o.Dispatch.SendTimeout,
		ClaimLease:        o.Dispatch.ClaimLease,
		Concurrency:       o.Dispatch.Concurrency,
		FirstNameFallback: o.Dispatch.FirstNameFallback,
	})
	return a, nil
}

// Provider returns the SMTP provider, or a dry-run one when no SMTP host is
// configured. Sends are rate limited to ratePerSec.
func Provider(c config.SMTPConfig, ratePerSec float64) delivery.Provider {
	if c.Host == "" {
		logx.L().Warnw("smtp_not_configured", "mode", "dry_run")
		return delivery.RateLimited(delivery.DryRun{}, ratePerSec, 1)
	}
	return delivery.RateLimited(delivery.NewSMTP(c.Host, c.Port, c.Username, c.Password, c.FromEmail), ratePerSec, 1)
}

func (a *App) Close() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			logx.L().Warnw("rmq_publisher_close_error", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		logx.L().Warnw("db_close_error", "error", err)
	} else {
		logx.L().Infow("db_closed")
	}
}
