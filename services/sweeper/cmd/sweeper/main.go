package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/DripScheduler/internal/app"
	"github.com/Mutter0815/DripScheduler/pkg/config"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
	"github.com/Mutter0815/DripScheduler/services/sweeper/runner"
)

func main() {
	logx.Init("sweeper")
	defer logx.Sync()

	config.MustLoadSweeper()
	cfg := config.Sweeper

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, app.Options{
		DB:          cfg.DB,
		RMQURL:      cfg.RMQURL,
		EventsQueue: cfg.EventsQueue,
		SMTP:        cfg.SMTP,
		Dispatch:    cfg.Dispatch,
	})
	cancelInit()
	if err != nil {
		logx.L().Fatalw("init_error", "error", err)
	}
	defer a.Close()

	// A tick must end before claims it took can expire.
	r, err := runner.New(a.Dispatcher, cfg.Schedule, cfg.Dispatch.ClaimLease)
	if err != nil {
		logx.L().Fatalw("sweeper_config_error", "error", err)
	}

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.L().Errorw("sweeper_error", "error", err)
	}
	logx.L().Infow("sweeper stopped gracefully")
}
