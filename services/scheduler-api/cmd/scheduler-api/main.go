package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/DripScheduler/internal/app"
	"github.com/Mutter0815/DripScheduler/pkg/config"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
	"github.com/Mutter0815/DripScheduler/services/scheduler-api/server"
)

func main() {
	logx.Init("scheduler-api")
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
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

	h := server.NewHandlers(a.Store, a.Dispatcher, a.Events)
	srv := server.NewHTTPServer(":"+cfg.Port, h, server.Config{APIKeys: cfg.APIKeys, CORSOrigins: cfg.CORSOrigins})

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	// A sweep or trigger in flight keeps its claim until it finishes or the
	// lease expires, so give handlers time to drain.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.SendTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	logx.L().Infow("scheduler-api stopped gracefully")
}
