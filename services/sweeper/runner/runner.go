package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Mutter0815/DripScheduler/internal/scheduler"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type sweeper interface {
	Sweep(ctx context.Context) (scheduler.Summary, error)
}

// Runner invokes Sweep on a cron schedule. A tick that is still running when
// the next one fires causes that next tick to be skipped.
type Runner struct {
	sweeper  sweeper
	schedule string
	spec     cron.Schedule
	timeout  time.Duration
}

// New validates schedule. timeout bounds a single tick; zero means none.
func New(s sweeper, schedule string, timeout time.Duration) (*Runner, error) {
	spec, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Runner{sweeper: s, schedule: schedule, spec: spec, timeout: timeout}, nil
}

// Run sweeps once immediately and then on schedule until ctx is done. It
// waits for a running tick to finish before returning.
func (r *Runner) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logx.Cron{}),
		cron.WithChain(cron.Recover(logx.Cron{}), cron.SkipIfStillRunning(logx.Cron{})),
	)
	job := cron.FuncJob(func() { r.tick(ctx) })
	c.Schedule(r.spec, job)

	logx.L().Infow("sweeper_started", "schedule", r.schedule, "next", r.spec.Next(time.Now()))
	r.tick(ctx)
	c.Start()

	<-ctx.Done()
	logx.L().Infow("sweeper_stopping")
	<-c.Stop().Done()
	return ctx.Err()
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if _, err := r.sweeper.Sweep(ctx); err != nil {
		logx.L().Errorw("sweep_error", "error", err)
	}
}
