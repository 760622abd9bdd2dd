// Package maintenance runs housekeeping jobs next to the dispatch loop.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// PruneJobName names the log retention job.
const PruneJobName = "prune-activity-log"

// LogPruner deletes log entries older than a cutoff.
type LogPruner interface {
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
}

type Options struct {
	Retention time.Duration
	Interval  time.Duration
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

// Runner owns a gocron scheduler.
type Runner struct {
	sched  gocron.Scheduler
	pruner LogPruner
	opts   Options
	log    zerolog.Logger
}

func New(pruner LogPruner, opts Options) (*Runner, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	lg := opts.Logger.With().Str("component", "maintenance").Logger()
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithClock(opts.Clock),
		gocron.WithLogger(cronLogger{lg}),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	r := &Runner{sched: s, pruner: pruner, opts: opts, log: lg}

	_, err = s.NewJob(
		gocron.DurationJob(opts.Interval),
		gocron.NewTask(r.pruneTask),
		gocron.WithName(PruneJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule %s: %w", PruneJobName, err)
	}
	return r, nil
}

// Start begins running jobs in the background.
func (r *Runner) Start() {
	r.log.Info().Dur("retention", r.opts.Retention).Dur("interval", r.opts.Interval).Msg("maintenance started")
	r.sched.Start()
}

// Shutdown waits for running jobs and stops the scheduler.
func (r *Runner) Shutdown() error {
	return r.sched.Shutdown()
}

func (r *Runner) pruneTask() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := r.Prune(ctx); err != nil {
		r.log.Error().Err(err).Msg("prune failed")
	}
}

// Prune deletes entries older than the retention window.
func (r *Runner) Prune(ctx context.Context) (int64, error) {
	cutoff := r.opts.Clock.Now().Add(-r.opts.Retention)
	n, err := r.pruner.PruneLogs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune logs: %w", err)
	}
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("before", cutoff).Msg("activity log pruned")
	}
	return n, nil
}

// cronLogger adapts zerolog to gocron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Debug(msg string, args ...any) { c.l.Debug().Fields(args).Msg(msg) }
func (c cronLogger) Info(msg string, args ...any)  { c.l.Info().Fields(args).Msg(msg) }
func (c cronLogger) Warn(msg string, args ...any)  { c.l.Warn().Fields(args).Msg(msg) }
func (c cronLogger) Error(msg string, args ...any) { c.l.Error().Fields(args).Msg(msg) }
