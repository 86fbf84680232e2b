// Package scheduler provides the adapter that runs the endpoint scheduler loop.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/core"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
	"github.com/weskerllc/cronicorn/internal/service"
	"github.com/weskerllc/cronicorn/internal/service/failurenotifier"
)

// startupSweepBatchSize bounds each zombie cleanup batch before the first tick.
const startupSweepBatchSize = 500

// DueSource is the slice of the endpoint repository the runner polls between
// ticks: the earliest fire time and the schedule-change notification stream.
type DueSource interface {
	NextDueAt(ctx context.Context, now time.Time) (*time.Time, error)
	WaitForNotification(ctx context.Context) error
}

// ZombieSweeper finalizes provisional runs orphaned by crashed workers.
type ZombieSweeper interface {
	CleanupZombieRuns(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// Runner drives the scheduler service: it ticks the due scan, sleeps
// adaptively between ticks, wakes on schedule-change notifications, and
// drains in-flight dispatches on shutdown.
type Runner struct {
	scheduler    core.EndpointScheduler
	due          DueSource
	sweeper      ZombieSweeper
	cfg          config.SchedulerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB         *sql.DB
	Config     config.SchedulerConfig
	Dispatcher core.Dispatcher
	Logger     *slog.Logger
	Metrics    statsd.Sink

	// Notifier fans out failure-streak notifications; optional.
	Notifier *failurenotifier.Service

	// Encryptor decrypts endpoint headers; defaults to NoopEncryptor.
	Encryptor cryptoutil.Encryptor

	// TimeProvider defaults to real time.
	TimeProvider data.TimeProvider

	// Optional dependency injections for testing/decoupling
	Scheduler core.EndpointScheduler
	DueSource DueSource
	Sweeper   ZombieSweeper
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	scheduler := opts.Scheduler
	due := opts.DueSource
	sweeper := opts.Sweeper

	if scheduler == nil || due == nil || sweeper == nil {
		endpoints := wireEndpointRepository(opts)
		runs := wireRunRepository(opts)
		if due == nil {
			due = endpoints
		}
		if sweeper == nil {
			sweeper = runs
		}
		if scheduler == nil {
			coreCfg := opts.Config.Core()
			svc, err := service.NewSchedulerService(service.SchedulerServiceOptions{
				Endpoints:    endpoints,
				Runs:         runs,
				Dispatcher:   opts.Dispatcher,
				Config:       &coreCfg,
				TimeProvider: opts.TimeProvider,
				Metrics:      opts.Metrics,
				Notifier:     opts.Notifier,
				Logger:       opts.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("wire scheduler service: %w", err)
			}
			scheduler = svc
		}
	}

	return &Runner{
		scheduler:    scheduler,
		due:          due,
		sweeper:      sweeper,
		cfg:          opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	needsRepos := opts.Scheduler == nil || opts.DueSource == nil || opts.Sweeper == nil
	if needsRepos && opts.DB == nil {
		return errors.New("database connection is required")
	}
	if opts.Scheduler == nil && opts.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Encryptor == nil {
		opts.Encryptor = &cryptoutil.NoopEncryptor{}
	}
	return nil
}

// wireEndpointRepository wires up the endpoint repository dependency.
// Returns a concrete type to satisfy ireturn linter.
func wireEndpointRepository(opts RunnerOptions) *data.EndpointRepo {
	return data.NewEndpointRepo(opts.DB, opts.Encryptor, data.RepoConfig{
		Logger:       opts.Logger,
		TimeProvider: opts.TimeProvider,
	})
}

// wireRunRepository wires up the run repository dependency.
// Returns a concrete type to satisfy ireturn linter.
func wireRunRepository(opts RunnerOptions) *data.RunRepo {
	return data.NewRunRepo(opts.DB, data.RepoConfig{
		Logger:       opts.Logger,
		TimeProvider: opts.TimeProvider,
	})
}

// Run starts the scheduler loop and runs until the context is cancelled.
//
// Loop behavior:
//   - a full batch re-ticks immediately, since more work is likely due
//   - otherwise the loop sleeps until the earliest known fire time, clamped
//     to [SleepFloor, SleepCeiling] and jittered
//   - a schedule-change notification ends the sleep early
//
// On cancellation the in-flight tick keeps its claim leases and gets
// DrainTimeout to finish; whatever it abandons is reconciled by lease expiry
// and the zombie sweep.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner",
		"batch_size", r.cfg.BatchSize,
		"sleep_floor", r.cfg.SleepFloor,
		"sleep_ceiling", r.cfg.SleepCeiling,
	)

	r.startupSweep(ctx)

	wake := make(chan struct{}, 1)
	go r.notifyLoop(ctx, wake)

	// Ticks run on a context detached from run cancellation so in-flight
	// dispatches survive shutdown long enough to drain.
	tickCtx, cancelTicks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTicks()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.loop(ctx, tickCtx, wake)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.drain(done, cancelTicks)
	}

	r.logger.InfoContext(ctx, "scheduler runner stopped", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// drain waits up to DrainTimeout for the in-flight tick, then cancels it.
func (r *Runner) drain(done <-chan struct{}, cancelTicks context.CancelFunc) {
	timer := time.NewTimer(r.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.logger.Warn("drain timeout expired; canceling in-flight dispatches",
			"drain_timeout", r.cfg.DrainTimeout)
		cancelTicks()
		<-done
	}
}

// startupSweep finalizes runs orphaned by a previous crash, before the first
// claim can race them.
func (r *Runner) startupSweep(ctx context.Context) {
	var total int64
	for {
		count, err := r.sweeper.CleanupZombieRuns(ctx, r.timeProvider.Now(), startupSweepBatchSize)
		if err != nil {
			r.logger.WarnContext(ctx, "startup zombie sweep failed", "error", err)
			return
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return
		}
	}
	if total > 0 {
		r.logger.InfoContext(ctx, "startup zombie sweep finalized runs", "count", total)
	}
}

func (r *Runner) loop(ctx, tickCtx context.Context, wake <-chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := r.scheduler.Tick(tickCtx, r.timeProvider.Now())
		switch {
		case err != nil:
			if ctx.Err() != nil || tickCtx.Err() != nil {
				return
			}
			r.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		case claimed >= r.cfg.BatchSize:
			// Full batch: the due set is probably not drained yet.
			continue
		case claimed > 0:
			r.logger.InfoContext(ctx, "scheduler tick processed endpoints", "claimed", claimed)
		}

		if ctx.Err() != nil {
			return
		}
		r.idle(ctx, wake)
	}
}

// idle sleeps until the next fire time, the ceiling, or a wake notification,
// whichever comes first.
func (r *Runner) idle(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(r.nextSleep(ctx))
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}
}

// nextSleep sizes the idle period from the earliest known fire time, clamped
// to [SleepFloor, SleepCeiling]. Jitter keeps replica fleets from scanning in
// lockstep.
func (r *Runner) nextSleep(ctx context.Context) time.Duration {
	now := r.timeProvider.Now()
	d := r.cfg.SleepCeiling

	next, err := r.due.NextDueAt(ctx, now)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			r.logger.WarnContext(ctx, "next due lookup failed; sleeping at ceiling", "error", err)
		}
	case next != nil:
		if until := next.Sub(now); until < d {
			d = until
		}
	}

	if d < r.cfg.SleepFloor {
		d = r.cfg.SleepFloor
	}
	return d + sleepJitter(d)
}

// sleepJitter returns a random duration up to 10% of d.
func sleepJitter(d time.Duration) time.Duration {
	maxJitter := d / 10
	if maxJitter <= 0 {
		return 0
	}
	return rand.N(maxJitter)
}

// notifyLoop forwards schedule-change notifications into the wake channel.
// Listener failures back off briefly and reconnect; the adaptive sleep keeps
// the scheduler live without notifications, just slower to react.
func (r *Runner) notifyLoop(ctx context.Context, wake chan<- struct{}) {
	for ctx.Err() == nil {
		if err := r.due.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.WarnContext(ctx, "schedule change listener failed; reconnecting", "error", err)
			if sleepErr := r.timeProvider.Sleep(ctx, time.Second); sleepErr != nil {
				return
			}
			continue
		}

		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
