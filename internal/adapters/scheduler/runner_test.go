package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/data"
)

func testRunnerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		BatchSize:      5,
		Concurrency:    4,
		DefaultTimeout: time.Second,
		LeaseMargin:    time.Second,
		BackoffBase:    time.Second,
		SleepFloor:     5 * time.Millisecond,
		SleepCeiling:   20 * time.Millisecond,
		DrainTimeout:   100 * time.Millisecond,
	}
}

// fakeScheduler counts ticks and delegates behavior to a per-call function.
type fakeScheduler struct {
	mu   sync.Mutex
	n    int
	tick func(ctx context.Context, call int) (int, error)
}

func (f *fakeScheduler) Tick(ctx context.Context, _ time.Time) (int, error) {
	f.mu.Lock()
	f.n++
	call := f.n
	fn := f.tick
	f.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(ctx, call)
}

func (f *fakeScheduler) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// fakeDueSource serves NextDueAt from a per-call function and blocks
// WaitForNotification until the context ends unless overridden.
type fakeDueSource struct {
	mu      sync.Mutex
	dueN    int
	waitN   int
	nextDue func(call int, now time.Time) (*time.Time, error)
	wait    func(ctx context.Context, call int) error
}

func (f *fakeDueSource) NextDueAt(_ context.Context, now time.Time) (*time.Time, error) {
	f.mu.Lock()
	f.dueN++
	call := f.dueN
	fn := f.nextDue
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(call, now)
}

func (f *fakeDueSource) WaitForNotification(ctx context.Context) error {
	f.mu.Lock()
	f.waitN++
	call := f.waitN
	fn := f.wait
	f.mu.Unlock()
	if fn == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return fn(ctx, call)
}

func (f *fakeDueSource) nextDueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueN
}

// fakeSweeper returns its queued batch counts in order, then zero.
type fakeSweeper struct {
	mu      sync.Mutex
	n       int
	results []int64
	err     error
}

func (f *fakeSweeper) CleanupZombieRuns(_ context.Context, _ time.Time, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var count int64
	if f.n < len(f.results) {
		count = f.results[f.n]
	}
	f.n++
	return count, nil
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func newTestRunner(t *testing.T, sched *fakeScheduler, due *fakeDueSource, sweeper *fakeSweeper) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerOptions{
		Config:    testRunnerConfig(),
		Scheduler: sched,
		DueSource: due,
		Sweeper:   sweeper,
	})
	require.NoError(t, err)
	return runner
}

func TestNewRunner_RequiresDatabase(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: testRunnerConfig()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connection is required")
}

func TestNewRunner_AcceptsInjectedComponents(t *testing.T) {
	runner, err := NewRunner(RunnerOptions{
		Config:    testRunnerConfig(),
		Scheduler: &fakeScheduler{},
		DueSource: &fakeDueSource{},
		Sweeper:   &fakeSweeper{},
	})
	require.NoError(t, err)
	assert.NotNil(t, runner)
}

func TestRunner_FullBatchReticksBeforeSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := &fakeScheduler{}
	sched.tick = func(_ context.Context, call int) (int, error) {
		if call <= 3 {
			return 5, nil // full batches
		}
		cancel()
		return 0, nil
	}
	due := &fakeDueSource{}
	runner := newTestRunner(t, sched, due, &fakeSweeper{})

	require.NoError(t, runner.Run(ctx))

	assert.Equal(t, 4, sched.calls())
	// Full batches never consulted the due horizon.
	assert.Zero(t, due.nextDueCalls())
}

func TestRunner_SleepsBetweenPartialBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := &fakeScheduler{}
	sched.tick = func(_ context.Context, call int) (int, error) {
		switch call {
		case 1:
			return 1, nil // partial batch
		case 2:
			return 0, nil // drained
		default:
			cancel()
			return 0, nil
		}
	}
	due := &fakeDueSource{}
	runner := newTestRunner(t, sched, due, &fakeSweeper{})

	require.NoError(t, runner.Run(ctx))

	assert.Equal(t, 3, sched.calls())
	assert.Equal(t, 2, due.nextDueCalls())
}

func TestRunner_StartupSweepRunsBeforeFirstTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := &fakeSweeper{results: []int64{2, 0}}
	sched := &fakeScheduler{}
	sched.tick = func(_ context.Context, _ int) (int, error) {
		// Two batches (the second returning zero) finished before any claim.
		assert.Equal(t, 2, sweeper.calls())
		cancel()
		return 0, nil
	}
	runner := newTestRunner(t, sched, &fakeDueSource{}, sweeper)

	require.NoError(t, runner.Run(ctx))
	assert.Equal(t, 1, sched.calls())
}

func TestRunner_StartupSweepFailureDoesNotBlockStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := &fakeSweeper{err: errors.New("db down")}
	sched := &fakeScheduler{}
	sched.tick = func(_ context.Context, _ int) (int, error) {
		cancel()
		return 0, nil
	}
	runner := newTestRunner(t, sched, &fakeDueSource{}, sweeper)

	require.NoError(t, runner.Run(ctx))
	assert.Equal(t, 1, sched.calls())
}

func TestRunner_WakeNotificationShortensSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testRunnerConfig()
	cfg.SleepCeiling = 5 * time.Second // the wake must beat this

	due := &fakeDueSource{}
	due.wait = func(waitCtx context.Context, call int) error {
		if call == 1 {
			return nil // one immediate notification
		}
		<-waitCtx.Done()
		return waitCtx.Err()
	}

	sched := &fakeScheduler{}
	sched.tick = func(_ context.Context, call int) (int, error) {
		if call >= 2 {
			cancel()
		}
		return 0, nil
	}

	runner, err := NewRunner(RunnerOptions{
		Config:    cfg,
		Scheduler: sched,
		DueSource: due,
		Sweeper:   &fakeSweeper{},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, runner.Run(ctx))

	assert.GreaterOrEqual(t, sched.calls(), 2)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunner_TickErrorsKeepLooping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := &fakeScheduler{}
	sched.tick = func(_ context.Context, call int) (int, error) {
		if call == 1 {
			return 0, errors.New("claim failed: db down")
		}
		cancel()
		return 0, nil
	}
	runner := newTestRunner(t, sched, &fakeDueSource{}, &fakeSweeper{})

	require.NoError(t, runner.Run(ctx))
	assert.Equal(t, 2, sched.calls())
}

func TestRunner_DrainTimeoutCancelsStuckTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testRunnerConfig()
	cfg.DrainTimeout = 50 * time.Millisecond

	sched := &fakeScheduler{}
	sched.tick = func(tickCtx context.Context, _ int) (int, error) {
		// Shutdown begins while the dispatch is in flight; the tick context
		// must outlive the run context until the drain deadline.
		cancel()
		<-tickCtx.Done()
		return 0, tickCtx.Err()
	}

	runner, err := NewRunner(RunnerOptions{
		Config:    cfg,
		Scheduler: sched,
		DueSource: &fakeDueSource{},
		Sweeper:   &fakeSweeper{},
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, runner.Run(ctx))
	elapsed := time.Since(start)

	assert.Equal(t, 1, sched.calls())
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunner_NextSleepClamping(t *testing.T) {
	cfg := testRunnerConfig()

	newRunnerWithDue := func(fn func(call int, now time.Time) (*time.Time, error)) *Runner {
		return &Runner{
			due:          &fakeDueSource{nextDue: fn},
			cfg:          cfg,
			timeProvider: &data.RealTimeProvider{},
			logger:       slog.Default(),
		}
	}

	assertBetween := func(t *testing.T, d, base time.Duration) {
		t.Helper()
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/10)
	}

	t.Run("nothing scheduled sleeps at ceiling", func(t *testing.T) {
		r := newRunnerWithDue(nil)
		assertBetween(t, r.nextSleep(context.Background()), cfg.SleepCeiling)
	})

	t.Run("lookup error sleeps at ceiling", func(t *testing.T) {
		r := newRunnerWithDue(func(int, time.Time) (*time.Time, error) {
			return nil, errors.New("db down")
		})
		assertBetween(t, r.nextSleep(context.Background()), cfg.SleepCeiling)
	})

	t.Run("near due sleeps until it", func(t *testing.T) {
		r := newRunnerWithDue(func(_ int, now time.Time) (*time.Time, error) {
			at := now.Add(10 * time.Millisecond)
			return &at, nil
		})
		assertBetween(t, r.nextSleep(context.Background()), 10*time.Millisecond)
	})

	t.Run("overdue clamps to floor", func(t *testing.T) {
		r := newRunnerWithDue(func(_ int, now time.Time) (*time.Time, error) {
			at := now.Add(-time.Second)
			return &at, nil
		})
		assertBetween(t, r.nextSleep(context.Background()), cfg.SleepFloor)
	})

	t.Run("far due clamps to ceiling", func(t *testing.T) {
		r := newRunnerWithDue(func(_ int, now time.Time) (*time.Time, error) {
			at := now.Add(time.Hour)
			return &at, nil
		})
		assertBetween(t, r.nextSleep(context.Background()), cfg.SleepCeiling)
	})
}

func TestSleepJitter(t *testing.T) {
	assert.Zero(t, sleepJitter(0))
	assert.Zero(t, sleepJitter(5*time.Nanosecond))

	for range 20 {
		j := sleepJitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
}
