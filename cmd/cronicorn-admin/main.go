package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/adapters/dispatch"
	"github.com/weskerllc/cronicorn/internal/adapters/reaper"
	"github.com/weskerllc/cronicorn/internal/bootstrap"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/devseed"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
	"github.com/weskerllc/cronicorn/internal/service"
	"github.com/weskerllc/cronicorn/internal/util"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultStatsTimeout     = time.Minute
	defaultSweepTimeout     = 2 * time.Minute
	defaultTriggerTimeout   = 2 * time.Minute
	defaultStatsWindow      = 24 * time.Hour
)

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"db-reset": {
			name:        "db-reset",
			description: "Drop the database schema, run migrations, and optionally seed data",
			run:         runDBReset,
		},
		"db-seed": {
			name:        "db-seed",
			description: "Run database migrations and seed development data",
			run:         runDBSeed,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"stats": {
			name:        "stats",
			description: "Show schedule backlog, lease, and run outcome statistics",
			run:         runStats,
		},
		"sweep": {
			name:        "sweep",
			description: "Run one reaper pass (zombie runs, expired leases, stale hints, retention)",
			run:         runSweep,
		},
		"trigger": {
			name:        "trigger",
			description: "Dispatch one endpoint immediately and print the run outcome",
			run:         runTrigger,
		},
		"cache-clear": {
			name:        "cache-clear",
			description: "Clear cached dashboard and latest-response entries from Redis",
			run:         runCacheClear,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: cronicorn-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	for _, c := range commands() {
		if err := writef(os.Stdout, "  %-14s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

type migrateOptions struct {
	Timeout time.Duration
}

type dbResetOptions struct {
	Timeout     time.Duration
	Yes         bool
	Seed        bool
	AllowRemote bool
}

type dbSeedOptions struct {
	Timeout     time.Duration
	AllowRemote bool
}

type statsOptions struct {
	Timeout time.Duration
	Window  time.Duration
}

type sweepOptions struct {
	Timeout time.Duration
}

type triggerOptions struct {
	EndpointID string
	Timeout    time.Duration
}

type cacheClearOptions struct {
	Dashboards bool
	Responses  bool
	All        bool
	DryRun     bool
	Yes        bool
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")

	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func runDBReset(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBResetFlags(args)
	if err != nil {
		return err
	}

	target := fmt.Sprintf(
		"database %q on %s:%d",
		cmdCtx.Config.Postgres.Name,
		cmdCtx.Config.Postgres.Host,
		cmdCtx.Config.Postgres.Port,
	)

	remote, err := guardRemoteHost(cmdCtx, opts.AllowRemote, "drop and recreate the public schema")
	if err != nil {
		return err
	}

	confirmOpts := dbResetConfirmOptions{
		yes:    opts.Yes,
		target: target,
	}
	if remote {
		confirmOpts.remoteHost = cmdCtx.Config.Postgres.Host
	}
	if confirmErr := confirmAction(confirmOpts, "reset database schema"); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("dropping public schema", "database", cmdCtx.Config.Postgres.Name)
		if resetErr := cmdCtx.resetDatabase(ctx, db); resetErr != nil {
			return resetErr
		}

		cmdCtx.Logger.Info("re-running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		if opts.Seed {
			cmdCtx.Logger.Info("seeding development data after reset")
			if seedErr := devseed.Run(ctx, devseed.NewServices(db), cmdCtx.Logger); seedErr != nil {
				return fmt.Errorf("seed data: %w", seedErr)
			}
		}

		cmdCtx.Logger.Info("database reset completed successfully")
		return nil
	})
}

func runDBSeed(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBSeedFlags(args)
	if err != nil {
		return err
	}

	if _, guardErr := guardRemoteHost(cmdCtx, opts.AllowRemote, "seed development data on the configured database"); guardErr != nil {
		return guardErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("ensuring database migrations are current")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		cmdCtx.Logger.Info("seeding development data")
		if seedErr := devseed.Run(ctx, devseed.NewServices(db), cmdCtx.Logger); seedErr != nil {
			return fmt.Errorf("seed data: %w", seedErr)
		}

		cmdCtx.Logger.Info("database seeding completed successfully")
		return nil
	})
}

func runStats(cmdCtx *commandContext, args []string) error {
	opts, err := parseStatsFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		now := time.Now().UTC()

		schedule, gatherErr := gatherScheduleStats(ctx, db, now)
		if gatherErr != nil {
			return gatherErr
		}
		runs, gatherErr := gatherRunStats(ctx, db, now.Add(-opts.Window))
		if gatherErr != nil {
			return gatherErr
		}
		runs.Window = opts.Window

		return printStatsReport(schedule, runs)
	})
}

// scheduleStats summarizes the live endpoint population at one instant.
type scheduleStats struct {
	Live       int
	DueNow     int
	Running    int
	PausedNow  int
	Hinted     int
	ZombieRuns int
	NextDue    *time.Time
}

// runWindowStats counts run outcomes over a trailing window.
type runWindowStats struct {
	Window   time.Duration
	Success  int
	Failed   int
	Timeouts int
	InFlight int
}

// gatherScheduleStats reads the backlog counters straight from the schedule
// tables. The due predicate mirrors the claim query so the numbers here match
// what the next tick would see.
func gatherScheduleStats(ctx context.Context, db *sql.DB, now time.Time) (scheduleStats, error) {
	var (
		stats   scheduleStats
		nextDue sql.NullTime
	)
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE archived_at IS NULL) AS live,
			COUNT(*) FILTER (WHERE archived_at IS NULL
				AND next_run_at <= $1
				AND (paused_until IS NULL OR paused_until <= $1)
				AND (leased_until IS NULL OR leased_until <= $1)) AS due,
			COUNT(*) FILTER (WHERE archived_at IS NULL AND leased_until > $1) AS leased,
			COUNT(*) FILTER (WHERE archived_at IS NULL AND paused_until > $1) AS paused,
			COUNT(*) FILTER (WHERE archived_at IS NULL AND ai_hint_expires_at > $1) AS hinted,
			MIN(next_run_at) FILTER (WHERE archived_at IS NULL
				AND (paused_until IS NULL OR paused_until <= $1)) AS next_due
		FROM job_endpoints
	`, now).Scan(&stats.Live, &stats.DueNow, &stats.Running, &stats.PausedNow, &stats.Hinted, &nextDue)
	if err != nil {
		return scheduleStats{}, fmt.Errorf("query endpoint stats: %w", err)
	}
	if nextDue.Valid {
		t := nextDue.Time.UTC()
		stats.NextDue = &t
	}

	// A zombie is a provisional run whose endpoint lease already expired; the
	// same predicate the reaper sweeps on.
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		WHERE r.finished_at IS NULL
		  AND (e.leased_until IS NULL OR e.leased_until <= $1)
	`, now).Scan(&stats.ZombieRuns)
	if err != nil {
		return scheduleStats{}, fmt.Errorf("query zombie runs: %w", err)
	}

	return stats, nil
}

func gatherRunStats(ctx context.Context, db *sql.DB, since time.Time) (runWindowStats, error) {
	var stats runWindowStats
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'success' AND finished_at IS NOT NULL) AS success,
			COUNT(*) FILTER (WHERE status = 'failed' AND finished_at IS NOT NULL) AS failed,
			COUNT(*) FILTER (WHERE status = 'timeout') AS timeouts,
			COUNT(*) FILTER (WHERE finished_at IS NULL) AS in_flight
		FROM runs
		WHERE started_at >= $1
	`, since).Scan(&stats.Success, &stats.Failed, &stats.Timeouts, &stats.InFlight)
	if err != nil {
		return runWindowStats{}, fmt.Errorf("query run stats: %w", err)
	}
	return stats, nil
}

func printStatsReport(schedule scheduleStats, runs runWindowStats) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Metric\tValue"); err != nil {
		return fmt.Errorf("write stats header: %w", err)
	}
	if err := writef(w, "Live Endpoints\t%d\n", schedule.Live); err != nil {
		return fmt.Errorf("write live endpoints: %w", err)
	}
	if err := writef(w, "Due Now\t%d\n", schedule.DueNow); err != nil {
		return fmt.Errorf("write due now: %w", err)
	}
	if err := writef(w, "Running\t%d\n", schedule.Running); err != nil {
		return fmt.Errorf("write running: %w", err)
	}
	if err := writef(w, "Paused\t%d\n", schedule.PausedNow); err != nil {
		return fmt.Errorf("write paused: %w", err)
	}
	if err := writef(w, "Active Hints\t%d\n", schedule.Hinted); err != nil {
		return fmt.Errorf("write active hints: %w", err)
	}
	if err := writef(w, "Zombie Runs\t%d\n", schedule.ZombieRuns); err != nil {
		return fmt.Errorf("write zombie runs: %w", err)
	}
	if err := writef(w, "Next Due\t%s\n", renderNextDue(schedule.NextDue)); err != nil {
		return fmt.Errorf("write next due: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush stats: %w", err)
	}

	if err := writef(os.Stdout, "\nRuns (last %s)\n", runs.Window); err != nil {
		return fmt.Errorf("write run section title: %w", err)
	}
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Outcome\tCount"); err != nil {
		return fmt.Errorf("write run header: %w", err)
	}
	if err := writef(w, "Succeeded\t%d\n", runs.Success); err != nil {
		return fmt.Errorf("write succeeded: %w", err)
	}
	if err := writef(w, "Failed\t%d\n", runs.Failed); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if err := writef(w, "Timed Out\t%d\n", runs.Timeouts); err != nil {
		return fmt.Errorf("write timed out: %w", err)
	}
	if err := writef(w, "In Flight\t%d\n", runs.InFlight); err != nil {
		return fmt.Errorf("write in flight: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush run stats: %w", err)
	}
	return nil
}

func renderNextDue(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.RFC3339)
}

func runSweep(cmdCtx *commandContext, args []string) error {
	opts, err := parseSweepFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		runner, runnerErr := reaper.NewRunner(reaper.RunnerOptions{
			DB:     db,
			Config: cmdCtx.Config.Reaper,
			Logger: cmdCtx.Logger,
		})
		if runnerErr != nil {
			return fmt.Errorf("create reaper runner: %w", runnerErr)
		}

		cmdCtx.Logger.Info("running manual sweep")
		if sweepErr := runner.RunOnce(ctx); sweepErr != nil {
			return fmt.Errorf("sweep: %w", sweepErr)
		}
		cmdCtx.Logger.Info("manual sweep completed")
		return nil
	})
}

func runTrigger(cmdCtx *commandContext, args []string) error {
	opts, err := parseTriggerFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		tenantID, lookupErr := lookupEndpointTenant(ctx, db, opts.EndpointID)
		if lookupErr != nil {
			return lookupErr
		}

		scheduler, buildErr := buildTriggerScheduler(cmdCtx, db)
		if buildErr != nil {
			return buildErr
		}

		cmdCtx.Logger.Info("dispatching manual run", "endpoint_id", opts.EndpointID)
		run, runErr := scheduler.RunNow(ctx, tenantID, opts.EndpointID)
		if runErr != nil {
			return fmt.Errorf("run now: %w", runErr)
		}

		return printRunReport(run)
	})
}

// lookupEndpointTenant resolves the owning user so the manual run executes
// on the owner's behalf.
func lookupEndpointTenant(ctx context.Context, db *sql.DB, endpointID string) (string, error) {
	var tenantID string
	err := db.QueryRowContext(ctx,
		`SELECT tenant_id FROM job_endpoints WHERE id = $1`, endpointID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("endpoint %q not found", endpointID)
	}
	if err != nil {
		// Mapping covers the malformed-UUID case with a readable message.
		return "", fmt.Errorf("look up endpoint: %w", apperrors.MapDBError(err))
	}
	return tenantID, nil
}

// buildTriggerScheduler wires a one-shot scheduler service around the shared
// DB handle. The configured encryptor matters here: the dispatch path decrypts
// endpoint headers.
func buildTriggerScheduler(cmdCtx *commandContext, db *sql.DB) (*service.SchedulerService, error) {
	encryptor := bootstrap.CreateEncryptor(cmdCtx.Config.EncryptionKey, cmdCtx.Logger)
	repoCfg := data.RepoConfig{Logger: cmdCtx.Logger}

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Logger:       cmdCtx.Logger,
		UserAgent:    cmdCtx.Config.Dispatcher.UserAgent,
		MaxRedirects: cmdCtx.Config.Dispatcher.MaxRedirects,
	})

	schedulerCfg := cmdCtx.Config.Scheduler.Core()
	scheduler, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Endpoints:  data.NewEndpointRepo(db, encryptor, repoCfg),
		Runs:       data.NewRunRepo(db, repoCfg),
		Dispatcher: dispatcher,
		Config:     &schedulerCfg,
		Logger:     cmdCtx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler service: %w", err)
	}
	return scheduler, nil
}

func printRunReport(run *model.Run) error {
	if run == nil {
		return errors.New("no run recorded")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Field\tValue"); err != nil {
		return fmt.Errorf("write run report header: %w", err)
	}
	if err := writef(w, "Run ID\t%s\n", run.ID); err != nil {
		return fmt.Errorf("write run id: %w", err)
	}
	if err := writef(w, "Endpoint ID\t%s\n", run.EndpointID); err != nil {
		return fmt.Errorf("write endpoint id: %w", err)
	}
	if err := writef(w, "Status\t%s\n", run.Status); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := writef(w, "HTTP Status\t%s\n", renderStatusCode(run.StatusCode)); err != nil {
		return fmt.Errorf("write http status: %w", err)
	}
	if err := writef(w, "Duration\t%s\n", util.FormatRunDuration(run.DurationMs)); err != nil {
		return fmt.Errorf("write duration: %w", err)
	}
	if run.ErrorMessage != nil {
		if err := writef(w, "Error\t%s\n", *run.ErrorMessage); err != nil {
			return fmt.Errorf("write error message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush run report: %w", err)
	}
	return nil
}

func renderStatusCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

// cacheClearBatchCap bounds how many keys one DEL carries.
const cacheClearBatchCap = 500

func runCacheClear(cmdCtx *commandContext, args []string) error {
	opts, err := parseCacheClearFlags(args)
	if err != nil {
		return err
	}
	if confirmErr := confirmAction(cacheClearConfirmOptions{opts}, "clear cached read entries"); confirmErr != nil {
		return confirmErr
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, 2*time.Minute)
	defer cancel()

	client, err := maybeConnectRedis(cmdCtx.Logger, &cmdCtx.Config.Redis)
	if errors.Is(err, errRedisNotConfigured) {
		return errors.New("redis is not configured; set REDIS_URI (or sentinel/cluster settings) first")
	}
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()

	var scanned, deleted int64
	for _, pattern := range cacheClearPatterns(opts) {
		cmdCtx.Logger.Info("scanning redis", "pattern", pattern, "dry_run", opts.DryRun)
		s, d, clearErr := clearCachePattern(ctx, client, pattern, opts.DryRun)
		if clearErr != nil {
			return clearErr
		}
		scanned += s
		deleted += d
	}

	if opts.DryRun {
		return writef(os.Stdout, "Would clear %d cached entries\n", scanned)
	}
	return writef(os.Stdout, "Cleared %d/%d cached entries\n", deleted, scanned)
}

// cacheClearPatterns maps the selected families onto the namespaced key
// patterns the cache repo writes.
func cacheClearPatterns(opts cacheClearOptions) []string {
	var patterns []string
	if opts.All || opts.Dashboards {
		patterns = append(patterns, data.CacheKeyPrefix+"dashboard:*")
	}
	if opts.All || opts.Responses {
		patterns = append(patterns, data.CacheKeyPrefix+"response:latest:*")
	}
	return patterns
}

func clearCachePattern(
	ctx context.Context,
	client redis.UniversalClient,
	pattern string,
	dryRun bool,
) (int64, int64, error) {
	var scanned, deleted int64
	batch := make([]string, 0, cacheClearBatchCap)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if !dryRun {
			n, delErr := client.Del(ctx, batch...).Result()
			if delErr != nil {
				return fmt.Errorf("delete cache keys: %w", delErr)
			}
			deleted += n
		}
		batch = batch[:0]
		return nil
	}

	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		scanned++
		batch = append(batch, iter.Val())
		if len(batch) == cacheClearBatchCap {
			if err := flush(); err != nil {
				return scanned, deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return scanned, deleted, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return scanned, deleted, err
	}
	return scanned, deleted, nil
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDBResetFlags(args []string) (dbResetOptions, error) {
	fs := flag.NewFlagSet("db-reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbResetOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for reset operations to complete",
	)
	fs.BoolVar(
		&opts.Yes,
		"yes",
		false,
		"Skip confirmation prompt",
	)
	fs.BoolVar(
		&opts.Seed,
		"seed",
		false,
		"Run database seeding after reset completes",
	)
	fs.BoolVar(
		&opts.AllowRemote,
		"allow-remote",
		false,
		"Permit running against database hosts that do not look local",
	)

	if err := fs.Parse(args); err != nil {
		return dbResetOptions{}, err
	}

	if opts.Timeout <= 0 {
		return dbResetOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDBSeedFlags(args []string) (dbSeedOptions, error) {
	fs := flag.NewFlagSet("db-seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbSeedOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for seeding to complete",
	)
	fs.BoolVar(
		&opts.AllowRemote,
		"allow-remote",
		false,
		"Permit running against database hosts that do not look local",
	)

	if err := fs.Parse(args); err != nil {
		return dbSeedOptions{}, err
	}

	if opts.Timeout <= 0 {
		return dbSeedOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseStatsFlags(args []string) (statsOptions, error) {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := statsOptions{
		Timeout: defaultStatsTimeout,
		Window:  defaultStatsWindow,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultStatsTimeout,
		"Maximum duration to wait for stat queries",
	)
	fs.DurationVar(
		&opts.Window,
		"window",
		defaultStatsWindow,
		"Trailing window for run outcome counts",
	)

	if err := fs.Parse(args); err != nil {
		return statsOptions{}, err
	}

	if opts.Timeout <= 0 {
		return statsOptions{}, errors.New("--timeout must be greater than zero")
	}
	if opts.Window <= 0 {
		return statsOptions{}, errors.New("--window must be greater than zero")
	}

	return opts, nil
}

func parseSweepFlags(args []string) (sweepOptions, error) {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := sweepOptions{
		Timeout: defaultSweepTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultSweepTimeout,
		"Maximum duration to wait for the sweep to complete",
	)

	if err := fs.Parse(args); err != nil {
		return sweepOptions{}, err
	}

	if opts.Timeout <= 0 {
		return sweepOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseTriggerFlags(args []string) (triggerOptions, error) {
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := triggerOptions{
		Timeout: defaultTriggerTimeout,
	}

	fs.StringVar(&opts.EndpointID, "endpoint-id", "", "Endpoint ID to dispatch (or pass as the first argument)")
	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultTriggerTimeout,
		"Maximum duration to wait for the dispatch to complete",
	)

	if err := fs.Parse(args); err != nil {
		return triggerOptions{}, err
	}

	opts.EndpointID = strings.TrimSpace(opts.EndpointID)
	if opts.EndpointID == "" {
		opts.EndpointID = strings.TrimSpace(fs.Arg(0))
	}
	if opts.EndpointID == "" {
		return triggerOptions{}, errors.New("an endpoint ID is required (--endpoint-id or first argument)")
	}
	if opts.Timeout <= 0 {
		return triggerOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseCacheClearFlags(args []string) (cacheClearOptions, error) {
	fs := flag.NewFlagSet("cache-clear", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cacheClearOptions
	fs.BoolVar(&opts.Dashboards, "dashboards", false, "Clear cached dashboard payloads")
	fs.BoolVar(&opts.Responses, "responses", false, "Clear cached latest-response entries")
	fs.BoolVar(&opts.All, "all", false, "Clear every cached entry family")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Print actions without executing")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return cacheClearOptions{}, err
	}

	if err := validateCacheClearOptions(opts); err != nil {
		return cacheClearOptions{}, err
	}

	return opts, nil
}

func validateCacheClearOptions(opts cacheClearOptions) error {
	if opts.All {
		if opts.Dashboards || opts.Responses {
			return errors.New("--all cannot be combined with --dashboards or --responses")
		}
		return nil
	}
	if !opts.Dashboards && !opts.Responses {
		return errors.New("--dashboards, --responses, or --all is required")
	}
	return nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func guardRemoteHost(cmdCtx *commandContext, allow bool, action string) (bool, error) {
	remote := isLikelyRemoteHost(cmdCtx.Config.Postgres.Host)
	if !remote {
		return false, nil
	}
	if !allow {
		return true, fmt.Errorf(
			"refusing to run against potentially remote database host %q; re-run with --allow-remote if this is intentional",
			cmdCtx.Config.Postgres.Host,
		)
	}
	if err := requireRemoteHostConfirmation(action, cmdCtx.Config.Postgres.Host); err != nil {
		return true, err
	}
	return true, nil
}

func (cmdCtx *commandContext) resetDatabase(ctx context.Context, db *sql.DB) error {
	if cmdCtx == nil {
		return errors.New("command context is required")
	}

	cfg := &cmdCtx.Config.Postgres
	statements := []string{
		"DROP SCHEMA public CASCADE",
		"CREATE SCHEMA public",
		"GRANT ALL ON SCHEMA public TO public",
	}
	if user := strings.TrimSpace(cfg.User); user != "" && !strings.EqualFold(user, "public") {
		statements = append(statements, "GRANT ALL ON SCHEMA public TO "+quoteIdentifier(user))
	}

	for _, stmt := range statements {
		if cmdCtx.Logger != nil {
			cmdCtx.Logger.DebugContext(ctx, "executing reset statement", "sql", stmt)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return false
	}
	if strings.HasSuffix(h, ".local") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

func requireRemoteHostConfirmation(action, host string) error {
	if err := writef(
		os.Stderr,
		"\nWARNING: database host %q does not look like a local address.\n"+
			"This operation will %s.\n",
		host,
		action,
	); err != nil {
		return fmt.Errorf("print remote host warning: %w", err)
	}
	if err := writef(os.Stderr, "Type %q to continue or press enter to abort: ", host); err != nil {
		return fmt.Errorf("print remote host prompt: %w", err)
	}
	reader := bufio.NewReader(os.Stdin)
	resp, err := reader.ReadString('\n')
	if err != nil {
		if writeErr := writef(os.Stderr, "\nFailed to read confirmation input: %v\n", err); writeErr != nil {
			return fmt.Errorf("aborted by user: report write failed: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	if strings.TrimSpace(resp) != host {
		if writeErr := writeln(os.Stderr, "\nRemote safeguard check failed; aborting."); writeErr != nil {
			return fmt.Errorf("print remote safeguard failure: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	return nil
}

type confirmOptions interface {
	IsDryRun() bool
	IsYes() bool
	GetTarget() string
	GetWarning() string
}

type dbResetConfirmOptions struct {
	yes        bool
	target     string
	remoteHost string
}

func (d dbResetConfirmOptions) IsDryRun() bool { return false }
func (d dbResetConfirmOptions) IsYes() bool {
	if d.remoteHost != "" {
		return false
	}
	return d.yes
}

func (d dbResetConfirmOptions) GetWarning() string {
	warning := "WARNING: this will drop and recreate the public schema for the configured database."
	if d.remoteHost != "" {
		warning += fmt.Sprintf(" Host %q appears to be remote; double-check before proceeding.", d.remoteHost)
	}
	return warning
}
func (d dbResetConfirmOptions) GetTarget() string { return d.target }

type cacheClearConfirmOptions struct {
	opts cacheClearOptions
}

func (c cacheClearConfirmOptions) IsDryRun() bool { return c.opts.DryRun }
func (c cacheClearConfirmOptions) IsYes() bool    { return c.opts.Yes }
func (c cacheClearConfirmOptions) GetWarning() string {
	return "WARNING: this will drop cached read entries; reads fall back to Postgres until the cache refills."
}

func (c cacheClearConfirmOptions) GetTarget() string {
	switch {
	case c.opts.All:
		return "all cached entries"
	case c.opts.Dashboards && c.opts.Responses:
		return "dashboard and latest-response entries"
	case c.opts.Dashboards:
		return "dashboard entries"
	default:
		return "latest-response entries"
	}
}

func confirmAction(opts confirmOptions, actionType string) error {
	if opts.IsDryRun() || opts.IsYes() {
		return nil
	}

	if err := printConfirmationIntro(opts, actionType); err != nil {
		return err
	}

	if err := write(os.Stdout, "Continue? [y/N]: "); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	reader := bufio.NewReader(os.Stdin)
	resp, err := reader.ReadString('\n')
	if err != nil {
		if writeErr := writef(os.Stdout, "\nFailed to read confirmation input: %v\n", err); writeErr != nil {
			return fmt.Errorf("aborted by user: report write failed: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func printConfirmationIntro(opts confirmOptions, actionType string) error {
	target := opts.GetTarget()
	if target == "" {
		if err := writeln(os.Stdout, opts.GetWarning()); err != nil {
			return fmt.Errorf("print confirmation warning: %w", err)
		}
		return nil
	}

	if err := writef(os.Stdout, "About to %s for %s.\n", actionType, target); err != nil {
		return fmt.Errorf("print confirmation message: %w", err)
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func write(w io.Writer, args ...any) error {
	_, err := fmt.Fprint(w, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
