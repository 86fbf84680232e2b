package bootstrap

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weskerllc/cronicorn/config"
	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
	"github.com/weskerllc/cronicorn/internal/observability/notify"
	"github.com/weskerllc/cronicorn/internal/observability/notify/pagerduty"
	"github.com/weskerllc/cronicorn/internal/observability/notify/slack"
	"github.com/weskerllc/cronicorn/internal/observability/statsd"
	"github.com/weskerllc/cronicorn/internal/service"
	"github.com/weskerllc/cronicorn/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobsService
	Hints         *service.HintsService
	Dashboard     *service.DashboardService
	Observability ObservabilityContainer
}

// ObservabilityContainer carries the metrics sink and failure notifier that
// the scheduler and reaper share. Either may be nil when its config disables
// it; callers emit through nil-tolerant wrappers.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	FailureNotifier *failurenotifier.Service
	MetricsConfig   config.ObservabilityMetricsConfig
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// ServiceDeps is the raw material NewServices assembles the container from.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// repoSet bundles the data adapters the services draw from.
type repoSet struct {
	DB           *sql.DB
	Redis        redis.UniversalClient
	JobRepo      *data.JobRepo
	EndpointRepo *data.EndpointRepo
	RunRepo      *data.RunRepo
	SessionRepo  *data.SessionRepo
	CacheRepo    *data.RedisCacheRepo
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := cmp.Or(logger, slog.Default())

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:    true,
			Address:    cfg.Metrics.StatsdAddress,
			Prefix:     "cronicorn",
			Logger:     obsLogger,
			GlobalTags: cfg.Metrics.TagMap(),
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	failureNotifier := buildFailureNotifier(obsLogger, cfg.Notifications)

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: failureNotifier,
		NotifierConfig:  cfg.Notifications,
	}
}

// buildRepositories builds repositories backing service ports; no business
// rules here. The endpoint repo is attached separately once the encryption
// key is known.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient, logger *slog.Logger) *repoSet {
	repoCfg := data.RepoConfig{Logger: logger}

	repos := &repoSet{
		DB:          db,
		Redis:       redisClient,
		JobRepo:     data.NewJobRepo(db, repoCfg),
		RunRepo:     data.NewRunRepo(db, repoCfg),
		SessionRepo: data.NewSessionRepo(db, repoCfg),
	}
	if redisClient != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(redisClient)
	}
	return repos
}

// ensureEndpointRepo attaches the endpoint repo once config is available,
// since it needs the header encryptor derived from the encryption key.
func ensureEndpointRepo(repos *repoSet, cfg *config.AppConfig, logger *slog.Logger) {
	key := ""
	if cfg != nil {
		key = cfg.EncryptionKey
	}
	repos.EndpointRepo = data.NewEndpointRepo(repos.DB, CreateEncryptor(key, logger), data.RepoConfig{
		Logger: logger,
	})
}

func newJobsService(repos *repoSet, cfg *config.AppConfig, logger *slog.Logger) *service.JobsService {
	quotas := cfg.Quotas.Core()
	return service.NewJobsService(service.JobsServiceOptions{
		Jobs:      repos.JobRepo,
		Endpoints: repos.EndpointRepo,
		Quotas:    &quotas,
		Logger:    logger,
	})
}

func newHintsService(repos *repoSet, jobs *service.JobsService, cfg *config.AppConfig, logger *slog.Logger) *service.HintsService {
	opts := service.HintsServiceOptions{
		Jobs:     jobs,
		Runs:     repos.RunRepo,
		Sessions: repos.SessionRepo,
		Logger:   logger,
	}
	if cfg.Cache.Enabled && repos.CacheRepo != nil {
		opts.Cache = repos.CacheRepo
		opts.ResponseTTL = cfg.Cache.ResponseTTL
	}
	return service.NewHintsService(opts)
}

func newDashboardService(repos *repoSet, cfg *config.AppConfig, logger *slog.Logger) *service.DashboardService {
	opts := service.DashboardServiceOptions{
		Jobs:      repos.JobRepo,
		Endpoints: repos.EndpointRepo,
		Runs:      repos.RunRepo,
		Sessions:  repos.SessionRepo,
		Logger:    logger,
	}
	if cfg.Cache.Enabled && repos.CacheRepo != nil {
		opts.Cache = repos.CacheRepo
		opts.CacheTTL = cfg.Cache.DashboardTTL
	}
	return service.NewDashboardService(opts)
}

// NewServices wires the full service container from raw dependencies. A nil
// deps yields an empty container, which keeps CLI paths that only need a
// subset of services simple.
func NewServices(deps *ServiceDeps) ServiceContainer {
	if deps == nil {
		return ServiceContainer{}
	}
	logger := cmp.Or(deps.Logger, slog.Default())
	appCfg := cmp.Or(deps.Config, &config.AppConfig{})

	repos := buildRepositories(deps.DB, deps.RedisClient, logger)
	ensureEndpointRepo(repos, appCfg, logger)

	jobsService := newJobsService(repos, appCfg, logger)
	return ServiceContainer{
		Jobs:          jobsService,
		Hints:         newHintsService(repos, jobsService, appCfg, logger),
		Dashboard:     newDashboardService(repos, appCfg, logger),
		Observability: buildObservability(logger, appCfg.Observability),
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	logger = cmp.Or(logger, slog.Default())

	var sinks []failurenotifier.SinkRegistration
	register := func(name string, sink notify.Sink, err error) {
		if err != nil {
			logger.Error("failed to initialise "+name+" notifier", "error", err)
			return
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: name, Sink: sink})
	}

	if cfg.Enabled {
		if cfg.Slack.Enabled {
			client, err := slack.NewClient(slack.Config{
				WebhookURL:        cfg.Slack.WebhookURL,
				Channel:           cfg.Slack.Channel,
				Username:          cfg.Slack.Username,
				Timeout:           cfg.Timeout,
				RetryLimit:        cfg.RetryLimit,
				EndpointURLPrefix: cfg.Slack.EndpointURLPrefix,
			})
			register("slack", client, err)
		}
		if cfg.PagerDuty.Enabled {
			client, err := pagerduty.NewClient(pagerduty.Config{
				RoutingKey: cfg.PagerDuty.RoutingKey,
				Source:     cfg.PagerDuty.Source,
				Component:  cfg.PagerDuty.Component,
				Timeout:    cfg.Timeout,
				RetryLimit: cfg.RetryLimit,
			})
			register("pagerduty", client, err)
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:          logger.With("component", "failure_notifier"),
		Sinks:           sinks,
		StreakThreshold: cfg.FailureStreakThreshold,
	})
}

// ServiceOrchestrationConfig carries everything RunServicesWithShutdown needs
// to start the background services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// shutdownWaitTimeout caps how long each service gets to wind down after the
// run context is cancelled.
const shutdownWaitTimeout = 15 * time.Second

// daemon is a long-running component tied to the service mode that enables it.
type daemon struct {
	mode config.ServiceMode
	name string
	run  func(context.Context) error
}

// supervisor launches the enabled daemons and tracks their completion
// channels so shutdown can wait for each one.
type supervisor struct {
	cfg       *ServiceOrchestrationConfig
	logger    *slog.Logger
	encryptor cryptoutil.Encryptor
	enabled   map[config.ServiceMode]bool
	errCh     chan error
	running   map[string]<-chan struct{}
}

func (s *supervisor) schedulerDaemon() daemon {
	return daemon{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		run: func(ctx context.Context) error {
			return RunScheduler(ctx, SchedulerConfig{
				DB:         s.cfg.DB,
				Logger:     s.logger,
				Config:     s.cfg.Config.Scheduler,
				Dispatcher: s.cfg.Config.Dispatcher,
				Encryptor:  s.encryptor,
				Metrics:    s.cfg.Services.Observability.MetricsSink,
				Notifier:   s.cfg.Services.Observability.FailureNotifier,
			})
		},
	}
}

func (s *supervisor) reaperDaemon() daemon {
	return daemon{
		mode: config.ServiceModeReaper,
		name: "reaper",
		run: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				DB:        s.cfg.DB,
				Logger:    s.logger,
				Config:    s.cfg.Config.Reaper,
				Encryptor: s.encryptor,
				Metrics:   s.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

// start launches each enabled daemon. Disabled modes are skipped without a
// handle, so shutdown never waits on them.
func (s *supervisor) start(ctx context.Context) {
	s.launch(ctx, s.schedulerDaemon())
	s.launch(ctx, s.reaperDaemon())
}

func (s *supervisor) launch(ctx context.Context, d daemon) {
	if !s.enabled[d.mode] {
		return
	}

	done := make(chan struct{})
	s.running[d.name] = done
	go func() {
		defer close(done)
		err := d.run(ctx)
		if err == nil {
			return
		}
		failure := fmt.Errorf("%s failed: %w", d.name, err)
		select {
		case s.errCh <- failure:
		default:
			// Shutdown is already in flight with the channel full; nothing
			// will read this error.
			s.logger.WarnContext(ctx, "dropping background service error",
				"service", d.name, "error", failure)
		}
	}()

	s.logger.InfoContext(ctx, "background service started", "service", d.name, "mode", d.mode)
}

// wait blocks until a termination signal arrives or a daemon reports an
// error, then cancels the run context and drains the running set.
func (s *supervisor) wait(ctx context.Context, cancel context.CancelFunc) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	select {
	case <-sigCtx.Done():
		s.logger.Info("shutting down services...")
	case err = <-s.errCh:
		s.logger.Error("service error", "error", err)
	}

	cancel()
	s.awaitStopped()
	return err
}

// awaitStopped gives every running daemon its own shutdownWaitTimeout to
// finish after cancellation.
func (s *supervisor) awaitStopped() {
	for name, done := range s.running {
		select {
		case <-done:
			s.logger.Info(name + " stopped")
		case <-time.After(shutdownWaitTimeout):
			s.logger.Warn("timeout waiting for " + name + " to stop")
		}
	}
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal is received or one of them fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cmp.Or(cfg.Logger, slog.Default())

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := &supervisor{
		cfg:       cfg,
		logger:    logger,
		encryptor: CreateEncryptor(cfg.Config.EncryptionKey, logger),
		enabled:   enabled,
		errCh:     make(chan error, errorChannelBufferSize(enabled)),
		running:   make(map[string]<-chan struct{}),
	}
	sup.start(ctx)
	return sup.wait(ctx, cancel)
}

// errorChannelBufferSize sizes the error channel so every enabled service can
// report once without blocking, plus one slot of headroom.
func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := 1
	for _, mode := range []config.ServiceMode{config.ServiceModeScheduler, config.ServiceModeReaper} {
		if enabled[mode] {
			size++
		}
	}
	return size
}
