// Package devseed populates a development database with a representative set
// of jobs and endpoints so the scheduler has something to fire immediately.
package devseed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/weskerllc/cronicorn/internal/data"
	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
	"github.com/weskerllc/cronicorn/internal/domain/model"
	apperrors "github.com/weskerllc/cronicorn/internal/errors"
	"github.com/weskerllc/cronicorn/internal/service"
)

// devUserID owns every seeded row. All seeded state lives under one user so a
// wipe of that user removes it cleanly.
const devUserID = "dev-user"

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB   *sql.DB
	jobs *service.JobsService
}

// NewServices constructs the job manager used for seeding against the provided DB.
func NewServices(db *sql.DB) Services {
	encryptor := &cryptoutil.NoopEncryptor{} // Use noop for dev
	repoCfg := data.RepoConfig{}
	jobsService := service.NewJobsService(service.JobsServiceOptions{
		Jobs:      data.NewJobRepo(db, repoCfg),
		Endpoints: data.NewEndpointRepo(db, encryptor, repoCfg),
	})
	return Services{DB: db, jobs: jobsService}
}

// Run executes the full development seeding workflow against the provided DB.
// Re-running is safe: existing jobs and endpoints are left untouched.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := 0
	for _, spec := range defaultJobSeedSpecs() {
		failures += seedJob(ctx, svcs.jobs, spec, logger)
	}
	if err := seedDemoHint(ctx, svcs.jobs, logger); err != nil {
		if logger != nil {
			logger.WarnContext(ctx, "failed to seed demo hint", "error", err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

type jobSeedSpec struct {
	name        string
	description string
	endpoints   []endpointSeedSpec
}

type endpointSeedSpec struct {
	name       string
	url        string
	method     model.HTTPMethod
	cron       string
	intervalMs int64
	minMs      int64
	maxMs      int64
	headers    map[string]string
	body       json.RawMessage
	timeoutMs  int64
}

func defaultJobSeedSpecs() []jobSeedSpec {
	return []jobSeedSpec{
		{
			name: "payments-monitoring",
			description: "Watches the payment provider's health and our webhook backlog. " +
				"Tighten the cadence when failures or backlog spikes show up; relax it off-peak.",
			endpoints: []endpointSeedSpec{
				{
					name:       "provider-health",
					url:        "https://status.payments.example.com/v2/health",
					method:     model.MethodGet,
					intervalMs: 60_000,
					minMs:      10_000,
					maxMs:      600_000,
					timeoutMs:  5_000,
				},
				{
					name:       "webhook-backlog",
					url:        "https://api.internal.example.com/payments/webhooks/backlog",
					method:     model.MethodGet,
					intervalMs: 120_000,
					minMs:      30_000,
					maxMs:      900_000,
					headers:    map[string]string{"Authorization": "Bearer dev-payments-token"},
				},
			},
		},
		{
			name: "nightly-reports",
			description: "Kicks off overnight batch report generation. Strictly off-hours; " +
				"never worth probing during the day.",
			endpoints: []endpointSeedSpec{
				{
					name:    "revenue-rollup",
					url:     "https://reports.internal.example.com/v1/rollups",
					method:  model.MethodPost,
					cron:    "0 2 * * *",
					headers: map[string]string{"Content-Type": "application/json"},
					body:    json.RawMessage(`{"report":"revenue","window":"24h"}`),
				},
				{
					name:   "stale-export-cleanup",
					url:    "https://reports.internal.example.com/v1/exports/stale",
					method: model.MethodDelete,
					cron:   "30 3 * * 0",
				},
			},
		},
		{
			name: "infra-probes",
			description: "Cheap liveness probes for shared infrastructure. Safe to slow down " +
				"when everything has been green for a while.",
			endpoints: []endpointSeedSpec{
				{
					name:       "queue-depth",
					url:        "https://mq.internal.example.com/metrics/depth",
					method:     model.MethodGet,
					intervalMs: 30_000,
					minMs:      5_000,
					maxMs:      300_000,
				},
				{
					name:       "cache-hit-ratio",
					url:        "https://cache.internal.example.com/stats",
					method:     model.MethodGet,
					intervalMs: 300_000,
				},
			},
		},
	}
}

// seedJob ensures the job container and each of its endpoints exist, returning
// the number of failures encountered.
func seedJob(ctx context.Context, svc *service.JobsService, spec jobSeedSpec, logger *slog.Logger) int {
	job, created, err := ensureJob(ctx, svc, spec)
	if err != nil {
		if logger != nil {
			logger.ErrorContext(ctx, "failed to create job", "name", spec.name, "error", err)
		}
		return 1
	}
	if logger != nil {
		msg := "job already exists"
		if created {
			msg = "created job"
		}
		logger.InfoContext(ctx, msg, "name", spec.name)
	}

	return seedEndpoints(ctx, svc, job, spec.endpoints, logger)
}

// ensureJob creates the job or resolves the existing one by name.
func ensureJob(ctx context.Context, svc *service.JobsService, spec jobSeedSpec) (*model.Job, bool, error) {
	desc := spec.description
	job, err := svc.CreateJob(ctx, devUserID, &model.CreateJobRequest{
		Name:        spec.name,
		Description: &desc,
	})
	if err == nil {
		return job, true, nil
	}
	if !apperrors.IsConflict(err) {
		return nil, false, err
	}

	existing, listErr := svc.ListJobs(ctx, devUserID, false)
	if listErr != nil {
		return nil, false, fmt.Errorf("list jobs: %w", listErr)
	}
	for _, j := range existing {
		if j.Name == spec.name {
			return j, false, nil
		}
	}
	// An archived job still holds the name; surface the original conflict.
	return nil, false, err
}

func seedEndpoints(
	ctx context.Context,
	svc *service.JobsService,
	job *model.Job,
	specs []endpointSeedSpec,
	logger *slog.Logger,
) int {
	existing, err := svc.ListEndpoints(ctx, devUserID, job.ID, false)
	if err != nil {
		if logger != nil {
			logger.ErrorContext(ctx, "failed to list endpoints", "job", job.Name, "error", err)
		}
		return 1
	}
	present := make(map[string]bool, len(existing))
	for _, e := range existing {
		present[e.Name] = true
	}

	failures := 0
	for _, spec := range specs {
		if present[spec.name] {
			if logger != nil {
				logger.InfoContext(ctx, "endpoint already exists", "job", job.Name, "name", spec.name)
			}
			continue
		}
		if _, addErr := svc.AddEndpoint(ctx, devUserID, job.ID, spec.request()); addErr != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to create endpoint",
					"job", job.Name, "name", spec.name, "error", addErr)
			}
			failures++
			continue
		}
		if logger != nil {
			logger.InfoContext(ctx, "created endpoint", "job", job.Name, "name", spec.name)
		}
	}
	return failures
}

// request maps the seed spec onto a create request, leaving unset knobs nil.
func (s endpointSeedSpec) request() *model.CreateEndpointRequest {
	req := &model.CreateEndpointRequest{
		Name:    s.name,
		URL:     s.url,
		Method:  s.method,
		Headers: s.headers,
		Body:    s.body,
	}
	if s.cron != "" {
		cron := s.cron
		req.BaselineCron = &cron
	} else {
		req.BaselineIntervalMs = int64Ptr(s.intervalMs)
	}
	if s.minMs > 0 {
		req.MinIntervalMs = int64Ptr(s.minMs)
	}
	if s.maxMs > 0 {
		req.MaxIntervalMs = int64Ptr(s.maxMs)
	}
	if s.timeoutMs > 0 {
		req.TimeoutMs = int64Ptr(s.timeoutMs)
	}
	return req
}

// seedDemoHint writes one short-lived interval hint so the adaptive path is
// visible in a fresh environment. Hints are latest-wins, so re-seeding just
// refreshes the expiry.
func seedDemoHint(ctx context.Context, svc *service.JobsService, logger *slog.Logger) error {
	endpoint, err := findSeededEndpoint(ctx, svc, "infra-probes", "queue-depth")
	if err != nil {
		return err
	}

	reason := "backlog spike drill: probe faster until the queue drains"
	if err := svc.ApplyIntervalHint(ctx, devUserID, endpoint.ID, &model.IntervalHintRequest{
		IntervalMs: 10_000,
		TTLMinutes: 30,
		Reason:     &reason,
	}); err != nil {
		return fmt.Errorf("apply interval hint: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "seeded demo interval hint",
			"endpoint", endpoint.Name, "interval_ms", 10_000, "ttl_minutes", 30)
	}
	return nil
}

func findSeededEndpoint(
	ctx context.Context,
	svc *service.JobsService,
	jobName, endpointName string,
) (*model.Endpoint, error) {
	jobs, err := svc.ListJobs(ctx, devUserID, false)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Name != jobName {
			continue
		}
		endpoints, listErr := svc.ListEndpoints(ctx, devUserID, job.ID, false)
		if listErr != nil {
			return nil, fmt.Errorf("list endpoints: %w", listErr)
		}
		for _, e := range endpoints {
			if e.Name == endpointName {
				return e, nil
			}
		}
	}
	return nil, fmt.Errorf("endpoint %s/%s not seeded", jobName, endpointName)
}

func int64Ptr(v int64) *int64 { return &v }
