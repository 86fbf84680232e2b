// Package mocks holds gomock-generated doubles for the core repository
// interfaces. Regenerate after interface changes with:
//
//	go generate ./internal/mocks
package mocks

// ReaperRepository backs the reaper's maintenance sweeps; the mock covers
// CleanupZombieRuns, ReleaseExpiredLeases, ClearExpiredHints, DeleteOldRuns,
// DeleteOldSessions and CountDueEndpoints.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/weskerllc/cronicorn/internal/core ReaperRepository
