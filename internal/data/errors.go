package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound   = errors.New("job not found")
	ErrJobNameExists = errors.New("job name already exists for this user")

	// Endpoint repository sentinels.
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrEndpointArchived = errors.New("endpoint is archived")
	// ErrEndpointLeased is returned when claiming an endpoint whose lease
	// another worker currently holds.
	ErrEndpointLeased = errors.New("endpoint is leased by another worker")

	// Run repository sentinels.
	ErrRunNotFound = errors.New("run not found")

	// Analysis session repository sentinels.
	ErrSessionNotFound = errors.New("analysis session not found")
)
