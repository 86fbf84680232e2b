package core

import (
	"context"

	"github.com/weskerllc/cronicorn/internal/domain/model"
)

// Dispatcher defines the interface for executing an endpoint's HTTP request.
// Implementations never return an error: every failure mode (connection
// refused, timeout, non-2xx status) is folded into the Outcome so the
// scheduler can record it and let the governor decide what happens next.
type Dispatcher interface {
	// Dispatch performs one request against the endpoint's URL, honoring its
	// method, headers, body, timeout, and response size cap.
	Dispatch(ctx context.Context, endpoint *model.Endpoint) model.Outcome
}
