// Package endpoint manages the pool of interchangeable work-execution
// backends. Only free endpoints (cost_per_call == 0) are admitted to the
// default pool; per-endpoint health and rate limits decide routing.
package endpoint

import (
	"context"
	"errors"
	"time"
)

// TimeoutCall bounds every endpoint invocation. Expiry is a failure outcome
// and feeds the consecutive-failure counter.
const TimeoutCall = 60 * time.Second

// Domain errors.
var (
	ErrNoAvailableEndpoint = errors.New("no available endpoint")
	ErrRateLimited         = errors.New("endpoint rate limited")
	ErrPaidEndpoint        = errors.New("endpoint is not free")
	ErrUnknownEndpoint     = errors.New("unknown endpoint")
)

// Descriptor is what an endpoint reports about itself at admission time.
// RateLimit is requests per rolling minute. Tags are capability hints used to
// prefer an endpoint for matching task types.
type Descriptor struct {
	ID          string   `json:"id"`
	CostPerCall float64  `json:"cost_per_call"`
	RateLimit   int      `json:"rate_limit"`
	Tags        []string `json:"tags,omitempty"`
}

// Completion is a successful endpoint response.
type Completion struct {
	Content string
	Model   string
}

// Provider is the contract the external model-serving collaborator must
// satisfy: submit a prompt, get a completion or an error. Rate-limit
// responses are surfaced as ErrRateLimited; everything else is a server
// failure.
type Provider interface {
	Invoke(ctx context.Context, prompt string) (*Completion, error)
	Describe() Descriptor
}
