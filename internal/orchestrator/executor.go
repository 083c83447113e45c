package orchestrator

import (
	"context"
	"fmt"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/endpoint"
)

// Execution is what running a task produced.
type Execution struct {
	Output     string
	EndpointID string
	Model      string
}

// Executor runs a task's work. Implementations must honor ctx cancellation;
// the orchestrator retries or escalates based on the returned error.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*Execution, error)
}

// EndpointExecutor runs tasks against the endpoint pool: it selects an
// endpoint by the task's capability, invokes it with the payload, and lets
// the pool account for cost and failures.
type EndpointExecutor struct {
	pool *endpoint.Pool
}

// NewEndpointExecutor wraps a pool as an Executor.
func NewEndpointExecutor(pool *endpoint.Pool) *EndpointExecutor {
	return &EndpointExecutor{pool: pool}
}

// Execute picks an endpoint and runs the task payload through it. With no
// endpoint available the task fails and re-enters the retry cycle, which
// gives rate limits and disabled endpoints time to recover.
func (e *EndpointExecutor) Execute(ctx context.Context, task *Task) (*Execution, error) {
	id, err := e.pool.Select(ctx, task.RequiredCapability)
	if err != nil {
		return nil, fmt.Errorf("selecting endpoint: %w", err)
	}
	completion, err := e.pool.Invoke(ctx, id, task.Payload)
	if err != nil {
		return &Execution{EndpointID: id}, fmt.Errorf("endpoint %s: %w", id, err)
	}
	return &Execution{
		Output:     completion.Content,
		EndpointID: id,
		Model:      completion.Model,
	}, nil
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *Task) (*Execution, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*Execution, error) {
	return f(ctx, task)
}
