package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
)

// Task states. Completed and escalated are terminal; failed is transient and
// re-enters pending while attempts remain.
const (
	StatePending   = "pending"
	StateAssigned  = "assigned"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateEscalated = "escalated"
)

// Task priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

var priorityRank = map[string]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Domain errors.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskTerminal   = errors.New("task already terminal")
	ErrWrongAgent     = errors.New("task not assigned to agent")
	ErrInvalidRequest = errors.New("invalid task request")
)

// Result is the output of a completed task.
type Result struct {
	Output     string `json:"output"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Task is the persisted task record ("kind":"task" variant) under
// "tasks/<id>".
type Task struct {
	Kind               string     `json:"kind"`
	ID                 string     `json:"id"`
	Type               string     `json:"type"`
	Payload            string     `json:"payload"`
	RequiredCapability string     `json:"required_capability"`
	Priority           string     `json:"priority"`
	State              string     `json:"state"`
	AssignedAgentID    string     `json:"assigned_agent_id,omitempty"`
	AttemptCount       int        `json:"attempt_count"`
	MaxAttempts        int        `json:"max_attempts"`
	CreatedAt          time.Time  `json:"created_at"`
	NotBefore          time.Time  `json:"not_before,omitempty"`
	Cancelled          bool       `json:"cancelled"`
	LastError          string     `json:"last_error,omitempty"`
	Result             *Result    `json:"result,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the task has reached a terminal state.
func (t *Task) Terminal() bool {
	return t.State == StateCompleted || t.State == StateEscalated
}

func taskKey(id string) string {
	return memory.Key(memory.CategoryTasks, id)
}

func newTaskID() string {
	return "tsk_" + uuid.New().String()[:12]
}

// loadTask reads a task record and its store version.
func loadTask(ctx context.Context, store *memory.Store, id string) (*Task, int64, error) {
	value, version, err := store.Get(ctx, taskKey(id))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, 0, err
	}
	var task Task
	if err := json.Unmarshal(value, &task); err != nil {
		return nil, 0, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &task, version, nil
}

// updateTask applies fn to the task under the optimistic-version protocol.
// fn returning an error aborts without writing.
func updateTask(ctx context.Context, store *memory.Store, id string, fn func(task *Task) error) (*Task, error) {
	var result Task
	_, err := store.Update(ctx, taskKey(id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		var task Task
		if err := json.Unmarshal(current, &task); err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", id, err)
		}
		if err := fn(&task); err != nil {
			return nil, err
		}
		result = task
		return json.Marshal(task)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
