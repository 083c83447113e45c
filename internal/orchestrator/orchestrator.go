// Package orchestrator accepts task requests, matches them to capable idle
// agents, and drives the task lifecycle through retries and escalation.
//
// All task state lives in the memory store under "tasks/<id>"; the
// scheduling loop never blocks on task execution, which runs in its own
// goroutine per task and reports back through a result queue.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	empotel "github.com/tellemthatsme/ai-empire-monitoring-suite/internal/otel"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry"
)

var tracer = empotel.Tracer("github.com/tellemthatsme/ai-empire-monitoring-suite/internal/orchestrator")

// Config tunes the scheduling loop.
type Config struct {
	ScheduleInterval   time.Duration // tick cadence for assignment and requeue
	AssignLimit        int           // max assignments per tick (monitor can lower it)
	DefaultMaxAttempts int           // attempt budget when a request omits one
	BackoffBase        time.Duration // retry delay base, doubled per attempt
	BackoffCap         time.Duration // retry delay ceiling
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 2 * time.Second
	}
	if cfg.AssignLimit <= 0 {
		cfg.AssignLimit = 8
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	return cfg
}

// SubmitRequest is a caller's task submission.
type SubmitRequest struct {
	Type               string `json:"type"`
	Payload            string `json:"payload"`
	RequiredCapability string `json:"required_capability"`
	MaxAttempts        int    `json:"max_attempts"`
	Priority           string `json:"priority"`
}

type outcome struct {
	taskID     string
	agentID    string
	output     string
	endpointID string
	model      string
	err        error
}

// Orchestrator owns the task state machine and the scheduling loop.
type Orchestrator struct {
	store       *memory.Store
	registry    *registry.Registry
	exec        Executor
	cfg         Config
	results     chan outcome
	assignLimit atomic.Int32
	wg          sync.WaitGroup
}

// New creates an orchestrator. exec may be nil, in which case assigned tasks
// wait for external agent processes to ack and report over the agent
// interface instead of being executed in-process.
func New(store *memory.Store, reg *registry.Registry, exec Executor, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: reg,
		exec:     exec,
		cfg:      cfg.withDefaults(),
		results:  make(chan outcome, 64),
	}
	o.assignLimit.Store(int32(o.cfg.AssignLimit))
	return o
}

// Registry exposes the agent registry backing this orchestrator.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Submit creates a task in pending state and returns its id.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(attribute.String("task_type", req.Type)))
	defer span.End()

	if req.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if req.RequiredCapability == "" {
		return "", fmt.Errorf("%w: required_capability is required", ErrInvalidRequest)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = o.cfg.DefaultMaxAttempts
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if _, ok := priorityRank[req.Priority]; !ok {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}

	task := Task{
		Kind:               "task",
		ID:                 newTaskID(),
		Type:               req.Type,
		Payload:            req.Payload,
		RequiredCapability: req.RequiredCapability,
		Priority:           req.Priority,
		State:              StatePending,
		MaxAttempts:        req.MaxAttempts,
		CreatedAt:          time.Now().UTC(),
	}
	value, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	if _, err := o.store.Put(ctx, taskKey(task.ID), value, 0); err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.String("task_id", task.ID))
	log.Info().Str("task_id", task.ID).Str("task_type", task.Type).
		Str("capability", task.RequiredCapability).Msg("task_submitted")
	return task.ID, nil
}

// Get returns the current task record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Task, error) {
	task, _, err := loadTask(ctx, o.store, id)
	return task, err
}

// List returns all task records.
func (o *Orchestrator) List(ctx context.Context) ([]Task, error) {
	entries, err := o.store.Query(ctx, memory.CategoryTasks+memory.Sep)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		var task Task
		if err := json.Unmarshal(e.Value, &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Counts returns the number of tasks per state.
func (o *Orchestrator) Counts(ctx context.Context) (map[string]int, error) {
	tasks, err := o.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, task := range tasks {
		counts[task.State]++
	}
	return counts, nil
}

// Cancel cancels a task. Before running it finishes immediately as escalated
// with reason "cancelled"; once running, the flag is stored alongside the
// task and the executing agent observes it cooperatively between steps.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	var releaseAgent string
	task, err := updateTask(ctx, o.store, id, func(task *Task) error {
		if task.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.State)
		}
		task.Cancelled = true
		switch task.State {
		case StatePending, StateFailed:
			o.finish(task, StateEscalated, "cancelled")
		case StateAssigned:
			releaseAgent = task.AssignedAgentID
			task.AssignedAgentID = ""
			o.finish(task, StateEscalated, "cancelled")
		case StateRunning:
			// Cooperative: flag only, the agent reports the outcome.
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if releaseAgent != "" {
		if err := o.registry.Release(ctx, releaseAgent, false); err != nil {
			log.Warn().Err(err).Str("agent_id", releaseAgent).Msg("cancel_release_failed")
		}
	}
	log.Info().Str("task_id", id).Str("state", task.State).Msg("task_cancelled")
	return nil
}

// AckStart moves an assigned task to running; called by the executing agent
// when it picks the task up.
func (o *Orchestrator) AckStart(ctx context.Context, agentID, taskID string) error {
	_, err := updateTask(ctx, o.store, taskID, func(task *Task) error {
		if task.State != StateAssigned {
			return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.State)
		}
		if task.AssignedAgentID != agentID {
			return fmt.Errorf("%w: %s assigned to %s", ErrWrongAgent, taskID, task.AssignedAgentID)
		}
		task.State = StateRunning
		return nil
	})
	return err
}

// ReportResult records a task outcome from the executing agent and always
// releases the agent, keeping the task/agent link consistent. Failed tasks
// re-enter pending after a backoff while attempts remain; otherwise they
// escalate with the last failure reason.
func (o *Orchestrator) ReportResult(ctx context.Context, agentID, taskID string, success bool, output, errReason, endpointID, model string) error {
	ctx, span := tracer.Start(ctx, "orchestrator.report_result",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("agent_id", agentID),
			attribute.Bool("success", success),
		))
	defer span.End()

	task, err := updateTask(ctx, o.store, taskID, func(task *Task) error {
		if task.State != StateRunning {
			return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, taskID, task.State)
		}
		if task.AssignedAgentID != agentID {
			return fmt.Errorf("%w: %s assigned to %s", ErrWrongAgent, taskID, task.AssignedAgentID)
		}
		task.AttemptCount++
		task.AssignedAgentID = ""
		switch {
		case success:
			task.Result = &Result{Output: output, EndpointID: endpointID, Model: model}
			o.finish(task, StateCompleted, "")
		case task.Cancelled:
			o.finish(task, StateEscalated, "cancelled")
		case task.AttemptCount >= task.MaxAttempts:
			o.finish(task, StateEscalated, errReason)
		default:
			task.State = StateFailed
			task.LastError = errReason
			task.NotBefore = time.Now().UTC().Add(o.backoff(task.AttemptCount))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if relErr := o.registry.Release(ctx, agentID, success); relErr != nil {
		log.Warn().Err(relErr).Str("agent_id", agentID).Msg("release_failed")
	}

	log.Info().Str("task_id", taskID).Str("agent_id", agentID).
		Str("state", task.State).Int("attempt", task.AttemptCount).
		Func(empotel.LogTraceFields(ctx)).Msg("task_result")
	return nil
}

// finish moves the task into a terminal state.
func (o *Orchestrator) finish(task *Task, state, errReason string) {
	task.State = state
	task.LastError = errReason
	now := time.Now().UTC()
	task.FinishedAt = &now
}

// backoff returns base × 2^(attempt-1), capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.BackoffCap {
			return o.cfg.BackoffCap
		}
	}
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	return d
}

// SetAssignmentLimit adjusts per-tick assignment concurrency. Used as the
// monitor's backpressure directive.
func (o *Orchestrator) SetAssignmentLimit(n int) {
	if n < 1 {
		n = 1
	}
	o.assignLimit.Store(int32(n))
	log.Info().Int("assign_limit", n).Msg("assignment_limit_set")
}

// AssignmentLimit returns the current per-tick assignment limit.
func (o *Orchestrator) AssignmentLimit() int {
	return int(o.assignLimit.Load())
}

// Run drives the scheduling loop until ctx is cancelled: it drains the
// result queue, sweeps dead agents, promotes retry-ready tasks, and assigns
// pending work. Task execution never runs on this goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ScheduleInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", o.cfg.ScheduleInterval).Msg("orchestrator_started")
	for {
		select {
		case <-ctx.Done():
			// Keep draining while executors finish so none block on the
			// result queue.
			done := make(chan struct{})
			go func() {
				o.wg.Wait()
				close(done)
			}()
			for {
				select {
				case out := <-o.results:
					o.handleOutcome(context.Background(), out)
				case <-done:
					o.drainResults()
					log.Info().Msg("orchestrator_stopped")
					return
				}
			}
		case out := <-o.results:
			o.handleOutcome(context.WithoutCancel(ctx), out)
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// drainResults handles outcomes still queued after the executors exit.
func (o *Orchestrator) drainResults() {
	for {
		select {
		case out := <-o.results:
			o.handleOutcome(context.Background(), out)
		default:
			return
		}
	}
}

func (o *Orchestrator) handleOutcome(ctx context.Context, out outcome) {
	success := out.err == nil
	errReason := ""
	if out.err != nil {
		errReason = out.err.Error()
	}
	if err := o.ReportResult(ctx, out.agentID, out.taskID, success, out.output, errReason, out.endpointID, out.model); err != nil {
		// Requeued by a sweep in the meantime; the outcome is stale.
		log.Debug().Err(err).Str("task_id", out.taskID).Msg("stale_outcome_dropped")
	}
}

// Tick runs one scheduling pass. Exported so tests (and the serve loop on
// shutdown) can drive the scheduler deterministically.
func (o *Orchestrator) Tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "orchestrator.tick")
	defer span.End()

	now := time.Now().UTC()
	o.requeueOrphans(ctx, now)
	o.promoteRetries(ctx, now)
	o.assignPending(ctx, now)
}

// requeueOrphans returns tasks held by offline agents to pending.
func (o *Orchestrator) requeueOrphans(ctx context.Context, now time.Time) {
	orphans, err := o.registry.Sweep(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("sweep_failed")
		return
	}
	for _, taskID := range orphans {
		_, err := updateTask(ctx, o.store, taskID, func(task *Task) error {
			if task.Terminal() {
				return fmt.Errorf("%w: %s", ErrTaskTerminal, taskID)
			}
			task.State = StatePending
			task.AssignedAgentID = ""
			task.LastError = "agent went offline"
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Msg("requeue_failed")
			continue
		}
		log.Info().Str("task_id", taskID).Msg("task_requeued")
	}
}

// promoteRetries moves failed tasks whose backoff has elapsed back to
// pending.
func (o *Orchestrator) promoteRetries(ctx context.Context, now time.Time) {
	tasks, err := o.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("list_tasks_failed")
		return
	}
	for _, task := range tasks {
		if task.State != StateFailed || task.NotBefore.After(now) {
			continue
		}
		id := task.ID
		_, err := updateTask(ctx, o.store, id, func(t *Task) error {
			if t.State != StateFailed || t.NotBefore.After(now) {
				return fmt.Errorf("%w: %s no longer retryable", ErrTaskTerminal, id)
			}
			t.State = StatePending
			return nil
		})
		if err == nil {
			log.Debug().Str("task_id", id).Msg("task_retry_ready")
		}
	}
}

// assignPending matches pending tasks to candidates, highest priority and
// oldest first, up to the current assignment limit.
func (o *Orchestrator) assignPending(ctx context.Context, now time.Time) {
	tasks, err := o.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("list_tasks_failed")
		return
	}

	var pending []Task
	for _, task := range tasks {
		if task.State != StatePending {
			continue
		}
		if task.Cancelled {
			o.escalateCancelled(ctx, task.ID)
			continue
		}
		pending = append(pending, task)
	}
	sort.Slice(pending, func(i, j int) bool {
		if priorityRank[pending[i].Priority] != priorityRank[pending[j].Priority] {
			return priorityRank[pending[i].Priority] < priorityRank[pending[j].Priority]
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	limit := o.AssignmentLimit()
	assigned := 0
	for _, task := range pending {
		if assigned >= limit {
			break
		}
		if o.assignOne(ctx, task) {
			assigned++
		}
	}
}

// assignOne claims a candidate and moves the task to assigned. On
// ErrAgentBusy (a racing tick won the agent) the next candidate is tried
// within the same pass; with no candidates left the task stays pending for
// the next tick.
func (o *Orchestrator) assignOne(ctx context.Context, task Task) bool {
	candidates, err := o.registry.FindCandidates(ctx, task.RequiredCapability)
	if err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("find_candidates_failed")
		return false
	}
	for _, candidate := range candidates {
		if err := o.registry.Claim(ctx, candidate.ID, task.ID); err != nil {
			if errors.Is(err, registry.ErrAgentBusy) {
				continue
			}
			log.Warn().Err(err).Str("agent_id", candidate.ID).Msg("claim_failed")
			continue
		}

		agentID := candidate.ID
		_, err := updateTask(ctx, o.store, task.ID, func(t *Task) error {
			if t.State != StatePending || t.Cancelled {
				return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, t.State)
			}
			t.State = StateAssigned
			t.AssignedAgentID = agentID
			return nil
		})
		if err != nil {
			// Task moved under us (cancelled or requeued); give the agent back.
			if relErr := o.registry.Release(ctx, agentID, false); relErr != nil {
				log.Warn().Err(relErr).Str("agent_id", agentID).Msg("unclaim_failed")
			}
			return false
		}

		log.Info().Str("task_id", task.ID).Str("agent_id", agentID).Msg("task_assigned")
		if o.exec != nil {
			o.launch(ctx, task.ID, agentID)
		}
		return true
	}
	return false
}

// escalateCancelled finishes a task cancelled while still pending.
func (o *Orchestrator) escalateCancelled(ctx context.Context, taskID string) {
	_, err := updateTask(ctx, o.store, taskID, func(t *Task) error {
		if t.Terminal() {
			return fmt.Errorf("%w: %s", ErrTaskTerminal, taskID)
		}
		o.finish(t, StateEscalated, "cancelled")
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("task_id", taskID).Msg("escalate_cancelled_skipped")
	}
}

// launch runs the task on the in-process executor in its own goroutine.
// The outcome flows back through the result queue so the scheduling loop
// never blocks on an endpoint call.
func (o *Orchestrator) launch(ctx context.Context, taskID, agentID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if err := o.AckStart(ctx, agentID, taskID); err != nil {
			log.Debug().Err(err).Str("task_id", taskID).Msg("ack_skipped")
			return
		}

		task, _, err := loadTask(ctx, o.store, taskID)
		if err != nil {
			o.results <- outcome{taskID: taskID, agentID: agentID, err: err}
			return
		}
		// Cancellation flag check between steps: a cancel issued after
		// assignment but before execution stops the work here.
		if task.Cancelled {
			o.results <- outcome{taskID: taskID, agentID: agentID, err: errors.New("cancelled")}
			return
		}

		exec, err := o.exec.Execute(ctx, task)
		out := outcome{taskID: taskID, agentID: agentID, err: err}
		if exec != nil {
			out.output = exec.Output
			out.endpointID = exec.EndpointID
			out.model = exec.Model
		}
		o.results <- out
	}()
}
