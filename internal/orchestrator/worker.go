package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker is an in-process agent: it registers itself, heartbeats, polls its
// own registry record for assignments, and reports results. It exercises
// the same agent interface an external process would, so a deployment can
// mix built-in workers with remote ones.
type Worker struct {
	ID           string
	Capabilities []string

	orch          *Orchestrator
	exec          Executor
	pollInterval  time.Duration
	heartbeatEach time.Duration
}

// NewWorker creates an unstarted worker bound to the orchestrator's
// registry and the given executor.
func NewWorker(orch *Orchestrator, exec Executor, id string, capabilities []string) *Worker {
	return &Worker{
		ID:            id,
		Capabilities:  capabilities,
		orch:          orch,
		exec:          exec,
		pollInterval:  time.Second,
		heartbeatEach: 15 * time.Second,
	}
}

// Run registers the worker and loops until ctx is cancelled. Assignments
// are discovered by polling the worker's own agent record: the orchestrator
// claims the agent and writes the task id there, which is the single source
// of truth for the link.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.orch.Registry().Register(ctx, w.ID, w.Capabilities); err != nil {
		return err
	}
	log.Info().Str("agent_id", w.ID).Strs("capabilities", w.Capabilities).Msg("worker_started")

	heartbeat := time.NewTicker(w.heartbeatEach)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("agent_id", w.ID).Msg("worker_stopped")
			return nil
		case <-heartbeat.C:
			if err := w.orch.Registry().Heartbeat(ctx, w.ID); err != nil {
				log.Warn().Err(err).Str("agent_id", w.ID).Msg("heartbeat_failed")
			}
		case <-poll.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	agent, err := w.orch.Registry().Get(ctx, w.ID)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", w.ID).Msg("worker_poll_failed")
		return
	}
	if agent.CurrentTaskID == "" {
		return
	}
	w.runTask(ctx, agent.CurrentTaskID)
}

// runTask drives one assignment through ack, execute, and report. Errors
// from ack mean the task was requeued or cancelled before we picked it up;
// the claim is resolved by the next sweep.
func (w *Worker) runTask(ctx context.Context, taskID string) {
	if err := w.orch.AckStart(ctx, w.ID, taskID); err != nil {
		log.Debug().Err(err).Str("task_id", taskID).Str("agent_id", w.ID).Msg("worker_ack_skipped")
		return
	}

	task, err := w.orch.Get(ctx, taskID)
	if err != nil {
		w.report(ctx, taskID, false, "", err.Error(), "", "")
		return
	}
	if task.Cancelled {
		w.report(ctx, taskID, false, "", "cancelled", "", "")
		return
	}

	exec, err := w.exec.Execute(ctx, task)
	if err != nil {
		endpointID := ""
		if exec != nil {
			endpointID = exec.EndpointID
		}
		w.report(ctx, taskID, false, "", err.Error(), endpointID, "")
		return
	}
	w.report(ctx, taskID, true, exec.Output, "", exec.EndpointID, exec.Model)
}

func (w *Worker) report(ctx context.Context, taskID string, success bool, output, errReason, endpointID, model string) {
	if err := w.orch.ReportResult(ctx, w.ID, taskID, success, output, errReason, endpointID, model); err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Str("agent_id", w.ID).Msg("worker_report_failed")
	}
}
