// Package registry tracks agent identity, capabilities, and status. All
// agent state lives in the memory store under "agents/<id>"; the registry
// itself holds no cache, so every mutation goes through the store's
// optimistic-version protocol and claim/release stay race-free across
// concurrent orchestrator ticks.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	empotel "github.com/tellemthatsme/ai-empire-monitoring-suite/internal/otel"
)

var tracer = empotel.Tracer("github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry")

// Domain errors.
var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrAgentBusy    = errors.New("agent not idle")
)

// Agent statuses.
const (
	StatusIdle      = "idle"
	StatusBusy      = "busy"
	StatusUnhealthy = "unhealthy"
	StatusOffline   = "offline"
)

// Agent is the persisted agent record ("kind":"agent" variant).
type Agent struct {
	Kind          string    `json:"kind"`
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Registry performs all agent mutations against the memory store.
type Registry struct {
	store            *memory.Store
	heartbeatTimeout time.Duration
	sessionTTL       time.Duration // 0 disables session tracking
}

// New creates a registry. Agents silent for longer than heartbeatTimeout are
// marked offline by Sweep.
func New(store *memory.Store, heartbeatTimeout time.Duration) *Registry {
	return &Registry{store: store, heartbeatTimeout: heartbeatTimeout}
}

func agentKey(id string) string {
	return memory.Key(memory.CategoryAgents, id)
}

// Register creates or updates an agent. Idempotent: re-registering an
// existing id updates capabilities (and revives an offline agent) without
// creating a duplicate.
func (r *Registry) Register(ctx context.Context, id string, capabilities []string) error {
	ctx, span := tracer.Start(ctx, "registry.register",
		trace.WithAttributes(attribute.String("agent_id", id)))
	defer span.End()

	if id == "" {
		return fmt.Errorf("agent id must not be empty")
	}

	now := time.Now().UTC()
	_, err := r.store.Update(ctx, agentKey(id), func(current json.RawMessage) (json.RawMessage, error) {
		agent := Agent{Kind: "agent", ID: id, Status: StatusIdle, RegisteredAt: now}
		if current != nil {
			if err := json.Unmarshal(current, &agent); err != nil {
				return nil, fmt.Errorf("decoding agent %s: %w", id, err)
			}
			if agent.Status == StatusOffline {
				agent.Status = StatusIdle
			}
		}
		agent.Capabilities = capabilities
		agent.LastHeartbeat = now
		return json.Marshal(agent)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	r.touchSession(ctx, id, now)

	log.Debug().Str("agent_id", id).Strs("capabilities", capabilities).Msg("agent_registered")
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "registry.heartbeat",
		trace.WithAttributes(attribute.String("agent_id", id)))
	defer span.End()

	_, err := r.store.Update(ctx, agentKey(id), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		var agent Agent
		if err := json.Unmarshal(current, &agent); err != nil {
			return nil, fmt.Errorf("decoding agent %s: %w", id, err)
		}
		agent.LastHeartbeat = time.Now().UTC()
		if agent.Status == StatusOffline {
			agent.Status = StatusIdle
		}
		return json.Marshal(agent)
	})
	if err != nil {
		return err
	}
	r.touchSession(ctx, id, time.Now().UTC())
	return nil
}

// Get returns the agent record.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	value, _, err := r.store.Get(ctx, agentKey(id))
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
		}
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(value, &agent); err != nil {
		return nil, fmt.Errorf("decoding agent %s: %w", id, err)
	}
	return &agent, nil
}

// List returns all agent records.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	entries, err := r.store.Query(ctx, memory.CategoryAgents+memory.Sep)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(entries))
	for _, e := range entries {
		var agent Agent
		if err := json.Unmarshal(e.Value, &agent); err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// FindCandidates returns idle agents declaring the capability, ordered by
// fewest completed tasks so assignment balances load across the window.
func (r *Registry) FindCandidates(ctx context.Context, capability string) ([]Agent, error) {
	ctx, span := tracer.Start(ctx, "registry.find_candidates",
		trace.WithAttributes(attribute.String("capability", capability)))
	defer span.End()

	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []Agent
	for _, agent := range agents {
		if agent.Status != StatusIdle {
			continue
		}
		if !agent.HasCapability(capability) {
			continue
		}
		candidates = append(candidates, agent)
	}
	sortCandidates(candidates)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates, nil
}

// sortCandidates orders candidates by completed-task count ascending. Ties go
// to the agent declaring fewer capabilities, keeping generalists free for
// tasks only they can take; id is the final deterministic tiebreak.
func sortCandidates(agents []Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Completed != agents[j].Completed {
			return agents[i].Completed < agents[j].Completed
		}
		if len(agents[i].Capabilities) != len(agents[j].Capabilities) {
			return len(agents[i].Capabilities) < len(agents[j].Capabilities)
		}
		return agents[i].ID < agents[j].ID
	})
}

// Claim transitions an idle agent to busy and sets its current task. The
// status check and write happen in one conditional store write, so two ticks
// racing on the same agent cannot both succeed: the loser's version check
// fails, it re-reads, sees busy, and gets ErrAgentBusy.
func (r *Registry) Claim(ctx context.Context, agentID, taskID string) error {
	ctx, span := tracer.Start(ctx, "registry.claim",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("task_id", taskID),
		))
	defer span.End()

	_, err := r.store.Update(ctx, agentKey(agentID), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		var agent Agent
		if err := json.Unmarshal(current, &agent); err != nil {
			return nil, fmt.Errorf("decoding agent %s: %w", agentID, err)
		}
		if agent.Status != StatusIdle {
			return nil, fmt.Errorf("%w: %s is %s", ErrAgentBusy, agentID, agent.Status)
		}
		agent.Status = StatusBusy
		agent.CurrentTaskID = taskID
		return json.Marshal(agent)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	log.Debug().Str("agent_id", agentID).Str("task_id", taskID).Msg("agent_claimed")
	return nil
}

// Release transitions the agent back to idle, clears its current task, and
// bumps its completed/failed counter. Called on every task terminal state
// regardless of outcome.
func (r *Registry) Release(ctx context.Context, agentID string, success bool) error {
	ctx, span := tracer.Start(ctx, "registry.release",
		trace.WithAttributes(attribute.String("agent_id", agentID)))
	defer span.End()

	_, err := r.store.Update(ctx, agentKey(agentID), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		var agent Agent
		if err := json.Unmarshal(current, &agent); err != nil {
			return nil, fmt.Errorf("decoding agent %s: %w", agentID, err)
		}
		agent.CurrentTaskID = ""
		if agent.Status == StatusBusy {
			agent.Status = StatusIdle
		}
		if success {
			agent.Completed++
		} else {
			agent.Failed++
		}
		return json.Marshal(agent)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	log.Debug().Str("agent_id", agentID).Bool("success", success).Msg("agent_released")
	return nil
}

// SetStatus sets an agent's status directly (e.g. unhealthy from a monitor
// directive). CurrentTaskID is preserved.
func (r *Registry) SetStatus(ctx context.Context, agentID, status string) error {
	_, err := r.store.Update(ctx, agentKey(agentID), func(current json.RawMessage) (json.RawMessage, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		var agent Agent
		if err := json.Unmarshal(current, &agent); err != nil {
			return nil, fmt.Errorf("decoding agent %s: %w", agentID, err)
		}
		agent.Status = status
		return json.Marshal(agent)
	})
	return err
}

// Sweep marks agents whose heartbeat is older than the timeout as offline and
// returns the task ids they were holding so the orchestrator can re-queue
// them. Offline agents are excluded from FindCandidates by status.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (orphanedTasks []string, err error) {
	ctx, span := tracer.Start(ctx, "registry.sweep")
	defer span.End()

	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-r.heartbeatTimeout)
	for _, agent := range agents {
		if agent.Status == StatusOffline || !agent.LastHeartbeat.Before(cutoff) {
			continue
		}
		id := agent.ID
		var orphan string
		_, err := r.store.Update(ctx, agentKey(id), func(current json.RawMessage) (json.RawMessage, error) {
			var a Agent
			if err := json.Unmarshal(current, &a); err != nil {
				return nil, fmt.Errorf("decoding agent %s: %w", id, err)
			}
			// Re-check under the version protocol: a heartbeat may have
			// landed between List and this write.
			if !a.LastHeartbeat.Before(cutoff) {
				orphan = ""
				return current, nil
			}
			orphan = a.CurrentTaskID
			a.Status = StatusOffline
			a.CurrentTaskID = ""
			return json.Marshal(a)
		})
		if err != nil {
			log.Warn().Err(err).Str("agent_id", id).Msg("sweep_update_failed")
			continue
		}
		if orphan != "" {
			orphanedTasks = append(orphanedTasks, orphan)
		}
		log.Info().Str("agent_id", id).Time("last_heartbeat", agent.LastHeartbeat).Msg("agent_offline")
	}
	span.SetAttributes(attribute.Int("orphaned_tasks", len(orphanedTasks)))
	return orphanedTasks, nil
}

// Counts returns the number of agents per status for the observability
// surface and the health score.
func (r *Registry) Counts(ctx context.Context) (map[string]int, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, agent := range agents {
		counts[agent.Status]++
	}
	return counts, nil
}
