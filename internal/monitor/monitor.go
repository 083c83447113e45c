// Package monitor samples registry, pool, and orchestrator state on a fixed
// interval, computes a bounded health score, raises deduplicated alerts, and
// feeds corrective directives back into the pool and the orchestrator.
//
// Every snapshot is appended to the memory store under "health/snap-<seq>"
// with the full latest copy at "health/latest", so a restarted monitor
// resumes its sequence and cost baselines instead of re-deriving history.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/endpoint"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/orchestrator"
	empotel "github.com/tellemthatsme/ai-empire-monitoring-suite/internal/otel"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry"
)

var tracer = empotel.Tracer("github.com/tellemthatsme/ai-empire-monitoring-suite/internal/monitor")

const latestKey = memory.CategoryHealth + memory.Sep + "latest"

func snapshotKey(seq int64) string {
	return fmt.Sprintf("%s%ssnap-%08d", memory.CategoryHealth, memory.Sep, seq)
}

// Alert is one observed problem, deduplicated by (Subject, Reason) within
// the dedup window.
type Alert struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Reason    string    `json:"reason"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Directive is a corrective action the monitor applied during a cycle.
type Directive struct {
	Action    string    `json:"action"` // reenable_endpoint | set_assignment_limit
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EndpointCost carries per-endpoint usage accounting into the snapshot.
type EndpointCost struct {
	EndpointID string  `json:"endpoint_id"`
	Calls      int64   `json:"calls"`
	Failures   int64   `json:"failures"`
	TotalCost  float64 `json:"total_cost"`
}

// Snapshot is an immutable point-in-time health record. New snapshots are
// appended; nothing edits an existing one.
type Snapshot struct {
	Kind              string         `json:"kind"`
	Seq               int64          `json:"seq"`
	Score             float64        `json:"score"`
	AgentHealthyFrac  float64        `json:"agent_healthy_frac"`
	EndpointAvailFrac float64        `json:"endpoint_avail_frac"`
	FailureRate       float64        `json:"failure_rate"`
	EscalatedTasks    int            `json:"escalated_tasks"`
	ActiveAlerts      []Alert        `json:"active_alerts"`
	Directives        []Directive    `json:"directives,omitempty"`
	AutoOptimizations int64          `json:"auto_optimizations_applied"`
	TaskCounts        map[string]int `json:"task_counts"`
	AgentCounts       map[string]int `json:"agent_counts"`
	Endpoints         []EndpointCost `json:"endpoints"`
	TotalCost         float64        `json:"total_cost"`
	WindowCalls       int64          `json:"window_calls"`
	WindowFailures    int64          `json:"window_failures"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Config tunes the monitor loop.
type Config struct {
	Interval      time.Duration // sampling cadence
	AlertScore    float64       // score below this raises a system alert
	DegradedScore float64       // score below this triggers backpressure
	ReenableAfter time.Duration // disabled endpoint probe cooldown
	DedupWindow   time.Duration // (subject, reason) alert suppression span
	AssignLimit   int           // orchestrator limit restored on recovery
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.AlertScore <= 0 {
		cfg.AlertScore = 60
	}
	if cfg.DegradedScore <= 0 {
		cfg.DegradedScore = 40
	}
	if cfg.ReenableAfter <= 0 {
		cfg.ReenableAfter = 5 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.AssignLimit <= 0 {
		cfg.AssignLimit = 8
	}
	return cfg
}

// Monitor owns the health sampling loop.
type Monitor struct {
	store *memory.Store
	reg   *registry.Registry
	pool  *endpoint.Pool
	orch  *orchestrator.Orchestrator
	cfg   Config
	cron  *cron.Cron

	mu            sync.Mutex
	seq           int64
	latestVersion int64
	optimizations int64
	prevCalls     int64
	prevFailures  int64
	lastAlerted   map[string]time.Time // subject|reason → last raised
	resumed       bool
}

// New creates a stopped monitor.
func New(store *memory.Store, reg *registry.Registry, pool *endpoint.Pool, orch *orchestrator.Orchestrator, cfg Config) *Monitor {
	return &Monitor{
		store:       store,
		reg:         reg,
		pool:        pool,
		orch:        orch,
		cfg:         cfg.withDefaults(),
		lastAlerted: make(map[string]time.Time),
	}
}

// Start schedules the sampling loop on a cron runner and returns. Call Stop
// to halt it.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.resume(ctx); err != nil {
		return err
	}
	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.Interval), func() {
		if _, err := m.Cycle(ctx); err != nil {
			log.Warn().Err(err).Msg("monitor_cycle_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling monitor: %w", err)
	}
	m.cron.Start()
	log.Info().Dur("interval", m.cfg.Interval).Msg("monitor_started")
	return nil
}

// Stop halts the loop, waiting for an in-flight cycle to finish.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	log.Info().Msg("monitor_stopped")
}

// resume picks the sequence, optimization count, and cost baselines back up
// from the last persisted snapshot.
func (m *Monitor) resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumed {
		return nil
	}

	value, version, err := m.store.Get(ctx, latestKey)
	if errors.Is(err, memory.ErrNotFound) {
		m.resumed = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading latest snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return fmt.Errorf("decoding latest snapshot: %w", err)
	}
	m.seq = snap.Seq
	m.latestVersion = version
	m.optimizations = snap.AutoOptimizations
	for _, ep := range snap.Endpoints {
		m.prevCalls += ep.Calls
		m.prevFailures += ep.Failures
	}
	m.resumed = true
	log.Info().Int64("seq", snap.Seq).Float64("score", snap.Score).Msg("monitor_resumed")
	return nil
}

// Latest returns the most recent persisted snapshot.
func (m *Monitor) Latest(ctx context.Context) (*Snapshot, error) {
	value, _, err := m.store.Get(ctx, latestKey)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Alerts returns the active alerts of the latest snapshot.
func (m *Monitor) Alerts(ctx context.Context) ([]Alert, error) {
	snap, err := m.Latest(ctx)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap.ActiveAlerts, nil
}

// Cycle runs one sampling pass: gather, score, alert, apply directives,
// persist. Exported so tests can drive the monitor deterministically.
func (m *Monitor) Cycle(ctx context.Context) (*Snapshot, error) {
	ctx, span := tracer.Start(ctx, "monitor.cycle")
	defer span.End()

	if err := m.resume(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	agents, err := m.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	endpoints, err := m.pool.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	tasks, err := m.orch.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	snap := m.buildSnapshot(now, agents, endpoints, tasks)
	m.raiseAlerts(&snap, now, agents, endpoints, tasks)
	m.applyDirectives(ctx, &snap, now, endpoints)
	snap.AutoOptimizations = m.optimizations

	if err := m.persist(ctx, &snap); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("health.score", snap.Score),
		attribute.Int("health.alerts", len(snap.ActiveAlerts)),
	)
	log.Info().Int64("seq", snap.Seq).Float64("score", snap.Score).
		Int("alerts", len(snap.ActiveAlerts)).Int("directives", len(snap.Directives)).
		Func(empotel.LogTraceFields(ctx)).Msg("health_snapshot")
	return &snap, nil
}

func (m *Monitor) buildSnapshot(now time.Time, agents []registry.Agent, endpoints []endpoint.Record, tasks []orchestrator.Task) Snapshot {
	snap := Snapshot{
		Kind:        "health_snapshot",
		Seq:         m.seq + 1,
		TaskCounts:  make(map[string]int),
		AgentCounts: make(map[string]int),
		Timestamp:   now,
	}

	healthy := 0
	for _, a := range agents {
		snap.AgentCounts[a.Status]++
		if a.Status == registry.StatusIdle || a.Status == registry.StatusBusy {
			healthy++
		}
	}
	snap.AgentHealthyFrac = fraction(healthy, len(agents))

	available := 0
	var calls, failures int64
	for _, ep := range endpoints {
		if ep.Available {
			available++
		}
		calls += ep.Calls
		failures += ep.Failures
		snap.Endpoints = append(snap.Endpoints, EndpointCost{
			EndpointID: ep.ID,
			Calls:      ep.Calls,
			Failures:   ep.Failures,
			TotalCost:  ep.TotalCost,
		})
		snap.TotalCost += ep.TotalCost
	}
	sort.Slice(snap.Endpoints, func(i, j int) bool {
		return snap.Endpoints[i].EndpointID < snap.Endpoints[j].EndpointID
	})
	snap.EndpointAvailFrac = fraction(available, len(endpoints))

	// Trailing-window failure rate: call deltas since the previous snapshot.
	snap.WindowCalls = calls - m.prevCalls
	snap.WindowFailures = failures - m.prevFailures
	if snap.WindowCalls > 0 {
		snap.FailureRate = float64(snap.WindowFailures) / float64(snap.WindowCalls)
	}
	m.prevCalls = calls
	m.prevFailures = failures

	for _, task := range tasks {
		snap.TaskCounts[task.State]++
	}
	snap.EscalatedTasks = snap.TaskCounts[orchestrator.StateEscalated]

	snap.Score = Score(snap.AgentHealthyFrac, snap.EndpointAvailFrac, snap.FailureRate, snap.EscalatedTasks)
	return snap
}

func (m *Monitor) raiseAlerts(snap *Snapshot, now time.Time, agents []registry.Agent, endpoints []endpoint.Record, tasks []orchestrator.Task) {
	for _, a := range agents {
		if a.Status == registry.StatusOffline {
			m.addAlert(snap, now, "agent/"+a.ID, "offline", "warning",
				fmt.Sprintf("agent %s missed its heartbeat window", a.ID))
		}
		if a.Status == registry.StatusUnhealthy {
			m.addAlert(snap, now, "agent/"+a.ID, "unhealthy", "warning",
				fmt.Sprintf("agent %s marked unhealthy", a.ID))
		}
	}
	for _, ep := range endpoints {
		if !ep.Available {
			m.addAlert(snap, now, "endpoint/"+ep.ID, "disabled", "warning",
				fmt.Sprintf("endpoint %s disabled: %s", ep.ID, ep.DisabledReason))
		}
	}
	for _, task := range tasks {
		if task.State == orchestrator.StateEscalated {
			m.addAlert(snap, now, "task/"+task.ID, "escalated", "critical",
				fmt.Sprintf("task %s escalated after %d attempts: %s", task.ID, task.AttemptCount, task.LastError))
		}
	}
	if snap.Score < m.cfg.AlertScore {
		severity := "warning"
		if snap.Score < m.cfg.DegradedScore {
			severity = "critical"
		}
		m.addAlert(snap, now, "system", "score_below_threshold", severity,
			fmt.Sprintf("health score %.1f below %.0f", snap.Score, m.cfg.AlertScore))
	}
}

// addAlert appends unless the same (subject, reason) fired within the dedup
// window.
func (m *Monitor) addAlert(snap *Snapshot, now time.Time, subject, reason, severity, message string) {
	key := subject + "|" + reason
	if last, ok := m.lastAlerted[key]; ok && now.Sub(last) < m.cfg.DedupWindow {
		return
	}
	m.lastAlerted[key] = now
	snap.ActiveAlerts = append(snap.ActiveAlerts, Alert{
		ID:        "alr_" + uuid.NewString()[:12],
		Subject:   subject,
		Reason:    reason,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
	})
}

// applyDirectives issues corrective actions: probe-reenable endpoints past
// their cooldown, and throttle or restore the orchestrator's assignment
// concurrency depending on the score.
func (m *Monitor) applyDirectives(ctx context.Context, snap *Snapshot, now time.Time, endpoints []endpoint.Record) {
	for _, ep := range endpoints {
		if ep.Available || ep.DisabledAt.IsZero() || now.Sub(ep.DisabledAt) < m.cfg.ReenableAfter {
			continue
		}
		if err := m.pool.Reenable(ctx, ep.ID); err != nil {
			log.Warn().Err(err).Str("endpoint_id", ep.ID).Msg("reenable_failed")
			continue
		}
		m.optimizations++
		snap.Directives = append(snap.Directives, Directive{
			Action:    "reenable_endpoint",
			Subject:   ep.ID,
			Detail:    fmt.Sprintf("disabled %s ago, probing", now.Sub(ep.DisabledAt).Round(time.Second)),
			Timestamp: now,
		})
	}

	current := m.orch.AssignmentLimit()
	switch {
	case snap.Score < m.cfg.DegradedScore && current > 1:
		reduced := current / 2
		if reduced < 1 {
			reduced = 1
		}
		m.orch.SetAssignmentLimit(reduced)
		m.optimizations++
		snap.Directives = append(snap.Directives, Directive{
			Action:    "set_assignment_limit",
			Subject:   "orchestrator",
			Detail:    fmt.Sprintf("backpressure: %d -> %d", current, reduced),
			Timestamp: now,
		})
	case snap.Score >= m.cfg.AlertScore && current < m.cfg.AssignLimit:
		m.orch.SetAssignmentLimit(m.cfg.AssignLimit)
		snap.Directives = append(snap.Directives, Directive{
			Action:    "set_assignment_limit",
			Subject:   "orchestrator",
			Detail:    fmt.Sprintf("recovered: %d -> %d", current, m.cfg.AssignLimit),
			Timestamp: now,
		})
	}
}

// persist appends the snapshot and swings the latest pointer in one
// transaction, so readers never see the pointer ahead of the record.
func (m *Monitor) persist(ctx context.Context, snap *Snapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	results, err := m.store.Batch(ctx, []memory.Op{
		{Kind: memory.OpPut, Key: snapshotKey(snap.Seq), Value: value, ExpectedVersion: 0},
		{Kind: memory.OpPut, Key: latestKey, Value: value, ExpectedVersion: m.latestVersion},
	})
	if err != nil {
		return fmt.Errorf("persisting snapshot %d: %w", snap.Seq, err)
	}
	m.seq = snap.Seq
	m.latestVersion = results[1].Version
	return nil
}

func fraction(n, total int) float64 {
	if total == 0 {
		return 1 // vacuously healthy: nothing registered, nothing broken
	}
	return float64(n) / float64(total)
}
