package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/endpoint"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/monitor"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/orchestrator"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry"
)

type env struct {
	store *memory.Store
	reg   *registry.Registry
	pool  *endpoint.Pool
	orch  *orchestrator.Orchestrator
	mon   *monitor.Monitor
	srv   *Server
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store, time.Minute)
	pool := endpoint.NewPool(store, 3)
	orch := orchestrator.New(store, reg, nil, orchestrator.Config{})
	mon := monitor.New(store, reg, pool, orch, monitor.Config{})
	return &env{
		store: store,
		reg:   reg,
		pool:  pool,
		orch:  orch,
		mon:   mon,
		srv:   NewServer(orch, reg, mon, store, opts...),
	}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestTaskSubmitAndQueryRoundTrip(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/tasks",
		`{"type":"summarize","payload":"hello","required_capability":"llm"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID, _ := decode(t, rec)["task_id"].(string)
	require.NotEmpty(t, taskID)

	rec = e.do(t, http.MethodGet, "/v1/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "pending", out["state"])
	assert.Equal(t, "summarize", out["type"])
}

func TestTaskSubmitValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/v1/tasks", `{"payload":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskNotFoundIs404(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/v1/tasks/tsk_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
}

func TestTaskCancel(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/v1/tasks",
		`{"type":"summarize","required_capability":"llm"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID, _ := decode(t, rec)["task_id"].(string)

	rec = e.do(t, http.MethodDelete, "/v1/tasks/"+taskID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Terminal tasks cannot be cancelled twice.
	rec = e.do(t, http.MethodDelete, "/v1/tasks/"+taskID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec := e.do(t, http.MethodPost, "/v1/agents/register",
		`{"id":"worker-1","capabilities":["llm"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/tasks",
		`{"type":"summarize","payload":"p","required_capability":"llm"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID, _ := decode(t, rec)["task_id"].(string)

	e.orch.Tick(ctx)

	// Heartbeat returns the assignment.
	rec = e.do(t, http.MethodPost, "/v1/agents/worker-1/heartbeat", "{}")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, taskID, decode(t, rec)["current_task_id"])

	rec = e.do(t, http.MethodPost, "/v1/agents/worker-1/ack",
		`{"task_id":"`+taskID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["state"])

	rec = e.do(t, http.MethodPost, "/v1/agents/worker-1/result",
		`{"task_id":"`+taskID+`","success":true,"output":"done","endpoint_id":"ep-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decode(t, rec)["state"])

	rec = e.do(t, http.MethodGet, "/v1/tasks/"+taskID, "")
	out := decode(t, rec)
	assert.Equal(t, "completed", out["state"])
	result, _ := out["result"].(map[string]interface{})
	require.NotNil(t, result)
	assert.Equal(t, "done", result["output"])
}

func TestResultFromWrongAgentIs403(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.reg.Register(ctx, "worker-1", []string{"llm"}))
	require.NoError(t, e.reg.Register(ctx, "worker-2", []string{"llm"}))
	id, err := e.orch.Submit(ctx, orchestrator.SubmitRequest{Type: "summarize", RequiredCapability: "llm"})
	require.NoError(t, err)
	e.orch.Tick(ctx)

	task, err := e.orch.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.orch.AckStart(ctx, task.AssignedAgentID, id))

	other := "worker-1"
	if task.AssignedAgentID == "worker-1" {
		other = "worker-2"
	}
	rec := e.do(t, http.MethodPost, "/v1/agents/"+other+"/result",
		`{"task_id":"`+id+`","success":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthLatestAndAlerts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Before the first cycle there is nothing to serve.
	rec := e.do(t, http.MethodGet, "/v1/health/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := e.mon.Cycle(ctx)
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/v1/health/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["seq"])
	assert.NotZero(t, out["score"])

	rec = e.do(t, http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusCounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Register(ctx, "worker-1", []string{"llm"}))
	_, err := e.orch.Submit(ctx, orchestrator.SubmitRequest{Type: "summarize", RequiredCapability: "llm"})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	agents, _ := out["agents"].(map[string]interface{})
	tasks, _ := out["tasks"].(map[string]interface{})
	assert.Equal(t, float64(1), agents["idle"])
	assert.Equal(t, float64(1), tasks["pending"])
}

func TestMemoryInspection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Register(ctx, "worker-1", []string{"llm"}))

	rec := e.do(t, http.MethodGet, "/v1/memory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["total_entries"])

	rec = e.do(t, http.MethodGet, "/v1/memory/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = e.do(t, http.MethodGet, "/v1/memory/agents?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	e := newEnv(t, WithAPIKeys(map[string]string{"sekret": "ops"}))

	rec := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness stays open")

	rec = e.do(t, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-Empire-Key", "sekret")
	rr := httptest.NewRecorder()
	e.srv.Routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rr = httptest.NewRecorder()
	e.srv.Routes().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
