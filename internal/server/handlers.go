package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/orchestrator"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	id, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		log.Error().Err(err).Msg("task_submit_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.orch.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "terminal", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type agentRegisterRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.ID == "" || len(req.Capabilities) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "id and capabilities are required")
		return
	}
	if err := s.reg.Register(r.Context(), req.ID, req.Capabilities); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": req.ID, "status": "registered"})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Heartbeat(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	// The assignment rides back on the heartbeat so polling agents need a
	// single call.
	agent, err := s.reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent_id":        id,
		"current_task_id": agent.CurrentTaskID,
	})
}

type agentAckRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleAgentAck(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req agentAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	err := s.orch.AckStart(r.Context(), agentID, req.TaskID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID, "state": orchestrator.StateRunning})
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrWrongAgent):
		writeError(w, http.StatusForbidden, "wrong_agent", err.Error())
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type agentResultRequest struct {
	TaskID     string `json:"task_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Model      string `json:"model,omitempty"`
}

func (s *Server) handleAgentResult(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req agentResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	err := s.orch.ReportResult(r.Context(), agentID, req.TaskID, req.Success, req.Output, req.Error, req.EndpointID, req.Model)
	switch {
	case err == nil:
		task, getErr := s.orch.Get(r.Context(), req.TaskID)
		if getErr != nil {
			writeError(w, http.StatusInternalServerError, "internal", getErr.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID, "state": task.State})
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrWrongAgent):
		writeError(w, http.StatusForbidden, "wrong_agent", err.Error())
	case errors.Is(err, orchestrator.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.reg.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleHealthLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := s.mon.Latest(r.Context())
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no health snapshot yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.mon.Alerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentCounts, err := s.reg.Counts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	taskCounts, err := s.orch.Counts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"uptime":           time.Since(s.startTime).String(),
		"agents":           agentCounts,
		"tasks":            taskCounts,
		"assignment_limit": s.orch.AssignmentLimit(),
	})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.memoryStore.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMemoryList(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be 1-1000")
			return
		}
		limit = n
	}
	entries, err := s.memoryStore.QueryPage(r.Context(), category+memory.Sep, r.URL.Query().Get("after"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}
