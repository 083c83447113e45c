package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
)

// Session is a TTL-scoped record of an agent's current work session under
// "sessions/<agent_id>". It expires out of the store on its own, so the
// session list only ever shows agents seen within the TTL.
type Session struct {
	Kind          string    `json:"kind"`
	AgentID       string    `json:"agent_id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Heartbeats    int64     `json:"heartbeats"`
}

// EnableSessions turns on session tracking with the given TTL. Register
// opens a session; Heartbeat refreshes it.
func (r *Registry) EnableSessions(ttl time.Duration) {
	r.sessionTTL = ttl
}

func sessionKey(id string) string {
	return memory.Key(memory.CategorySessions, id)
}

// touchSession creates or refreshes the agent's session record. Best-effort:
// session loss never fails the registry operation that triggered it.
func (r *Registry) touchSession(ctx context.Context, id string, now time.Time) {
	if r.sessionTTL <= 0 {
		return
	}

	current, version, err := r.store.Get(ctx, sessionKey(id))
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		log.Warn().Err(err).Str("agent_id", id).Msg("session_read_failed")
		return
	}
	session := Session{Kind: "session", AgentID: id, StartedAt: now}
	if current != nil {
		if err := json.Unmarshal(current, &session); err != nil {
			session = Session{Kind: "session", AgentID: id, StartedAt: now}
		}
	}
	session.LastHeartbeat = now
	session.Heartbeats++

	value, err := json.Marshal(session)
	if err != nil {
		return
	}
	if _, err := r.store.PutTTL(ctx, sessionKey(id), value, version, r.sessionTTL); err != nil {
		// A racing refresh won; its write is as good as ours.
		if !errors.Is(err, memory.ErrConflict) {
			log.Warn().Err(err).Str("agent_id", id).Msg("session_write_failed")
		}
	}
}

// Sessions lists unexpired work sessions.
func (r *Registry) Sessions(ctx context.Context) ([]Session, error) {
	entries, err := r.store.Query(ctx, memory.CategorySessions+memory.Sep)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		var s Session
		if err := json.Unmarshal(e.Value, &s); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}
