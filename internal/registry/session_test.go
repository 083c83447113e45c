package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SessionsTrackRegistrationAndHeartbeats(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.EnableSessions(time.Hour)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "worker-1", []string{"llm"}))
	require.NoError(t, r.Heartbeat(ctx, "worker-1"))
	require.NoError(t, r.Heartbeat(ctx, "worker-1"))

	sessions, err := r.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "worker-1", sessions[0].AgentID)
	assert.Equal(t, int64(3), sessions[0].Heartbeats)
	assert.False(t, sessions[0].StartedAt.IsZero())
}

func TestRegistry_SessionsExpire(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.EnableSessions(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "worker-1", []string{"llm"}))

	sessions, err := r.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	time.Sleep(20 * time.Millisecond)
	sessions, err = r.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "expired sessions drop out of the listing")
}

func TestRegistry_SessionsDisabledByDefault(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "worker-1", []string{"llm"}))

	sessions, err := r.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
