package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, timeout)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "reviewer-1", []string{"code_review"}))
	require.NoError(t, r.Register(ctx, "reviewer-1", []string{"code_review", "testing"}))

	agents, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1, "re-registering must not create a duplicate")
	assert.Equal(t, []string{"code_review", "testing"}, agents[0].Capabilities)
	assert.Equal(t, StatusIdle, agents[0].Status)
}

func TestRegistry_HeartbeatUnknownAgent(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	err := r.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_FindCandidatesFiltersStatusAndCapability(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"code_review"}))
	require.NoError(t, r.Register(ctx, "a2", []string{"code_review"}))
	require.NoError(t, r.Register(ctx, "a3", []string{"documentation"}))
	require.NoError(t, r.Claim(ctx, "a2", "tsk_1"))

	candidates, err := r.FindCandidates(ctx, "code_review")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "a1", candidates[0].ID)
}

func TestRegistry_FindCandidatesOrdersByLoad(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"testing"}))
	require.NoError(t, r.Register(ctx, "a2", []string{"testing"}))

	// a1 completes two tasks; a2 should be preferred next.
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Claim(ctx, "a1", "tsk"))
		require.NoError(t, r.Release(ctx, "a1", true))
	}

	candidates, err := r.FindCandidates(ctx, "testing")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "a2", candidates[0].ID)
}

func TestRegistry_FindCandidatesPrefersSpecialistOnTie(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"testing", "code_review", "documentation"}))
	require.NoError(t, r.Register(ctx, "a2", []string{"testing"}))

	candidates, err := r.FindCandidates(ctx, "testing")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "a2", candidates[0].ID, "same load, narrower agent goes first")
}

func TestRegistry_ClaimBusyAgentFails(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"testing"}))
	require.NoError(t, r.Claim(ctx, "a1", "tsk_1"))

	err := r.Claim(ctx, "a1", "tsk_2")
	assert.ErrorIs(t, err, ErrAgentBusy)

	agent, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "tsk_1", agent.CurrentTaskID, "losing claim must not clobber the winner")
}

func TestRegistry_ClaimRaceHasOneWinner(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "contested", []string{"testing"}))

	const claimers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := r.Claim(ctx, "contested", "tsk")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrAgentBusy) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "two racing claims must not both succeed")
}

func TestRegistry_ReleaseClearsTaskAndCounts(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"testing"}))
	require.NoError(t, r.Claim(ctx, "a1", "tsk_1"))
	require.NoError(t, r.Release(ctx, "a1", true))

	agent, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, agent.Status)
	assert.Empty(t, agent.CurrentTaskID)
	assert.Equal(t, 1, agent.Completed)

	require.NoError(t, r.Claim(ctx, "a1", "tsk_2"))
	require.NoError(t, r.Release(ctx, "a1", false))
	agent, err = r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.Failed)
}

func TestRegistry_SweepMarksStaleAgentsOffline(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "stale", []string{"testing"}))
	require.NoError(t, r.Register(ctx, "fresh", []string{"testing"}))
	require.NoError(t, r.Claim(ctx, "stale", "tsk_orphan"))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, "fresh"))

	orphans, err := r.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{"tsk_orphan"}, orphans, "held task must be surfaced for re-queue")

	stale, err := r.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, stale.Status)
	assert.Empty(t, stale.CurrentTaskID)

	fresh, err := r.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, fresh.Status)

	candidates, err := r.FindCandidates(ctx, "testing")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "fresh", candidates[0].ID, "offline agents excluded from candidates")
}

func TestRegistry_HeartbeatRevivesOfflineAgent(t *testing.T) {
	r := newTestRegistry(t, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"testing"}))
	time.Sleep(20 * time.Millisecond)
	_, err := r.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)

	agent, err := r.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, StatusOffline, agent.Status)

	require.NoError(t, r.Heartbeat(ctx, "a1"))
	agent, err = r.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, agent.Status)
}

func TestRegistry_Counts(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "a1", []string{"testing"}))
	require.NoError(t, r.Register(ctx, "a2", []string{"testing"}))
	require.NoError(t, r.Claim(ctx, "a2", "tsk"))

	counts, err := r.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusIdle])
	assert.Equal(t, 1, counts[StatusBusy])
}
