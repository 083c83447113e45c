package memory

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v, err := store.Put(ctx, "agents/reviewer-1", json.RawMessage(`{"status":"idle"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	value, version, err := store.Get(ctx, "agents/reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.JSONEq(t, `{"status":"idle"}`, string(value))
}

func TestStore_GetUnknownKey(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Get(context.Background(), "tasks/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "tasks/t1", json.RawMessage(`{"state":"pending"}`), 0)
	require.NoError(t, err)
	_, err = store.Put(ctx, "tasks/t1", json.RawMessage(`{"state":"assigned"}`), 1)
	require.NoError(t, err)

	// A writer still holding version 1 must be rejected.
	_, err = store.Put(ctx, "tasks/t1", json.RawMessage(`{"state":"running"}`), 1)
	assert.ErrorIs(t, err, ErrConflict)

	// The stored value is the version-2 write, untouched.
	value, version, err := store.Get(ctx, "tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.JSONEq(t, `{"state":"assigned"}`, string(value))
}

func TestStore_CreateRaceHasOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Put(ctx, "agents/contested", json.RawMessage(`{}`), 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one create must win")
	assert.Equal(t, writers-1, conflicts)
}

func TestStore_ConcurrentStaleWritersOneWinnerPerVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "endpoints/e1", json.RawMessage(`{"n":0}`), 0)
	require.NoError(t, err)

	// All writers read version 1 and race their conditional writes.
	const writers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Get(ctx, "endpoints/e1")
			assert.NoError(t, err)
			if _, err := store.Put(ctx, "endpoints/e1", json.RawMessage(`{"n":1}`), 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one writer per version number succeeds")
	_, version, err := store.Get(ctx, "endpoints/e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version, "no write lost, no double bump")
}

func TestStore_DeleteTombstonesWithVersionBump(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "agents/gone", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	v, err := store.Delete(ctx, "agents/gone", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, _, err = store.Get(ctx, "agents/gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-creation continues the version sequence rather than restarting it.
	v, err = store.Put(ctx, "agents/gone", json.RawMessage(`{"status":"idle"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestStore_DeleteStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "tasks/t9", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	_, err = store.Put(ctx, "tasks/t9", json.RawMessage(`{}`), 1)
	require.NoError(t, err)

	_, err = store.Delete(ctx, "tasks/t9", 1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_BatchAppliesAllPuts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	results, err := store.Batch(ctx, []Op{
		{Kind: OpPut, Key: "health/1", Value: json.RawMessage(`{"score":90}`)},
		{Kind: OpPut, Key: "health/latest", Value: json.RawMessage(`{"seq":1}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].Version)
	assert.Equal(t, int64(1), results[1].Version)

	_, _, err = store.Get(ctx, "health/1")
	assert.NoError(t, err)
	_, _, err = store.Get(ctx, "health/latest")
	assert.NoError(t, err)
}

func TestStore_BatchRollsBackOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "tasks/t2", json.RawMessage(`{"state":"pending"}`), 0)
	require.NoError(t, err)

	// Second op conflicts (wrong expected version) — first put must not apply.
	_, err = store.Batch(ctx, []Op{
		{Kind: OpPut, Key: "tasks/t3", Value: json.RawMessage(`{}`)},
		{Kind: OpPut, Key: "tasks/t2", Value: json.RawMessage(`{}`), ExpectedVersion: 7},
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, _, err = store.Get(ctx, "tasks/t3")
	assert.ErrorIs(t, err, ErrNotFound, "aborted batch must not leave partial writes")
}

func TestStore_BatchMixedGetAndPut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "agents/a1", json.RawMessage(`{"status":"idle"}`), 0)
	require.NoError(t, err)

	results, err := store.Batch(ctx, []Op{
		{Kind: OpGet, Key: "agents/a1"},
		{Kind: OpPut, Key: "agents/a1", Value: json.RawMessage(`{"status":"busy"}`), ExpectedVersion: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"status":"idle"}`, string(results[0].Value))
	assert.Equal(t, int64(2), results[1].Version)
}

func TestStore_QueryPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"agents/a1", "agents/a2", "tasks/t1"} {
		_, err := store.Put(ctx, key, json.RawMessage(`{}`), 0)
		require.NoError(t, err)
	}
	_, err := store.Delete(ctx, "agents/a2", 1)
	require.NoError(t, err)

	entries, err := store.Query(ctx, "agents/")
	require.NoError(t, err)
	require.Len(t, entries, 1, "tombstoned entries excluded from scans")
	assert.Equal(t, "agents/a1", entries[0].Key)
}

func TestStore_QueryPageIsRestartable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, sub := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.Put(ctx, "tasks/"+sub, json.RawMessage(`{}`), 0)
		require.NoError(t, err)
	}

	page1, err := store.QueryPage(ctx, "tasks/", "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := store.QueryPage(ctx, "tasks/", page1[len(page1)-1].Key, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, page2[0].Key > page1[1].Key, "resumed scan continues past the cursor")

	page3, err := store.QueryPage(ctx, "tasks/", page2[len(page2)-1].Key, 2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
}

func TestStore_UpdateRetriesThroughConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "agents/a1", json.RawMessage(`{"completed":0}`), 0)
	require.NoError(t, err)

	const writers = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "agents/a1", func(current json.RawMessage) (json.RawMessage, error) {
				var rec struct {
					Completed int `json:"completed"`
				}
				if err := json.Unmarshal(current, &rec); err != nil {
					return nil, err
				}
				rec.Completed++
				return json.Marshal(rec)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, version, err := store.Get(ctx, "agents/a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"completed":5}`, string(value), "no increment lost")
	assert.Equal(t, int64(1+writers), version)
}

func TestStore_TTLEntriesExpire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PutTTL(ctx, "sessions/s1", json.RawMessage(`{}`), 0, 10*time.Millisecond)
	require.NoError(t, err)

	_, _, err = store.Get(ctx, "sessions/s1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, _, err = store.Get(ctx, "sessions/s1")
	assert.ErrorIs(t, err, ErrNotFound)

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestStore_RecreateOverExpiredEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v1, err := store.PutTTL(ctx, "sessions/s1", json.RawMessage(`{"n":1}`), 0, 10*time.Millisecond)
	require.NoError(t, err)

	// Expired but not yet purged: readers see NotFound, so a create must win.
	time.Sleep(20 * time.Millisecond)
	v2, err := store.PutTTL(ctx, "sessions/s1", json.RawMessage(`{"n":2}`), 0, time.Minute)
	require.NoError(t, err)
	assert.Greater(t, v2, v1, "version sequence continues across expiry")

	value, _, err := store.Get(ctx, "sessions/s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(value))
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "agents/a1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	_, err = store.Put(ctx, "tasks/t1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	_, err = store.Put(ctx, "tasks/t2", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	_, err = store.Delete(ctx, "tasks/t2", 1)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.Tombstones)
	assert.Equal(t, int64(1), stats.ByCategory["agents"])
	assert.Equal(t, int64(1), stats.ByCategory["tasks"])
}
