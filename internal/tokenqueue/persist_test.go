package tokenqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/store"
)

func TestPersistRestore_RoundTrip(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	q := New(cfg, SubmitFunc(func(ctx context.Context, x, z int) error {
		<-release
		return nil
	}))
	startQueue(t, q)

	q.Enqueue(3, 3) // T3 goes in flight
	require.Eventually(t, func() bool { return len(q.Status().InFlight) == 1 }, waitFor, tick)
	q.Enqueue(1, 1) // T1
	q.Enqueue(2, 2) // T2

	st := store.NewMemory()
	require.NoError(t, q.Persist(st))
	assert.True(t, q.Paused(), "persist pauses the queue first")

	raw, ok, err := st.Get(cfg.PersistKey)
	require.NoError(t, err)
	require.True(t, ok)
	var record []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &record))
	require.Len(t, record, 3)
	assert.EqualValues(t, 1, record[0]["chunkX"])
	assert.Equal(t, true, record[2]["wasActive"])

	restored := New(cfg, SubmitFunc(func(context.Context, int, int) error { return nil }))
	n, err := restored.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	snap := restored.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, model.ChunkKey{X: 1, Z: 1}, snap[0].Key())
	assert.Equal(t, model.ChunkKey{X: 2, Z: 2}, snap[1].Key())
	assert.Equal(t, model.ChunkKey{X: 3, Z: 3}, snap[2].Key())
	assert.False(t, snap[0].WasActive)
	assert.True(t, snap[2].WasActive)

	status := restored.Status()
	assert.Equal(t, 3, status.Queued)
	assert.Empty(t, status.InFlight, "interrupted work comes back queued, not in flight")

	_, ok, err = st.Get(cfg.PersistKey)
	require.NoError(t, err)
	assert.False(t, ok, "record is cleared after restore")
}

func TestPersist_AfterWaitDropsCompletedSubmissions(t *testing.T) {
	commit := make(chan struct{})
	cfg := testConfig()
	q := New(cfg, SubmitFunc(func(ctx context.Context, x, z int) error {
		if x == 3 {
			// Confirmed by the ledger regardless of shutdown.
			<-commit
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	startQueue(t, q)

	q.Enqueue(3, 4)
	q.Enqueue(5, 5)
	require.Eventually(t, func() bool { return len(q.Status().InFlight) == 2 }, waitFor, tick)

	// Shutdown order: persist, stop, wait, persist again.
	st := store.NewMemory()
	require.NoError(t, q.Persist(st))
	first := q.Snapshot()
	require.Len(t, first, 2)

	close(commit)
	require.Eventually(t, func() bool { return q.Status().Processed == 1 }, waitFor, tick)
	q.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, q.Wait(waitCtx))
	require.NoError(t, q.Persist(st))

	raw, ok, err := st.Get(cfg.PersistKey)
	require.NoError(t, err)
	require.True(t, ok)
	var record []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &record))
	require.Len(t, record, 1, "committed chunk must not be persisted")
	assert.EqualValues(t, 5, record[0]["chunkX"])
	assert.Equal(t, true, record[0]["wasActive"])

	next := New(cfg, nil)
	n, err := next.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []model.ChunkKey{{X: 5, Z: 5}}, keysOf(next.Snapshot()))
}

func keysOf(tasks []model.QueueTask) []model.ChunkKey {
	out := make([]model.ChunkKey, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Key())
	}
	return out
}

func TestPersist_IncludesRetryWaitingTasks(t *testing.T) {
	q := New(testConfig(), SubmitFunc(func(context.Context, int, int) error {
		return errors.New("down")
	}))
	startQueue(t, q)
	q.Enqueue(6, -6)
	require.Eventually(t, func() bool { return q.Status().Retrying == 1 }, waitFor, tick)

	st := store.NewMemory()
	require.NoError(t, q.Persist(st))

	next := New(testConfig(), nil)
	n, err := next.Restore(st)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	snap := next.Snapshot()
	assert.Equal(t, 1, snap[0].RetryCount, "retry count survives a restart")
}

func TestPersist_EmptyQueueClearsRecord(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Set("test_queue", `[{"chunkX":1,"chunkZ":1}]`))

	q := New(testConfig(), nil)
	require.NoError(t, q.Persist(st))

	_, ok, err := st.Get("test_queue")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersist_StoreFailure(t *testing.T) {
	st := store.NewMemory()
	st.FailSet = func(string) error { return errors.New("quota exceeded") }

	q := New(testConfig(), nil)
	q.Enqueue(1, 1)
	err := q.Persist(st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.True(t, q.Paused())
}

func TestRestore_NoRecord(t *testing.T) {
	q := New(testConfig(), nil)
	n, err := q.Restore(store.NewMemory())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRestore_DiscardsUnparseableRecord(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Set("test_queue", "{not json"))

	q := New(testConfig(), nil)
	n, err := q.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, q.Status().Queued)

	_, ok, _ := st.Get("test_queue")
	assert.False(t, ok, "corrupt record is discarded")
}

func TestRestore_SkipsMalformedEntries(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Set("test_queue", `[
		{"chunkX": 1, "chunkZ": 2, "addedAt": "2026-01-01T00:00:00Z", "retryCount": 2},
		"garbage",
		{"chunkZ": 5},
		{"chunkX": 3, "chunkZ": 4, "addedAt": "yesterday"},
		{"chunkX": 1, "chunkZ": 2},
		{"chunkX": 0, "chunkZ": 0, "retryCount": -4}
	]`))

	q := New(testConfig(), nil)
	n, err := q.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, model.ChunkKey{X: 1, Z: 2}, snap[0].Key())
	assert.Equal(t, 2, snap[0].RetryCount)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), snap[0].AddedAt.UTC())
	assert.Equal(t, model.ChunkKey{X: 0, Z: 0}, snap[1].Key())
	assert.Equal(t, 0, snap[1].RetryCount)
	assert.False(t, snap[1].AddedAt.IsZero())
}

func TestRestore_DedupesAgainstExistingWork(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Set("test_queue", `[{"chunkX":1,"chunkZ":1},{"chunkX":2,"chunkZ":2}]`))

	q := New(testConfig(), nil)
	q.Enqueue(1, 1)
	n, err := q.Restore(st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Status().Queued)
}

func TestRestore_StoreError(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Close())

	q := New(testConfig(), nil)
	_, err := q.Restore(st)
	assert.ErrorIs(t, err, store.ErrClosed)
}
