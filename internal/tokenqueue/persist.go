package tokenqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/msageha/voxrun/internal/events"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/store"
)

// persistedTask mirrors model.QueueTask with pointer coordinates so entries
// missing a coordinate can be told apart from chunk 0.
type persistedTask struct {
	ChunkX     *int      `json:"chunkX"`
	ChunkZ     *int      `json:"chunkZ"`
	AddedAt    time.Time `json:"addedAt"`
	RetryCount int       `json:"retryCount"`
	WasActive  bool      `json:"wasActive"`
}

// Persist pauses the queue and writes every unfinished task to st under the
// persist key as a JSON array. It is synchronous. An empty queue removes any
// previous record.
func (q *Queue) Persist(st store.Store) error {
	q.Pause()
	tasks := q.Snapshot()

	entries := make([]json.RawMessage, 0, len(tasks))
	for _, task := range tasks {
		data, err := json.Marshal(task)
		if err != nil {
			q.log.Errorf("persist skipped chunk=%s error=%v", task.Key(), err)
			continue
		}
		entries = append(entries, data)
	}

	if len(entries) == 0 {
		if err := st.Remove(q.cfg.PersistKey); err != nil {
			return fmt.Errorf("clear persisted queue: %w", err)
		}
		q.log.Infof("persisted 0 tasks")
		return nil
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal persisted queue: %w", err)
	}
	if err := st.Set(q.cfg.PersistKey, string(data)); err != nil {
		return fmt.Errorf("write persisted queue: %w", err)
	}
	q.log.Infof("persisted %d tasks key=%s", len(entries), q.cfg.PersistKey)
	return nil
}

// Restore loads a record written by Persist into the FIFO and removes the
// record. Malformed entries are skipped; an unparseable record is discarded.
// Interrupted in-flight work comes back as ordinary queued work.
func (q *Queue) Restore(st store.Store) (int, error) {
	raw, ok, err := st.Get(q.cfg.PersistKey)
	if err != nil {
		return 0, fmt.Errorf("read persisted queue: %w", err)
	}
	if !ok {
		return 0, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.log.Warnf("discarding unparseable persisted queue key=%s error=%v", q.cfg.PersistKey, err)
		if err := st.Remove(q.cfg.PersistKey); err != nil {
			return 0, fmt.Errorf("clear persisted queue: %w", err)
		}
		return 0, nil
	}

	now := q.clock.Now()
	restored := make([]model.QueueTask, 0, len(entries))

	q.mu.Lock()
	for i, entry := range entries {
		var p persistedTask
		if err := json.Unmarshal(entry, &p); err != nil {
			q.log.Warnf("skipping persisted entry index=%d error=%v", i, err)
			continue
		}
		if p.ChunkX == nil || p.ChunkZ == nil {
			q.log.Warnf("skipping persisted entry index=%d error=missing chunk coordinates", i)
			continue
		}
		task := model.QueueTask{
			ChunkX:     *p.ChunkX,
			ChunkZ:     *p.ChunkZ,
			AddedAt:    p.AddedAt,
			RetryCount: p.RetryCount,
			WasActive:  p.WasActive,
		}
		if task.AddedAt.IsZero() {
			task.AddedAt = now
		}
		if task.RetryCount < 0 {
			task.RetryCount = 0
		}
		if q.admitLocked(task) {
			restored = append(restored, task)
		}
	}
	q.mu.Unlock()

	if err := st.Remove(q.cfg.PersistKey); err != nil {
		return len(restored), fmt.Errorf("clear persisted queue: %w", err)
	}

	for _, task := range restored {
		q.publish(events.EventChunkRestored, map[string]any{
			"chunk":       task.Key().String(),
			"attempt":     task.RetryCount + 1,
			"was_active":  task.WasActive,
			"retry_count": task.RetryCount,
		})
	}
	q.log.Infof("restored %d of %d persisted tasks", len(restored), len(entries))
	q.signal()
	return len(restored), nil
}
