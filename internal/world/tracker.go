// Package world turns player movement into chunk discovery: every chunk the
// player enters for the first time is offered to the token queue.
package world

import (
	"sync"

	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
)

type Enqueuer interface {
	TryEnqueue(chunkX, chunkZ int) bool
}

// Tokenized reports chunks that already have a confirmed commitment.
type Tokenized interface {
	Has(key model.ChunkKey) bool
}

type Tracker struct {
	chunkSize int
	queue     Enqueuer
	tokenized Tokenized
	log       *logging.Logger

	mu         sync.Mutex
	seen       map[model.ChunkKey]struct{}
	discovered int
}

// NewTracker builds a tracker. tokenized may be nil.
func NewTracker(chunkSize int, queue Enqueuer, tokenized Tokenized, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.Discard()
	}
	return &Tracker{
		chunkSize: chunkSize,
		queue:     queue,
		tokenized: tokenized,
		log:       log,
		seen:      make(map[model.ChunkKey]struct{}),
	}
}

// Visit records the player at a world position and returns the chunk it maps
// to, plus whether that chunk was newly enqueued.
func (t *Tracker) Visit(worldX, worldZ float64) (model.ChunkKey, bool) {
	key := model.ChunkAt(worldX, worldZ, t.chunkSize)
	return key, t.Discover(key)
}

// Discover offers a chunk by key. Chunks seen earlier in this session or
// already tokenized are skipped.
func (t *Tracker) Discover(key model.ChunkKey) bool {
	t.mu.Lock()
	if _, ok := t.seen[key]; ok {
		t.mu.Unlock()
		return false
	}
	t.seen[key] = struct{}{}
	t.mu.Unlock()

	if t.tokenized != nil && t.tokenized.Has(key) {
		t.log.Debugf("skip tokenized chunk=%s", key)
		return false
	}
	if !t.queue.TryEnqueue(key.X, key.Z) {
		return false
	}

	t.mu.Lock()
	t.discovered++
	t.mu.Unlock()
	t.log.Debugf("discovered chunk=%s", key)
	return true
}

// Forget lets a chunk be discovered again, e.g. after its task was dropped.
func (t *Tracker) Forget(key model.ChunkKey) {
	t.mu.Lock()
	delete(t.seen, key)
	t.mu.Unlock()
}

// Discovered returns how many chunks this tracker has enqueued.
func (t *Tracker) Discovered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discovered
}
