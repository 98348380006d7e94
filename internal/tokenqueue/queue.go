// Package tokenqueue schedules chunk tokenization submissions: a bounded,
// deduplicating FIFO with linear retry backoff and shutdown persistence.
package tokenqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/msageha/voxrun/internal/events"
	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
)

// ErrStopped is returned by Run when the queue was stopped before draining began.
var ErrStopped = errors.New("token queue stopped")

// Submitter commits one chunk to the ledger. Retries are the queue's concern;
// an implementation returns on the first failure.
type Submitter interface {
	Submit(ctx context.Context, chunkX, chunkZ int) error
}

// SubmitFunc adapts a plain function to Submitter.
type SubmitFunc func(ctx context.Context, chunkX, chunkZ int) error

func (f SubmitFunc) Submit(ctx context.Context, chunkX, chunkZ int) error {
	return f(ctx, chunkX, chunkZ)
}

// Gate is the readiness signal the scheduler waits on before draining.
type Gate interface {
	Done() <-chan struct{}
}

// DropHandler is called once for every task that exhausted its retries.
type DropHandler func(task model.QueueTask, err error)

type Config struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryBaseDelay time.Duration
	StartupDelay   time.Duration
	PersistKey     string
}

func ConfigFrom(q model.QueueConfig) Config {
	return Config{
		MaxConcurrent:  q.MaxConcurrentTasks,
		MaxRetries:     q.MaxRetries,
		RetryBaseDelay: q.RetryBaseDelay(),
		StartupDelay:   q.StartupDelay(),
		PersistKey:     q.PersistKey,
	}
}

type Option func(*Queue)

func WithClock(c clock.WithDelayedExecution) Option {
	return func(q *Queue) { q.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithPublisher sets the event sink. Publish is called with the queue lock
// released but must not block for long.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.pub = p }
}

func WithGate(g Gate) Option {
	return func(q *Queue) { q.gate = g }
}

func WithDropHandler(h DropHandler) Option {
	return func(q *Queue) { q.onDrop = h }
}

type backoffEntry struct {
	task  model.QueueTask
	timer clock.Timer
}

// Queue owns the pending FIFO, the in-flight set and the backoff set. A key is
// in at most one of the three. After Stop, submissions that end without
// success move to the interrupted set so a later Persist still carries them.
type Queue struct {
	cfg       Config
	submitter Submitter
	clock     clock.WithDelayedExecution
	log       *logging.Logger
	pub       events.Publisher
	gate      Gate
	onDrop    DropHandler

	mu       sync.Mutex
	pending  []model.QueueTask
	queued   map[model.ChunkKey]struct{}
	inFlight map[model.ChunkKey]model.QueueTask
	backoff  map[model.ChunkKey]*backoffEntry
	// interrupted holds tasks whose submission failed after Stop.
	interrupted map[model.ChunkKey]model.QueueTask

	processed       int
	failed          int
	retried         int
	lastProcessedAt *time.Time
	lastError       string
	paused          bool
	draining        bool
	stopped         bool

	wake         chan struct{}
	done         chan struct{}
	submitCtx    context.Context
	submitCancel context.CancelFunc
	submissions  sync.WaitGroup
}

func New(cfg Config, submitter Submitter, opts ...Option) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = model.DefaultMaxConcurrentTasks
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PersistKey == "" {
		cfg.PersistKey = model.DefaultPersistKey
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:          cfg,
		submitter:    submitter,
		clock:        clock.RealClock{},
		queued:       make(map[model.ChunkKey]struct{}),
		inFlight:     make(map[model.ChunkKey]model.QueueTask),
		backoff:      make(map[model.ChunkKey]*backoffEntry),
		interrupted:  make(map[model.ChunkKey]model.QueueTask),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		submitCtx:    ctx,
		submitCancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = logging.Discard()
	}
	return q
}

// Enqueue admits a task for (chunkX, chunkZ) unless the chunk is already
// queued, in flight or waiting on a retry.
func (q *Queue) Enqueue(chunkX, chunkZ int) {
	q.TryEnqueue(chunkX, chunkZ)
}

// TryEnqueue is Enqueue reporting whether a new task was admitted.
func (q *Queue) TryEnqueue(chunkX, chunkZ int) bool {
	task := model.QueueTask{ChunkX: chunkX, ChunkZ: chunkZ, AddedAt: q.clock.Now()}

	q.mu.Lock()
	if q.stopped || !q.admitLocked(task) {
		q.mu.Unlock()
		return false
	}
	queued := len(q.pending)
	q.mu.Unlock()

	q.log.Debugf("enqueued chunk=%s queued=%d", task.Key(), queued)
	q.publish(events.EventChunkEnqueued, map[string]any{"chunk": task.Key().String()})
	q.signal()
	return true
}

func (q *Queue) admitLocked(task model.QueueTask) bool {
	key := task.Key()
	if _, ok := q.queued[key]; ok {
		return false
	}
	if _, ok := q.inFlight[key]; ok {
		return false
	}
	if _, ok := q.backoff[key]; ok {
		return false
	}
	q.pending = append(q.pending, task)
	q.queued[key] = struct{}{}
	return true
}

// Run is the scheduler. It waits for the readiness gate and the startup delay,
// then drains whenever work is added or capacity is freed. It returns when ctx
// is cancelled or the queue is stopped.
func (q *Queue) Run(ctx context.Context) error {
	if q.gate != nil {
		select {
		case <-q.gate.Done():
		case <-ctx.Done():
			return nil
		case <-q.done:
			return ErrStopped
		}
	}
	if d := q.cfg.StartupDelay; d > 0 {
		q.log.Debugf("startup delay %s", d)
		select {
		case <-q.clock.After(d):
		case <-ctx.Done():
			return nil
		case <-q.done:
			return ErrStopped
		}
	}

	q.mu.Lock()
	q.draining = true
	queued := len(q.pending)
	q.mu.Unlock()
	q.log.Infof("draining started queued=%d max_concurrent=%d", queued, q.cfg.MaxConcurrent)

	for {
		q.drain()
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	for !q.paused && !q.stopped && len(q.pending) > 0 && len(q.inFlight) < q.cfg.MaxConcurrent {
		task := q.pending[0]
		q.pending[0] = model.QueueTask{}
		q.pending = q.pending[1:]

		key := task.Key()
		delete(q.queued, key)
		q.inFlight[key] = task
		q.submissions.Add(1)
		go q.processOne(task)
	}
	q.mu.Unlock()
}

func (q *Queue) processOne(task model.QueueTask) {
	defer q.submissions.Done()
	defer q.signal()

	key := task.Key()
	// Published here so it always precedes the outcome event.
	q.publish(events.EventChunkStarted, map[string]any{
		"chunk":   key.String(),
		"attempt": task.RetryCount + 1,
	})
	err := q.submitter.Submit(q.submitCtx, task.ChunkX, task.ChunkZ)
	now := q.clock.Now()

	q.mu.Lock()
	delete(q.inFlight, key)

	if err == nil {
		q.processed++
		q.lastProcessedAt = &now
		q.mu.Unlock()

		q.log.Infof("tokenized chunk=%s attempt=%d", key, task.RetryCount+1)
		q.publish(events.EventChunkTokenized, map[string]any{
			"chunk":   key.String(),
			"attempt": task.RetryCount + 1,
		})
		return
	}

	q.lastError = fmt.Sprintf("chunk %s: %v", key, err)
	attempt := task.RetryCount + 1

	if q.stopped {
		task.WasActive = true
		q.interrupted[key] = task
		q.mu.Unlock()
		q.log.Debugf("submission ended after stop chunk=%s error=%v", key, err)
		return
	}

	if task.RetryCount < q.cfg.MaxRetries {
		task.RetryCount++
		q.retried++
		delay := q.cfg.RetryBaseDelay * time.Duration(task.RetryCount)
		entry := &backoffEntry{task: task}
		q.backoff[key] = entry
		// FakeClock runs AfterFunc callbacks with its own lock held.
		entry.timer = q.clock.AfterFunc(delay, func() { go q.requeue(key, entry) })
		q.mu.Unlock()

		q.log.Warnf("submission failed chunk=%s attempt=%d retry_in=%s error=%v", key, attempt, delay, err)
		q.publish(events.EventChunkFailed, map[string]any{
			"chunk":       key.String(),
			"attempt":     attempt,
			"error":       err.Error(),
			"retry_in_ms": delay.Milliseconds(),
		})
		return
	}

	q.failed++
	q.mu.Unlock()

	q.log.Errorf("chunk dropped chunk=%s attempts=%d error=%v", key, attempt, err)
	q.publish(events.EventChunkDropped, map[string]any{
		"chunk":   key.String(),
		"attempt": attempt,
		"error":   err.Error(),
	})
	if q.onDrop != nil {
		q.onDrop(task, err)
	}
}

// requeue moves a task out of the backoff set to the back of the FIFO.
func (q *Queue) requeue(key model.ChunkKey, entry *backoffEntry) {
	q.mu.Lock()
	if q.stopped || q.backoff[key] != entry {
		q.mu.Unlock()
		return
	}
	delete(q.backoff, key)
	admitted := q.admitLocked(entry.task)
	q.mu.Unlock()

	if admitted {
		q.log.Debugf("requeued chunk=%s retry=%d", key, entry.task.RetryCount)
		q.signal()
	}
}

func (q *Queue) publish(et events.EventType, data map[string]any) {
	if q.pub != nil {
		q.pub.Publish(et, data)
	}
}

// Pause stops new submissions from starting. In-flight work is not cancelled.
func (q *Queue) Pause() {
	q.mu.Lock()
	already := q.paused
	q.paused = true
	q.mu.Unlock()
	if !already {
		q.log.Infof("paused")
	}
}

func (q *Queue) Resume() {
	q.mu.Lock()
	was := q.paused
	q.paused = false
	q.mu.Unlock()
	if was {
		q.log.Infof("resumed")
	}
	q.signal()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Status returns the current projection. It never blocks on submissions.
func (q *Queue) Status() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	inFlight := make([]string, 0, len(q.inFlight))
	for key := range q.inFlight {
		inFlight = append(inFlight, key.String())
	}
	sort.Strings(inFlight)

	var last *time.Time
	if q.lastProcessedAt != nil {
		t := *q.lastProcessedAt
		last = &t
	}

	return model.QueueStatus{
		Queued:          len(q.pending),
		Processed:       q.processed,
		Failed:          q.failed,
		Retried:         q.retried,
		InFlight:        inFlight,
		Retrying:        len(q.backoff),
		LastProcessedAt: last,
		LastError:       q.lastError,
		Paused:          q.paused,
		Ready:           q.draining,
		MaxConcurrent:   q.cfg.MaxConcurrent,
	}
}

// Snapshot returns every unfinished task: the FIFO in order, then in-flight
// and interrupted tasks marked WasActive, then tasks waiting on a retry timer.
// A task whose submission succeeded is never included.
func (q *Queue) Snapshot() []model.QueueTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.QueueTask, 0, len(q.pending)+len(q.inFlight)+len(q.interrupted)+len(q.backoff))
	out = append(out, q.pending...)

	active := make([]model.QueueTask, 0, len(q.inFlight)+len(q.interrupted))
	for _, task := range q.inFlight {
		task.WasActive = true
		active = append(active, task)
	}
	for _, task := range q.interrupted {
		active = append(active, task)
	}
	sortTasks(active)
	out = append(out, active...)

	waiting := make([]model.QueueTask, 0, len(q.backoff))
	for _, entry := range q.backoff {
		waiting = append(waiting, entry.task)
	}
	sortTasks(waiting)
	return append(out, waiting...)
}

func sortTasks(tasks []model.QueueTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].AddedAt.Equal(tasks[j].AddedAt) {
			return tasks[i].AddedAt.Before(tasks[j].AddedAt)
		}
		if tasks[i].ChunkX != tasks[j].ChunkX {
			return tasks[i].ChunkX < tasks[j].ChunkX
		}
		return tasks[i].ChunkZ < tasks[j].ChunkZ
	})
}

// Stop halts scheduling, cancels retry timers and cancels the context passed
// to outstanding submissions. Unfinished work stays in Snapshot, so Persist
// after Wait records exactly what is left.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, entry := range q.backoff {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	close(q.done)
	q.mu.Unlock()

	q.submitCancel()
	q.log.Infof("stopped")
}

// Wait blocks until outstanding submissions return. Call it after Stop.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.submissions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
