package daemon

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/uds"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fakeLedger struct {
	mu    sync.Mutex
	calls []model.ChunkKey
	fn    func(ctx context.Context, key model.ChunkKey) error
}

func (f *fakeLedger) Submit(ctx context.Context, x, z int) error {
	key := model.ChunkKey{X: x, Z: z}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, key)
	}
	return nil
}

func (f *fakeLedger) Calls() []model.ChunkKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ChunkKey(nil), f.calls...)
}

// shortDir keeps socket paths under the unix socket length limit.
func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "vxd-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig() model.Config {
	return model.Config{
		Queue:     model.QueueConfig{StartupDelayMs: -1, RetryBaseDelayMs: 5},
		Telemetry: model.TelemetryConfig{PollIntervalMs: 20},
		Watcher:   model.WatcherConfig{ScanIntervalSec: 1},
		Daemon:    model.DaemonConfig{ShutdownTimeoutSec: 5},
		Logging:   model.LoggingConfig{Level: "debug"},
	}
}

func startDaemon(t *testing.T, dir string, cfg model.Config, sub *fakeLedger) *Daemon {
	t.Helper()
	d, err := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, err)
	d.SetSubmitter(sub)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	return d
}

func client(dir string) *uds.Client {
	c := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	c.SetTimeout(2 * time.Second)
	return c
}

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Watcher: model.WatcherConfig{ScanIntervalSec: 5},
		Daemon:  model.DaemonConfig{ShutdownTimeoutSec: 10},
		Logging: model.LoggingConfig{Level: "debug"},
	}

	d, err := newDaemon("/tmp/test-voxrun", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.baseDir != "/tmp/test-voxrun" {
		t.Errorf("baseDir: got %q, want %q", d.baseDir, "/tmp/test-voxrun")
	}
	if d.log.Level() != logging.LevelDebug {
		t.Errorf("log level: got %s, want DEBUG", d.log.Level())
	}
	if d.config.Queue.MaxConcurrentTasks != model.DefaultMaxConcurrentTasks {
		t.Errorf("defaults not applied: max_concurrent_tasks=%d", d.config.Queue.MaxConcurrentTasks)
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Watcher: model.WatcherConfig{ScanIntervalSec: 1},
		Daemon:  model.DaemonConfig{ShutdownTimeoutSec: 1},
	}

	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shutdown should be idempotent, even without Start
	d.Shutdown()
	d.Shutdown()

	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

func TestDaemonLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Logging: model.LoggingConfig{Level: "warn"},
	}

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.log.Infof("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	d.log.Warnf("warning message")
	if !bytes.Contains(buf.Bytes(), []byte("WARN daemon: warning message")) {
		t.Errorf("expected WARN line in output, got: %s", buf.String())
	}
}

func TestDaemonNew_CreatesLogDir(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), ".voxrun")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		t.Fatalf("create base dir: %v", err)
	}

	d, err := New(baseDir, model.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}

	if _, err := os.Stat(filepath.Join(baseDir, "logs")); err != nil {
		t.Errorf("expected log dir to be created: %v", err)
	}
}

func TestDaemon_ServesCommands(t *testing.T) {
	dir := shortDir(t)
	sub := &fakeLedger{}
	startDaemon(t, dir, testConfig(), sub)
	c := client(dir)

	var pong map[string]string
	require.NoError(t, c.Call(uds.CmdPing, nil, &pong))
	assert.Equal(t, "ok", pong["status"])

	var res uds.EnqueueResult
	require.NoError(t, c.Call(uds.CmdEnqueue, uds.EnqueueParams{X: 1, Z: 2}, &res))
	assert.Equal(t, uds.EnqueueResult{Chunk: "1,2", Enqueued: true}, res)

	require.Eventually(t, func() bool {
		var st model.DaemonStatus
		if err := c.Call(uds.CmdStatus, nil, &st); err != nil {
			return false
		}
		return st.Queue.Processed == 1 && st.Identity != "" && st.Queue.Ready
	}, waitFor, tick)
	assert.Equal(t, []model.ChunkKey{{X: 1, Z: 2}}, sub.Calls())
}

func TestDaemon_VisitMapsWorldPosition(t *testing.T) {
	dir := shortDir(t)
	sub := &fakeLedger{}
	startDaemon(t, dir, testConfig(), sub)
	c := client(dir)

	var res uds.EnqueueResult
	require.NoError(t, c.Call(uds.CmdVisit, uds.VisitParams{X: 17.5, Z: -0.5}, &res))
	assert.Equal(t, uds.EnqueueResult{Chunk: "1,-1", Enqueued: true}, res)

	require.NoError(t, c.Call(uds.CmdVisit, uds.VisitParams{X: 31, Z: -15}, &res))
	assert.Equal(t, uds.EnqueueResult{Chunk: "1,-1", Enqueued: false}, res, "same chunk is not offered twice")

	var st model.DaemonStatus
	require.NoError(t, c.Call(uds.CmdStatus, nil, &st))
	assert.Equal(t, 1, st.Discovered)
}

func TestDaemon_RejectsInvalidParams(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig(), &fakeLedger{})
	c := client(dir)

	err := c.Call(uds.CmdEnqueue, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), uds.ErrCodeValidation)

	err = c.Call(uds.CmdVisit, uds.VisitParams{X: 1e300, Z: 0}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the world")
}

func TestDaemon_PauseResume(t *testing.T) {
	dir := shortDir(t)
	sub := &fakeLedger{}
	startDaemon(t, dir, testConfig(), sub)
	c := client(dir)

	var st model.QueueStatus
	require.NoError(t, c.Call(uds.CmdPause, nil, &st))
	assert.True(t, st.Paused)

	require.NoError(t, c.Call(uds.CmdEnqueue, uds.EnqueueParams{X: 4, Z: 4}, nil))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.Calls(), "paused queue starts nothing")

	require.NoError(t, c.Call(uds.CmdResume, nil, &st))
	assert.False(t, st.Paused)
	require.Eventually(t, func() bool { return len(sub.Calls()) == 1 }, waitFor, tick)
}

func TestDaemon_SecondInstanceFailsLock(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig(), &fakeLedger{})

	d2, err := newDaemon(dir, testConfig(), io.Discard, nil)
	require.NoError(t, err)
	err = d2.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_ShutdownViaUDS(t *testing.T) {
	dir := shortDir(t)
	d := startDaemon(t, dir, testConfig(), &fakeLedger{})

	var resp map[string]string
	require.NoError(t, client(dir).Call(uds.CmdShutdown, nil, &resp))
	assert.Equal(t, "shutdown_accepted", resp["status"])

	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("daemon did not shut down")
	}
	_, err := os.Stat(filepath.Join(dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err), "socket removed")
	_, err = os.Stat(filepath.Join(dir, "locks", "daemon.lock"))
	assert.True(t, os.IsNotExist(err), "lock released")
}

func TestDaemon_PersistsQueueAcrossRestart(t *testing.T) {
	dir := shortDir(t)
	cfg := testConfig()
	cfg.Queue.MaxConcurrentTasks = 1

	blocked := &fakeLedger{fn: func(ctx context.Context, _ model.ChunkKey) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d1 := startDaemon(t, dir, cfg, blocked)
	c := client(dir)
	for _, k := range []model.ChunkKey{{X: 1, Z: 1}, {X: 2, Z: 2}, {X: 3, Z: 3}} {
		require.NoError(t, c.Call(uds.CmdEnqueue, uds.EnqueueParams{X: k.X, Z: k.Z}, nil))
	}
	require.Eventually(t, func() bool { return len(blocked.Calls()) == 1 }, waitFor, tick)
	d1.Shutdown()

	sub := &fakeLedger{}
	d2 := startDaemon(t, dir, cfg, sub)
	require.Eventually(t, func() bool { return len(sub.Calls()) == 3 }, waitFor, tick)
	assert.ElementsMatch(t, []model.ChunkKey{{X: 1, Z: 1}, {X: 2, Z: 2}, {X: 3, Z: 3}}, sub.Calls())

	d2.Shutdown()
	var m model.Metrics
	require.NoError(t, yamlutil.ReadFile(MetricsPath(dir), &m))
	assert.Equal(t, 3, m.Counters.Restored)
	assert.Equal(t, 3, m.Queue.Processed)
}

func TestDaemon_ShutdownDoesNotPersistChunkConfirmedWhileDraining(t *testing.T) {
	dir := shortDir(t)
	cfg := testConfig()
	cfg.Queue.MaxConcurrentTasks = 1

	// The ledger confirms the in-flight chunk even though shutdown cancelled it.
	confirming := &fakeLedger{fn: func(ctx context.Context, _ model.ChunkKey) error {
		<-ctx.Done()
		return nil
	}}
	d1 := startDaemon(t, dir, cfg, confirming)
	c := client(dir)
	for _, k := range []model.ChunkKey{{X: 1, Z: 1}, {X: 2, Z: 2}} {
		require.NoError(t, c.Call(uds.CmdEnqueue, uds.EnqueueParams{X: k.X, Z: k.Z}, nil))
	}
	require.Eventually(t, func() bool { return len(confirming.Calls()) == 1 }, waitFor, tick)
	d1.Shutdown()

	sub := &fakeLedger{}
	d2 := startDaemon(t, dir, cfg, sub)
	require.Eventually(t, func() bool { return len(sub.Calls()) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []model.ChunkKey{{X: 2, Z: 2}}, sub.Calls(), "confirmed chunk must not be resubmitted")

	d2.Shutdown()
	var m model.Metrics
	require.NoError(t, yamlutil.ReadFile(MetricsPath(dir), &m))
	assert.Equal(t, 1, m.Counters.Restored)
}

func TestDaemon_ConsumesInboxFiles(t *testing.T) {
	dir := shortDir(t)
	sub := &fakeLedger{}
	startDaemon(t, dir, testConfig(), sub)

	inbox := filepath.Join(dir, "inbox")
	good := filepath.Join(inbox, "batch-001.yaml")
	require.NoError(t, yamlutil.AtomicWrite(good, model.ChunkDiscovery{
		SchemaVersion: 1,
		FileType:      yamlutil.FileTypeChunkDiscovery,
		Chunks:        []model.ChunkKey{{X: 5, Z: 6}, {X: -1, Z: 0}},
	}))
	bad := filepath.Join(inbox, "batch-002.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("schema_version: 1\nfile_type: dead_letter\n"), 0644))

	require.Eventually(t, func() bool { return len(sub.Calls()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []model.ChunkKey{{X: 5, Z: 6}, {X: -1, Z: 0}}, sub.Calls())

	require.Eventually(t, func() bool {
		_, errGood := os.Stat(good)
		_, errBad := os.Stat(bad)
		return os.IsNotExist(errGood) && os.IsNotExist(errBad)
	}, waitFor, tick)

	quarantined, err := filepath.Glob(filepath.Join(dir, "quarantine", "batch-002.yaml.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestDaemon_DeadLettersDroppedChunks(t *testing.T) {
	dir := shortDir(t)
	cfg := testConfig()
	cfg.Queue.DeadLetter = true
	cfg.Queue.MaxRetries = 1

	sub := &fakeLedger{fn: func(context.Context, model.ChunkKey) error {
		return errors.New("ledger rejected chunk 7,7: stale head")
	}}
	startDaemon(t, dir, cfg, sub)
	require.NoError(t, client(dir).Call(uds.CmdEnqueue, uds.EnqueueParams{X: 7, Z: 7}, nil))

	var letters []model.DeadLetter
	require.Eventually(t, func() bool {
		var err error
		letters, err = ListDeadLetters(dir)
		return err == nil && len(letters) == 1
	}, waitFor, tick)
	assert.Equal(t, model.ChunkKey{X: 7, Z: 7}, letters[0].Task.Key())
	assert.Equal(t, 1, letters[0].Task.RetryCount)
	assert.Contains(t, letters[0].Reason, "stale head")
	assert.Len(t, sub.Calls(), 2)
}

func TestDaemon_WritesMetrics(t *testing.T) {
	dir := shortDir(t)
	startDaemon(t, dir, testConfig(), &fakeLedger{})

	require.Eventually(t, func() bool {
		return yamlutil.ValidateSchemaHeader(MetricsPath(dir), yamlutil.FileTypeStateMetrics) == nil
	}, waitFor, tick)

	var m model.Metrics
	require.NoError(t, yamlutil.ReadFile(MetricsPath(dir), &m))
	require.NotNil(t, m.DaemonHeartbeat)
	assert.Equal(t, model.DefaultMaxConcurrentTasks, m.Queue.MaxConcurrent)

	_, err := os.Stat(filepath.Join(dir, "dashboard.md"))
	assert.NoError(t, err)
}
