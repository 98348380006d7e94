// Package daemon wires the chunk tokenization queue to its producers (UDS,
// inbox watcher, world tracker), its submitter and its observers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/voxrun/internal/events"
	"github.com/msageha/voxrun/internal/identity"
	"github.com/msageha/voxrun/internal/ledger"
	"github.com/msageha/voxrun/internal/lock"
	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
	"github.com/msageha/voxrun/internal/store"
	"github.com/msageha/voxrun/internal/telemetry"
	"github.com/msageha/voxrun/internal/tokenqueue"
	"github.com/msageha/voxrun/internal/uds"
	"github.com/msageha/voxrun/internal/world"
)

const identityRetryInterval = 5 * time.Second

// Daemon is the voxrun background process.
type Daemon struct {
	baseDir string
	config  model.Config
	log     *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store     store.Store
	bus       *events.Bus
	audit     *events.AuditLogger
	detach    func()
	keystore  *identity.Keystore
	gate      *identity.Gate
	registry  *ledger.Registry
	submitter tokenqueue.Submitter
	queue     *tokenqueue.Queue
	tracker   *world.Tracker
	telemetry *telemetry.Server

	inbox       *InboxProcessor
	deadLetters *DeadLetterArchiver
	metrics     *MetricsWriter
	lockMap     *lock.MutexMap
	startedAt   time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a Daemon logging to <baseDir>/logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(baseDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	logger := logging.New(log.New(w, "", 0), logging.ParseLevel(cfg.Logging.Level), "daemon")
	server := uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName))
	server.SetLogger(logger.With("uds"))

	d := &Daemon{
		baseDir:  baseDir,
		config:   cfg,
		log:      logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(lock.DaemonLockPath(baseDir)),
		server:   server,
		ticker:   time.NewTicker(time.Duration(cfg.Watcher.ScanIntervalSec) * time.Second),
		lockMap:  lock.NewMutexMap(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	return d, nil
}

// SetSubmitter replaces the ledger client, e.g. with an in-process fake.
// Must be called before Start().
func (d *Daemon) SetSubmitter(s tokenqueue.Submitter) {
	d.submitter = s
}

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up in dependency order and returns once the
// daemon is serving. The queue begins draining after the identity loads and
// the startup delay passes.
func (d *Daemon) Start() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log.Infof("daemon starting pid=%d", os.Getpid())

	// Step 2: Open the persistent store
	st, err := store.Open(d.config.Store, d.baseDir)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	// Step 3: Event bus and audit trail
	d.bus = events.NewBus(0)
	audit, err := events.NewAuditLogger(filepath.Join(d.baseDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit
	d.detach = audit.Attach(d.bus, func(err error) {
		d.log.Warnf("audit write failed error=%v", err)
	})

	// Step 4: Identity, registry and submitter
	d.keystore = identity.NewKeystore(st)
	d.gate = identity.NewGate()
	d.registry = ledger.NewRegistry(st)
	if d.submitter == nil {
		d.submitter = ledger.NewClient(d.config.Ledger, d.config.Game.Seed, d.keystore, d.registry,
			ledger.WithLogger(d.log.With("ledger")))
	}

	// Step 5: Build the queue and restore interrupted work
	d.deadLetters = NewDeadLetterArchiver(d.baseDir, d.log.With("dead_letter"))
	d.queue = tokenqueue.New(tokenqueue.ConfigFrom(d.config.Queue), d.submitter,
		tokenqueue.WithLogger(d.log.With("queue")),
		tokenqueue.WithPublisher(d.bus),
		tokenqueue.WithGate(d.gate),
		tokenqueue.WithDropHandler(d.onDrop),
	)
	d.tracker = world.NewTracker(d.config.Game.ChunkSize, d.queue, d.registry, d.log.With("world"))

	restored, err := d.queue.Restore(st)
	if err != nil {
		d.log.Warnf("queue restore failed error=%v", err)
	} else if restored > 0 {
		d.log.Infof("restored chunks=%d", restored)
	}

	d.metrics = NewMetricsWriter(d.baseDir, d.log.With("metrics"))
	d.metrics.Load()
	d.metrics.AddRestored(restored)

	// Step 6: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("UDS server listening on %s", filepath.Join(d.baseDir, uds.DefaultSocketName))

	// Step 7: Inbox watcher
	d.inbox = NewInboxProcessor(d.baseDir, d.tracker, d.lockMap, d.log.With("inbox"))
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := os.MkdirAll(d.inbox.Dir(), 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", d.inbox.Dir(), err)
	}
	if err := watcher.Add(d.inbox.Dir()); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.inbox.Dir(), err)
	}

	// Step 8: Telemetry
	d.telemetry = telemetry.NewServer(d.telemetrySnapshot, d.config.Telemetry.PollInterval(), d.log.With("telemetry"))
	if addr := d.config.Telemetry.HTTPAddr; addr != "" {
		if _, err := d.telemetry.Start(addr); err != nil {
			d.cleanup()
			return err
		}
	}

	// Step 9: Background loops
	d.wg.Add(6)
	go d.fsnotifyLoop()
	go d.tickerLoop()
	go d.metricsLoop()
	go d.loadIdentity()
	go func() {
		defer d.wg.Done()
		d.telemetry.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		if err := d.queue.Run(d.ctx); err != nil && !errors.Is(err, tokenqueue.ErrStopped) {
			d.log.Errorf("queue stopped error=%v", err)
		}
	}()

	// Step 10: Pick up files dropped while the daemon was down
	d.inbox.Scan()
	d.log.Infof("daemon ready")
	return nil
}

// loadIdentity retries until the signing identity is available, then opens
// the readiness gate.
func (d *Daemon) loadIdentity() {
	defer d.wg.Done()

	for {
		id, err := d.keystore.Load()
		if err == nil {
			d.log.Infof("identity ready fingerprint=%s", id.Fingerprint())
			d.gate.Open()
			return
		}
		d.log.Errorf("identity load failed error=%v", err)
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(identityRetryInterval):
		}
	}
}

// onDrop runs when a chunk exhausts its retries.
func (d *Daemon) onDrop(task model.QueueTask, err error) {
	d.tracker.Forget(task.Key())
	if !d.config.Queue.DeadLetter {
		return
	}
	if _, archErr := d.deadLetters.Archive(task, err); archErr != nil {
		d.log.Errorf("dead letter chunk=%s error=%v", task.Key(), archErr)
	}
}

func (d *Daemon) identityFingerprint() string {
	id, err := d.keystore.Identity()
	if err != nil {
		return ""
	}
	return id.Fingerprint()
}

func (d *Daemon) telemetrySnapshot() telemetry.Snapshot {
	return telemetry.Snapshot{
		Queue:      d.queue.Status(),
		Discovered: d.tracker.Discovered(),
		Identity:   d.identityFingerprint(),
		Timestamp:  time.Now().UTC(),
	}
}

// Status is the daemon-wide view returned by the UDS status command.
func (d *Daemon) Status() model.DaemonStatus {
	return model.DaemonStatus{
		PID:         os.Getpid(),
		StartedAt:   d.startedAt.UTC(),
		Identity:    d.identityFingerprint(),
		Discovered:  d.tracker.Discovered(),
		InboxFiles:  d.inbox.Processed(),
		DeadLetters: d.deadLetters.Count(),
		Queue:       d.queue.Status(),
	}
}

// fsnotifyLoop processes inbox change events.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.inbox.HandleFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Errorf("fsnotify error=%v", err)
		}
	}
}

// tickerLoop rescans the inbox at the configured interval in case an event was missed.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log.Debugf("periodic scan triggered")
			d.inbox.Scan()
		}
	}
}

// metricsLoop writes state/metrics.yaml at the telemetry interval.
func (d *Daemon) metricsLoop() {
	defer d.wg.Done()

	t := time.NewTicker(d.config.Telemetry.PollInterval())
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.writeMetrics()
		}
	}
}

func (d *Daemon) writeMetrics() {
	session := model.MetricsCounters{
		ChunksDiscovered: d.tracker.Discovered(),
		InboxFiles:       d.inbox.Processed(),
		DeadLetters:      d.deadLetters.Count(),
	}
	if err := d.metrics.Write(d.queue.Status(), session, time.Now()); err != nil {
		d.log.Warnf("metrics write failed error=%v", err)
	}
}

// waitSignals blocks until a shutdown signal arrives or shutdown is requested
// over UDS.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.done:
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). Queued work
// is persisted before anything is torn down.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		d.log.Infof("shutdown started")

		// 1. Pause the queue so nothing new starts
		if d.queue != nil {
			d.queue.Pause()
		}

		// 2. Stop producers
		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		if d.telemetry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.telemetry.Shutdown(ctx); err != nil {
				d.log.Warnf("telemetry shutdown error=%v", err)
			}
			cancel()
		}

		// 3. Persist queued work synchronously
		d.persistQueue()

		// 4. Stop the queue and drain in-flight submissions with timeout
		if d.queue != nil {
			d.queue.Stop()
		}
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.queue != nil {
				_ = d.queue.Wait(context.Background())
			}
			close(drained)
		}()
		select {
		case <-drained:
			d.log.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.log.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		// Rewrite the record without submissions that completed while draining
		d.persistQueue()

		if d.metrics != nil && d.inbox != nil {
			d.writeMetrics()
		}

		// 5. Cleanup
		d.cleanup()
		d.log.Infof("daemon stopped")
	})
}

func (d *Daemon) persistQueue() {
	if d.queue == nil || d.store == nil {
		return
	}
	if err := d.queue.Persist(d.store); err != nil {
		d.log.Errorf("persist queue failed error=%v", err)
		return
	}
	d.log.Infof("queue persisted tasks=%d", len(d.queue.Snapshot()))
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.server.Stop()
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.detach != nil {
		d.detach()
		d.detach = nil
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log.Warnf("close audit log error=%v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warnf("close store error=%v", err)
		}
		d.store = nil
	}
	socketPath := filepath.Join(d.baseDir, uds.DefaultSocketName)
	os.Remove(socketPath)
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
