package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

// MetricsPath is where the daemon publishes state/metrics.yaml under baseDir.
func MetricsPath(baseDir string) string {
	return filepath.Join(baseDir, "state", "metrics.yaml")
}

// MetricsWriter publishes queue status and lifetime counters to
// state/metrics.yaml and a markdown summary to dashboard.md. Counters from
// earlier daemon runs are carried forward.
type MetricsWriter struct {
	baseDir       string
	path          string
	dashboardPath string
	log           *logging.Logger

	mu   sync.Mutex
	base model.MetricsCounters
}

func NewMetricsWriter(baseDir string, log *logging.Logger) *MetricsWriter {
	if log == nil {
		log = logging.Discard()
	}
	return &MetricsWriter{
		baseDir:       baseDir,
		path:          MetricsPath(baseDir),
		dashboardPath: filepath.Join(baseDir, "dashboard.md"),
		log:           log,
	}
}

// Load reads the counters left by the previous run. A corrupt file is
// quarantined and recovered from its backup when possible.
func (m *MetricsWriter) Load() {
	var metrics model.Metrics
	err := yamlutil.ReadFile(m.path, &metrics)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err == nil {
		err = yamlutil.ValidateSchemaHeader(m.path, yamlutil.FileTypeStateMetrics)
	}
	if err != nil {
		m.log.Warnf("metrics file corrupt, recovering error=%v", err)
		restored, recErr := yamlutil.RecoverCorruptedFile(m.baseDir, m.path, yamlutil.FileTypeStateMetrics)
		if recErr != nil {
			m.log.Errorf("metrics recovery failed error=%v", recErr)
			return
		}
		if !restored {
			return
		}
		metrics = model.Metrics{}
		if err := yamlutil.ReadFile(m.path, &metrics); err != nil {
			return
		}
	}

	m.mu.Lock()
	m.base = metrics.Counters
	m.mu.Unlock()
}

// AddRestored records tasks recovered from the persisted queue at startup.
func (m *MetricsWriter) AddRestored(n int) {
	m.mu.Lock()
	m.base.Restored += n
	m.mu.Unlock()
}

// Counters returns the lifetime counters given this session's values.
func (m *MetricsWriter) Counters(session model.MetricsCounters) model.MetricsCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.MetricsCounters{
		ChunksDiscovered: m.base.ChunksDiscovered + session.ChunksDiscovered,
		InboxFiles:       m.base.InboxFiles + session.InboxFiles,
		DeadLetters:      m.base.DeadLetters + session.DeadLetters,
		Restored:         m.base.Restored + session.Restored,
	}
}

// Write replaces state/metrics.yaml and dashboard.md.
func (m *MetricsWriter) Write(status model.QueueStatus, session model.MetricsCounters, heartbeat time.Time) error {
	hb := heartbeat.UTC().Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	metrics := model.Metrics{
		SchemaVersion:   yamlutil.CurrentSchemaVersion,
		FileType:        yamlutil.FileTypeStateMetrics,
		Queue:           status,
		Counters:        m.Counters(session),
		DaemonHeartbeat: &hb,
		UpdatedAt:       &now,
	}
	if err := yamlutil.AtomicWrite(m.path, metrics); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := atomicWriteText(m.dashboardPath, FormatDashboard(metrics)); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	return nil
}

// FormatDashboard renders metrics as markdown.
func FormatDashboard(m model.Metrics) string {
	var sb strings.Builder
	sb.WriteString("# voxrun Dashboard\n\n")
	if m.UpdatedAt != nil {
		fmt.Fprintf(&sb, "Updated: %s\n\n", *m.UpdatedAt)
	}

	q := m.Queue
	state := "running"
	switch {
	case q.Paused:
		state = "paused"
	case !q.Ready:
		state = "starting"
	}

	sb.WriteString("## Queue\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|------:|\n")
	fmt.Fprintf(&sb, "| state | %s |\n", state)
	fmt.Fprintf(&sb, "| queued | %d |\n", q.Queued)
	fmt.Fprintf(&sb, "| in flight | %d / %d |\n", len(q.InFlight), q.MaxConcurrent)
	fmt.Fprintf(&sb, "| waiting retry | %d |\n", q.Retrying)
	fmt.Fprintf(&sb, "| processed | %d |\n", q.Processed)
	fmt.Fprintf(&sb, "| retried | %d |\n", q.Retried)
	fmt.Fprintf(&sb, "| failed | %d |\n", q.Failed)
	if q.LastProcessedAt != nil {
		fmt.Fprintf(&sb, "| last processed | %s |\n", q.LastProcessedAt.UTC().Format(time.RFC3339))
	}

	sb.WriteString("\n## In Flight\n\n")
	if len(q.InFlight) == 0 {
		sb.WriteString("_No chunks in flight_\n")
	}
	for _, c := range q.InFlight {
		fmt.Fprintf(&sb, "- `%s`\n", c)
	}

	if q.LastError != "" {
		fmt.Fprintf(&sb, "\n## Last Error\n\n```\n%s\n```\n", q.LastError)
	}

	c := m.Counters
	sb.WriteString("\n## Lifetime\n\n")
	fmt.Fprintf(&sb, "- chunks discovered: %d\n", c.ChunksDiscovered)
	fmt.Fprintf(&sb, "- inbox files: %d\n", c.InboxFiles)
	fmt.Fprintf(&sb, "- restored at startup: %d\n", c.Restored)
	fmt.Fprintf(&sb, "- dead letters: %d\n", c.DeadLetters)
	return sb.String()
}

func atomicWriteText(path string, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".voxrun-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}
