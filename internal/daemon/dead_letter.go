package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

// DeadLetterArchiver keeps a YAML record of every chunk whose commitment was
// abandoned after exhausting its retries.
type DeadLetterArchiver struct {
	dir   string
	log   *logging.Logger
	count atomic.Int64
}

func NewDeadLetterArchiver(baseDir string, log *logging.Logger) *DeadLetterArchiver {
	if log == nil {
		log = logging.Discard()
	}
	return &DeadLetterArchiver{dir: DeadLetterDir(baseDir), log: log}
}

func DeadLetterDir(baseDir string) string {
	return filepath.Join(baseDir, "dead_letters")
}

// Count returns how many records this archiver wrote.
func (a *DeadLetterArchiver) Count() int {
	return int(a.count.Load())
}

// Archive writes dead_letters/<timestamp>_<x>_<z>_<id>.yaml and returns its path.
func (a *DeadLetterArchiver) Archive(task model.QueueTask, cause error) (string, error) {
	now := time.Now().UTC()
	reason := "retries exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	record := model.DeadLetter{
		SchemaVersion:  yamlutil.CurrentSchemaVersion,
		FileType:       yamlutil.FileTypeDeadLetter,
		ID:             uuid.NewString(),
		Task:           task,
		Reason:         reason,
		DeadLetteredAt: now.Format(time.RFC3339),
	}

	filename := fmt.Sprintf("%s_%d_%d_%s.yaml", now.Format("20060102T150405Z"), task.ChunkX, task.ChunkZ, record.ID[:8])
	path := filepath.Join(a.dir, filename)
	if err := yamlutil.AtomicWrite(path, record); err != nil {
		return "", fmt.Errorf("archive dead letter: %w", err)
	}
	a.count.Add(1)
	a.log.Warnf("dead_letter chunk=%s retries=%d reason=%q", task.Key(), task.RetryCount, reason)
	return path, nil
}

// ListDeadLetters reads every archived record under baseDir, oldest first.
// Files with an invalid header are skipped.
func ListDeadLetters(baseDir string) ([]model.DeadLetter, error) {
	dir := DeadLetterDir(baseDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dead_letters dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []model.DeadLetter
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeDeadLetter); err != nil {
			continue
		}
		var dl model.DeadLetter
		if err := yamlutil.ReadFile(path, &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
