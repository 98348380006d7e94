package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/voxrun/internal/lock"
	"github.com/msageha/voxrun/internal/logging"
	"github.com/msageha/voxrun/internal/model"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

// Discoverer receives chunks announced by inbox files.
type Discoverer interface {
	Discover(key model.ChunkKey) bool
}

// InboxProcessor consumes chunk_discovery files from <baseDir>/inbox. Each
// file is removed once its chunks are handed to the tracker; files that fail
// validation are quarantined.
type InboxProcessor struct {
	baseDir string
	dir     string
	tracker Discoverer
	lockMap *lock.MutexMap
	log     *logging.Logger

	mu        sync.Mutex
	processed int
}

func NewInboxProcessor(baseDir string, tracker Discoverer, lockMap *lock.MutexMap, log *logging.Logger) *InboxProcessor {
	if lockMap == nil {
		lockMap = lock.NewMutexMap()
	}
	if log == nil {
		log = logging.Discard()
	}
	return &InboxProcessor{
		baseDir: baseDir,
		dir:     filepath.Join(baseDir, "inbox"),
		tracker: tracker,
		lockMap: lockMap,
		log:     log,
	}
}

func (p *InboxProcessor) Dir() string { return p.dir }

// Processed returns how many inbox files were consumed.
func (p *InboxProcessor) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// Scan handles every pending file in name order.
func (p *InboxProcessor) Scan() {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warnf("read inbox: %v", err)
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		p.HandleFile(filepath.Join(p.dir, name))
	}
}

// HandleFile processes one inbox file. Hidden files (atomic-write temps) and
// non-YAML files are ignored.
func (p *InboxProcessor) HandleFile(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
		return
	}

	_ = p.lockMap.With(path, func() error {
		n, err := p.consume(path)
		switch {
		case err == nil:
			p.log.Infof("inbox file=%s enqueued=%d", name, n)
		case os.IsNotExist(err):
			// Consumed by a concurrent scan.
		default:
			p.log.Warnf("inbox file=%s error=%v", name, err)
		}
		return err
	})
}

func (p *InboxProcessor) consume(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, yamlutil.FileTypeChunkDiscovery); err != nil {
		return 0, p.quarantine(path, err)
	}
	var doc model.ChunkDiscovery
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return 0, p.quarantine(path, err)
	}

	enqueued := 0
	for _, key := range doc.Chunks {
		if p.tracker.Discover(key) {
			enqueued++
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return enqueued, fmt.Errorf("remove consumed file: %w", err)
	}

	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
	return enqueued, nil
}

func (p *InboxProcessor) quarantine(path string, cause error) error {
	dst, err := yamlutil.Quarantine(p.baseDir, path)
	if err != nil {
		return fmt.Errorf("invalid inbox file (%v) and %w", cause, err)
	}
	return fmt.Errorf("invalid inbox file quarantined to %s: %w", filepath.Base(dst), cause)
}
