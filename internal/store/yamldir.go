package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/msageha/voxrun/internal/lock"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

type kvRecord struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Key           string `yaml:"key"`
	Value         string `yaml:"value"`
}

// YAMLDir stores one atomically written YAML file per key. Human-inspectable,
// slower than Bolt.
type YAMLDir struct {
	dir     string
	lockMap *lock.MutexMap
	closed  atomic.Bool
}

func NewYAMLDir(dir string) (*YAMLDir, error) {
	if dir == "" {
		return nil, fmt.Errorf("yaml store: empty dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &YAMLDir{dir: dir, lockMap: lock.NewMutexMap()}, nil
}

func (y *YAMLDir) path(key string) string {
	return filepath.Join(y.dir, url.PathEscape(key)+".yaml")
}

func (y *YAMLDir) Get(key string) (string, bool, error) {
	if y.closed.Load() {
		return "", false, ErrClosed
	}
	var rec kvRecord
	err := y.lockMap.With(key, func() error {
		return yamlutil.ReadFile(y.path(key), &rec)
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("yaml get %q: %w", key, err)
	}
	return rec.Value, true, nil
}

func (y *YAMLDir) Set(key, value string) error {
	if y.closed.Load() {
		return ErrClosed
	}
	rec := kvRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeKVRecord,
		Key:           key,
		Value:         value,
	}
	return y.lockMap.With(key, func() error {
		if err := yamlutil.AtomicWrite(y.path(key), rec); err != nil {
			return fmt.Errorf("yaml set %q: %w", key, err)
		}
		return nil
	})
}

func (y *YAMLDir) Remove(key string) error {
	if y.closed.Load() {
		return ErrClosed
	}
	return y.lockMap.With(key, func() error {
		p := y.path(key)
		for _, f := range []string{p, p + ".bak"} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("yaml remove %q: %w", key, err)
			}
		}
		return nil
	})
}

func (y *YAMLDir) Keys(prefix string) ([]string, error) {
	if y.closed.Load() {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(y.dir)
	if err != nil {
		return nil, fmt.Errorf("yaml keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return sortedWithPrefix(keys, prefix), nil
}

func (y *YAMLDir) Close() error {
	y.closed.Store(true)
	return nil
}
