// Package store is the synchronous key-value persistence used for queue
// recovery, the signing identity and the tokenized-chunk registry.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/voxrun/internal/model"
)

var ErrClosed = errors.New("store closed")

// Store is a synchronous string key-value store. Get reports ok=false for a
// missing key; that is not an error.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// Open builds the backend selected by cfg. Relative paths resolve against baseDir.
func Open(cfg model.StoreConfig, baseDir string) (Store, error) {
	path := cfg.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	switch cfg.Backend {
	case "", "bolt":
		return OpenBolt(path)
	case "yaml":
		return NewYAMLDir(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func sortedWithPrefix(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
