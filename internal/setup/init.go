// Package setup handles voxrun directory initialization and config loading.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/voxrun/internal/model"
	atomicyaml "github.com/msageha/voxrun/internal/yaml"
	"github.com/msageha/voxrun/templates"
)

// DirName is the per-world state directory.
const DirName = ".voxrun"

// Dirs lists the subdirectories the daemon expects under .voxrun/.
var Dirs = []string{
	"inbox",
	"state",
	"locks",
	"logs",
	"dead_letters",
	"quarantine",
}

// Run initializes the .voxrun/ directory structure in projectDir. A non-empty
// seed replaces the template's world seed.
func Run(projectDir, seed string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range Dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	content, err := generateConfig(seed)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, "config.yaml"), content); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	metricsPath := filepath.Join(base, "state", "metrics.yaml")
	if err := atomicyaml.GenerateSkeleton(metricsPath, atomicyaml.FileTypeStateMetrics); err != nil {
		return fmt.Errorf("write metrics.yaml: %w", err)
	}
	return nil
}

// generateConfig returns the template config, keeping its comments.
func generateConfig(seed string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if seed == "" {
		return data, nil
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if !setScalar(&doc, seed, "game", "seed") {
		return nil, fmt.Errorf("config template has no game.seed")
	}
	out, err := yamlv3.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// setScalar walks mapping keys along path and replaces the scalar found there.
func setScalar(n *yamlv3.Node, value string, path ...string) bool {
	if n.Kind == yamlv3.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if len(path) == 0 {
		if n.Kind != yamlv3.ScalarNode {
			return false
		}
		n.Value = value
		n.Tag = "!!str"
		n.Style = yamlv3.DoubleQuotedStyle
		return true
	}
	if n.Kind != yamlv3.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == path[0] {
			return setScalar(n.Content[i+1], value, path[1:]...)
		}
	}
	return false
}

// LoadConfig reads <baseDir>/config.yaml and applies defaults.
func LoadConfig(baseDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// FindDir searches for .voxrun/ in dir and its ancestors. It returns "" when
// none exists.
func FindDir(dir string) string {
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
