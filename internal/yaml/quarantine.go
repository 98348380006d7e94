package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupt file into <baseDir>/quarantine and returns its new path.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405.000"))
	dst := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

func GenerateSkeleton(filePath string, fileType string) error {
	content, err := yamlv3.Marshal(skeletonFor(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores it from its .bak or,
// failing that, writes an empty skeleton of fileType in its place.
func RecoverCorruptedFile(baseDir, filePath, fileType string) (restored bool, err error) {
	if _, err := Quarantine(baseDir, filePath); err != nil {
		return false, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath); err == nil {
		return true, nil
	}
	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return false, fmt.Errorf("skeleton generation failed: %w", err)
	}
	return false, nil
}

func skeletonFor(fileType string) any {
	base := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	switch fileType {
	case FileTypeChunkDiscovery:
		base["chunks"] = []any{}
	case FileTypeStateMetrics:
		base["queue"] = map[string]any{"queued": 0, "processed": 0, "failed": 0, "in_flight": []any{}}
		base["counters"] = map[string]any{}
		base["daemon_heartbeat"] = nil
		base["updated_at"] = nil
	case FileTypeKVRecord:
		base["key"] = ""
		base["value"] = ""
	}
	return base
}
