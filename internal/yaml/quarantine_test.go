package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestQuarantine(t *testing.T) {
	baseDir := t.TempDir()
	filePath := filepath.Join(baseDir, "inbox-1.yaml")
	if err := os.WriteFile(filePath, []byte("chunks: [\n"), 0644); err != nil {
		t.Fatal(err)
	}

	dst, err := Quarantine(baseDir, filePath)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("original file should be removed after quarantine")
	}
	if filepath.Dir(dst) != filepath.Join(baseDir, "quarantine") {
		t.Errorf("unexpected quarantine dir: %s", dst)
	}
	name := filepath.Base(dst)
	if !strings.HasPrefix(name, "inbox-1.yaml.") || !strings.HasSuffix(name, ".corrupt") {
		t.Errorf("unexpected quarantine filename: %s", name)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "metrics.yaml")
	valid := []byte("schema_version: 1\nfile_type: state_metrics\n")
	if err := os.WriteFile(filePath+".bak", valid, 0644); err != nil {
		t.Fatal(err)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != string(valid) {
		t.Errorf("restored content mismatch: %q", content)
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	if err := RestoreFromBackup(filepath.Join(t.TempDir(), "x.yaml")); err == nil {
		t.Fatal("expected error without backup")
	}
}

func TestRestoreFromBackup_CorruptBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "x.yaml")
	os.WriteFile(filePath+".bak", []byte("broken: [\n"), 0644)

	err := RestoreFromBackup(filePath)
	if err == nil || !strings.Contains(err.Error(), "also corrupted") {
		t.Fatalf("expected corrupted backup error, got %v", err)
	}
}

func TestGenerateSkeleton(t *testing.T) {
	dir := t.TempDir()
	for _, ft := range []string{FileTypeChunkDiscovery, FileTypeStateMetrics, FileTypeKVRecord, FileTypeDeadLetter} {
		path := filepath.Join(dir, ft+".yaml")
		if err := GenerateSkeleton(path, ft); err != nil {
			t.Fatalf("%s: GenerateSkeleton failed: %v", ft, err)
		}
		if err := ValidateSchemaHeader(path, ft); err != nil {
			t.Errorf("%s: skeleton header invalid: %v", ft, err)
		}
	}

	var discovery map[string]any
	data, _ := os.ReadFile(filepath.Join(dir, FileTypeChunkDiscovery+".yaml"))
	if err := yamlv3.Unmarshal(data, &discovery); err != nil {
		t.Fatal(err)
	}
	if _, ok := discovery["chunks"]; !ok {
		t.Error("chunk_discovery skeleton should carry an empty chunks list")
	}
}

func TestRecoverCorruptedFile_WithBackup(t *testing.T) {
	baseDir := t.TempDir()
	filePath := filepath.Join(baseDir, "metrics.yaml")
	os.WriteFile(filePath+".bak", []byte("schema_version: 1\nfile_type: state_metrics\n"), 0644)
	os.WriteFile(filePath, []byte("broken: [\n"), 0644)

	restored, err := RecoverCorruptedFile(baseDir, filePath, FileTypeStateMetrics)
	if err != nil {
		t.Fatalf("RecoverCorruptedFile failed: %v", err)
	}
	if !restored {
		t.Error("expected restore from backup")
	}
	if err := ValidateSchemaHeader(filePath, FileTypeStateMetrics); err != nil {
		t.Errorf("recovered file invalid: %v", err)
	}
}

func TestRecoverCorruptedFile_WithoutBackup(t *testing.T) {
	baseDir := t.TempDir()
	filePath := filepath.Join(baseDir, "metrics.yaml")
	os.WriteFile(filePath, []byte("broken: [\n"), 0644)

	restored, err := RecoverCorruptedFile(baseDir, filePath, FileTypeStateMetrics)
	if err != nil {
		t.Fatalf("RecoverCorruptedFile failed: %v", err)
	}
	if restored {
		t.Error("no backup existed, skeleton expected")
	}
	if err := ValidateSchemaHeader(filePath, FileTypeStateMetrics); err != nil {
		t.Errorf("skeleton invalid: %v", err)
	}
}
