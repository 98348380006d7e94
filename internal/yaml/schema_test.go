package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  string
	}{
		{"inbox batch", "schema_version: 1\nfile_type: chunk_discovery\nchunks: []\n", FileTypeChunkDiscovery, ""},
		{"metrics", "schema_version: 1\nfile_type: state_metrics\n", FileTypeStateMetrics, ""},
		{"dead letter", "schema_version: 1\nfile_type: dead_letter\n", FileTypeDeadLetter, ""},
		{"kv record", "schema_version: 1\nfile_type: kv_record\n", FileTypeKVRecord, ""},
		{"any type accepted", "schema_version: 1\nfile_type: dead_letter\n", "", ""},
		{"future version", "schema_version: 2\nfile_type: chunk_discovery\n", FileTypeChunkDiscovery, "unsupported schema_version 2"},
		{"negative version", "schema_version: -1\nfile_type: chunk_discovery\n", FileTypeChunkDiscovery, "invalid schema_version -1"},
		{"missing version", "file_type: chunk_discovery\n", FileTypeChunkDiscovery, "invalid schema_version 0"},
		{"missing type", "schema_version: 1\nchunks: []\n", FileTypeChunkDiscovery, "missing file_type"},
		{"unknown type", "schema_version: 1\nfile_type: queue_task\n", "", `unknown file_type: "queue_task"`},
		{"mismatch", "schema_version: 1\nfile_type: state_metrics\n", FileTypeChunkDiscovery, "file_type mismatch"},
		{"not yaml", "chunks: [", FileTypeChunkDiscovery, "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchemaHeader_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch-001.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: chunk_discovery\nchunks:\n  - {x: 0, z: 0}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ValidateSchemaHeader(path, FileTypeChunkDiscovery); err != nil {
		t.Errorf("valid file: %v", err)
	}
	if err := ValidateSchemaHeader(filepath.Join(dir, "gone.yaml"), FileTypeChunkDiscovery); err == nil {
		t.Error("expected error for missing file")
	}
}
