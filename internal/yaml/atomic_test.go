package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type metricsDoc struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Queue         struct {
		Queued    int      `yaml:"queued"`
		InFlight  []string `yaml:"in_flight"`
		LastError string   `yaml:"last_error,omitempty"`
	} `yaml:"queue"`
}

func TestAtomicWrite_ReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "metrics.yaml")

	var doc metricsDoc
	doc.SchemaVersion = 1
	doc.FileType = FileTypeStateMetrics
	doc.Queue.Queued = 7
	doc.Queue.InFlight = []string{"0,0", "-1,3"}
	doc.Queue.LastError = "chunk 4,4: ledger returned 503: busy"
	if err := AtomicWrite(path, doc); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	var got metricsDoc
	if err := ReadFile(path, &got); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.Queue.Queued != 7 || len(got.Queue.InFlight) != 2 || got.Queue.InFlight[1] != "-1,3" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Queue.LastError != doc.Queue.LastError {
		t.Errorf("last_error: got %q", got.Queue.LastError)
	}
	if err := ValidateSchemaHeader(path, FileTypeStateMetrics); err != nil {
		t.Errorf("header: %v", err)
	}
}

func TestAtomicWrite_KeepsPreviousAsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.yaml")

	for _, queued := range []int{1, 2, 3} {
		var doc metricsDoc
		doc.SchemaVersion = 1
		doc.FileType = FileTypeStateMetrics
		doc.Queue.Queued = queued
		if err := AtomicWrite(path, doc); err != nil {
			t.Fatalf("write %d: %v", queued, err)
		}
	}

	var cur, bak metricsDoc
	if err := ReadFile(path, &cur); err != nil {
		t.Fatal(err)
	}
	if err := ReadFile(path+".bak", &bak); err != nil {
		t.Fatal(err)
	}
	if cur.Queue.Queued != 3 || bak.Queue.Queued != 2 {
		t.Errorf("current=%d backup=%d, want 3 and 2", cur.Queue.Queued, bak.Queue.Queued)
	}
}

func TestAtomicWriteRaw_RejectsInvalidAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	if err := AtomicWriteRaw(path, []byte("schema_version: 1\n")); err != nil {
		t.Fatal(err)
	}

	err := AtomicWriteRaw(path, []byte("chunks: [\n  {x: 1"))
	if err == nil || !strings.Contains(err.Error(), "yaml validation failed") {
		t.Fatalf("expected validation failure, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "schema_version: 1\n" {
		t.Errorf("original overwritten: %q", data)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".voxrun-tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestReadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	var v map[string]any

	err := ReadFile(filepath.Join(dir, "missing.yaml"), &v)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("a: [1"), 0644); err != nil {
		t.Fatal(err)
	}
	err = ReadFile(bad, &v)
	if err == nil || !strings.Contains(err.Error(), "parse bad.yaml") {
		t.Errorf("parse error: got %v", err)
	}
}
