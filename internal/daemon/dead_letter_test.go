package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/voxrun/internal/model"
	yamlutil "github.com/msageha/voxrun/internal/yaml"
)

func TestDeadLetterArchiver_Archive(t *testing.T) {
	base := t.TempDir()
	a := NewDeadLetterArchiver(base, nil)
	task := model.QueueTask{ChunkX: -3, ChunkZ: 8, AddedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), RetryCount: 3}

	path, err := a.Archive(task, errors.New("ledger rejected chunk -3,8: bad signature"))
	require.NoError(t, err)
	assert.Equal(t, DeadLetterDir(base), filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "_-3_8_")
	assert.Equal(t, 1, a.Count())

	require.NoError(t, yamlutil.ValidateSchemaHeader(path, yamlutil.FileTypeDeadLetter))

	var dl model.DeadLetter
	require.NoError(t, yamlutil.ReadFile(path, &dl))
	assert.Equal(t, task.Key(), dl.Task.Key())
	assert.Equal(t, 3, dl.Task.RetryCount)
	assert.True(t, task.AddedAt.Equal(dl.Task.AddedAt))
	assert.Equal(t, "ledger rejected chunk -3,8: bad signature", dl.Reason)
	assert.NotEmpty(t, dl.ID)
	_, err = time.Parse(time.RFC3339, dl.DeadLetteredAt)
	assert.NoError(t, err)
}

func TestDeadLetterArchiver_NilCause(t *testing.T) {
	a := NewDeadLetterArchiver(t.TempDir(), nil)
	path, err := a.Archive(model.QueueTask{ChunkX: 1, ChunkZ: 1}, nil)
	require.NoError(t, err)

	var dl model.DeadLetter
	require.NoError(t, yamlutil.ReadFile(path, &dl))
	assert.Equal(t, "retries exhausted", dl.Reason)
}

func TestListDeadLetters(t *testing.T) {
	base := t.TempDir()

	letters, err := ListDeadLetters(base)
	require.NoError(t, err)
	assert.Empty(t, letters, "missing directory is empty")

	a := NewDeadLetterArchiver(base, nil)
	_, err = a.Archive(model.QueueTask{ChunkX: 1, ChunkZ: 2}, errors.New("first"))
	require.NoError(t, err)
	_, err = a.Archive(model.QueueTask{ChunkX: 3, ChunkZ: 4}, errors.New("second"))
	require.NoError(t, err)

	// Not a dead letter: skipped.
	require.NoError(t, os.WriteFile(filepath.Join(DeadLetterDir(base), "zz.yaml"),
		[]byte("schema_version: 1\nfile_type: chunk_discovery\nchunks: []\n"), 0644))

	letters, err = ListDeadLetters(base)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	reasons := []string{letters[0].Reason, letters[1].Reason}
	assert.ElementsMatch(t, []string{"first", "second"}, reasons)
}
