package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/voxrun/internal/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	b, err := OpenBolt(filepath.Join(dir, "bolt", "voxrun.db"))
	require.NoError(t, err)
	y, err := NewYAMLDir(filepath.Join(dir, "kv"))
	require.NoError(t, err)

	return map[string]Store{
		"bolt":   b,
		"yaml":   y,
		"memory": NewMemory(),
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			defer s.Close()

			_, ok, err := s.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok, "missing key should report ok=false")

			require.NoError(t, s.Set("chunk_tokenization_queue", `[{"chunkX":1}]`))
			v, ok, err := s.Get("chunk_tokenization_queue")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `[{"chunkX":1}]`, v)

			require.NoError(t, s.Set("chunk_tokenization_queue", "[]"))
			v, _, _ = s.Get("chunk_tokenization_queue")
			assert.Equal(t, "[]", v, "Set must overwrite")

			require.NoError(t, s.Remove("chunk_tokenization_queue"))
			_, ok, err = s.Get("chunk_tokenization_queue")
			require.NoError(t, err)
			assert.False(t, ok)

			// Removing a missing key is not an error.
			require.NoError(t, s.Remove("never-set"))
		})
	}
}

func TestStore_KeysByPrefix(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			defer s.Close()
			for _, k := range []string{"tokenized/2,0", "tokenized/-1,5", "identity/ed25519", "tokenizedX"} {
				require.NoError(t, s.Set(k, "v"))
			}
			keys, err := s.Keys("tokenized/")
			require.NoError(t, err)
			assert.Equal(t, []string{"tokenized/-1,5", "tokenized/2,0"}, keys)

			all, err := s.Keys("")
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestStore_ClosedReturnsError(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			err := s.Set("k", "v")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
		})
	}
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxrun.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Set("identity/ed25519", "seed"))
	require.NoError(t, b.Close())

	b2, err := OpenBolt(path)
	require.NoError(t, err)
	defer b2.Close()
	v, ok, err := b2.Get("identity/ed25519")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "seed", v)
}

func TestYAMLDir_EscapesKeys(t *testing.T) {
	dir := t.TempDir()
	y, err := NewYAMLDir(dir)
	require.NoError(t, err)

	require.NoError(t, y.Set("tokenized/3,-4", "tx_1"))
	_, err = os.Stat(filepath.Join(dir, "tokenized%2F3,-4.yaml"))
	require.NoError(t, err, "key with slash must map to a single file")

	keys, err := y.Keys("tokenized/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tokenized/3,-4"}, keys)
}

func TestOpen_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(model.StoreConfig{Backend: "memory"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(model.StoreConfig{Backend: "yaml", Path: "kv"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &YAMLDir{}, s)

	s, err = Open(model.StoreConfig{Backend: "bolt", Path: "state/voxrun.db"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &Bolt{}, s)
	s.Close()
	_, err = os.Stat(filepath.Join(dir, "state", "voxrun.db"))
	assert.NoError(t, err)

	_, err = Open(model.StoreConfig{Backend: "redis"}, dir)
	assert.Error(t, err)
}
