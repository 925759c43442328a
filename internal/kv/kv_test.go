package kv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	db, err := NewSQLiteStore(filepath.Join(dir, "db", "kv.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   file,
		"sqlite": db,
	}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "querysession.sessions")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "querysession.sessions", []byte(`[{"id":"a"}]`)))
			got, err := s.Get(ctx, "querysession.sessions")
			require.NoError(t, err)
			assert.JSONEq(t, `[{"id":"a"}]`, string(got))

			require.NoError(t, s.Set(ctx, "querysession.sessions", []byte(`[]`)))
			got, err = s.Get(ctx, "querysession.sessions")
			require.NoError(t, err)
			assert.Equal(t, "[]", string(got))

			require.NoError(t, s.Remove(ctx, "querysession.sessions"))
			_, err = s.Get(ctx, "querysession.sessions")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Remove(ctx, "never-set"), "removing a missing key is not an error")
		})
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Set(ctx, "k", []byte(`{"v":1}`)))
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":1}`, string(got))
		})
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value))
	value[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "a/b key", []byte("v")))

	second, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := second.Get(ctx, "a/b key")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestSQLiteStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.sqlite")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "k", []byte("v")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}
