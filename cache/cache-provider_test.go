package cache

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
}

func TestPutGet(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put("static-v1", "GET:/", []byte("shell")))

			b, ok, err := p.Get("static-v1", "GET:/")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "shell", string(b))

			_, ok, err = p.Get("dynamic-v1", "GET:/")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.True(t, p.Has("static-v1", "GET:/"))
			assert.False(t, p.Has("static-v1", "GET:/missing"))
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put("dynamic-v1", "GET:/api/projects", []byte("old")))
			require.NoError(t, p.Put("dynamic-v1", "GET:/api/projects", []byte("new")))

			b, ok, err := p.Get("dynamic-v1", "GET:/api/projects")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "new", string(b))
		})
	}
}

func TestMatchSearchesAllPartitions(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put("static-v1", "GET:/", []byte("static")))
			require.NoError(t, p.Put("dynamic-v1", "GET:/api/customers", []byte("dynamic")))
			require.NoError(t, p.Put("dynamic-v1", "GET:/", []byte("later")))

			b, ok, err := p.Match("GET:/api/customers")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "dynamic", string(b))

			// first partition wins
			b, ok, err = p.Match("GET:/")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "static", string(b))

			_, ok, err = p.Match("GET:/nothing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPartitionsAndDelete(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Open("static-v1"))
			require.NoError(t, p.Put("dynamic-v1", "GET:/api/projects", []byte("x")))
			require.NoError(t, p.Open("static-v1"))

			names, err := p.Partitions()
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1", "dynamic-v1"}, names)

			deleted, err := p.DeletePartition("dynamic-v1")
			require.NoError(t, err)
			assert.True(t, deleted)
			assert.False(t, p.Has("dynamic-v1", "GET:/api/projects"))

			deleted, err = p.DeletePartition("dynamic-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = p.Partitions()
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1"}, names)
		})
	}
}

func TestPutAllAndKeys(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			err := p.PutAll("static-v1", []CacheEntry{
				{Key: "GET:/", Bytes: []byte("a")},
				{Key: "GET:/manifest.json", Bytes: []byte("b")},
			})
			require.NoError(t, err)

			var keys []string
			require.NoError(t, p.Keys("static-v1", func(k string) { keys = append(keys, k) }))
			sort.Strings(keys)
			assert.Equal(t, []string{"GET:/", "GET:/manifest.json"}, keys)

			assert.ErrorIs(t, p.Keys("unknown", func(string) {}), ErrPartitionNotFound)
		})
	}
}

func TestConcurrentWritesLastWriteWins(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, p.Put("dynamic-v1", "GET:/api/projects", []byte("value")))
				}()
			}
			wg.Wait()
			b, ok, err := p.Get("dynamic-v1", "GET:/api/projects")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "value", string(b))
		})
	}
}
