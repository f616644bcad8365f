package artifact

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WritesExecutablePermissions(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "artifacts"), nil)
	require.NoError(t, err)

	a, err := s.Store([]byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)

	info, err := os.Stat(a.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o500), info.Mode().Perm())
}

func TestStore_MintsDistinctTokensForDistinctBytes(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	a1, err := s.Store([]byte("binary-one"))
	require.NoError(t, err)
	a2, err := s.Store([]byte("binary-two"))
	require.NoError(t, err)

	assert.NotEqual(t, a1.CodeToken, a2.CodeToken)
	assert.NotEqual(t, a1.Path, a2.Path)
}

func TestStore_DedupsIdenticalBytes(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	a1, err := s.Store([]byte("same-bytes"))
	require.NoError(t, err)
	a2, err := s.Store([]byte("same-bytes"))
	require.NoError(t, err)

	assert.Equal(t, a1.CodeToken, a2.CodeToken)
	assert.Equal(t, a1.Path, a2.Path)
}

func TestStore_ConcurrentIdenticalUploadsCollapse(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	const n = 16
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := s.Store([]byte("concurrent-payload"))
			require.NoError(t, err)
			tokens[i] = a.CodeToken
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestStore_GetUnknownToken(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, ok := s.Get("nonexistent")
	assert.False(t, ok)
}

func TestStore_ForgetRemovesFileAndToken(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	a, err := s.Store([]byte("to-be-forgotten"))
	require.NoError(t, err)

	require.NoError(t, s.Forget(a.CodeToken))

	_, ok := s.Get(a.CodeToken)
	assert.False(t, ok)
	_, statErr := os.Stat(a.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_ForgetUnknownTokenIsNoop(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	assert.NoError(t, s.Forget("never-stored"))
}

func TestStore_ForgetThenStoreSameBytesMintsFreshToken(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	a1, err := s.Store([]byte("recycled-bytes"))
	require.NoError(t, err)
	require.NoError(t, s.Forget(a1.CodeToken))

	a2, err := s.Store([]byte("recycled-bytes"))
	require.NoError(t, err)

	assert.NotEqual(t, a1.CodeToken, a2.CodeToken)
}
