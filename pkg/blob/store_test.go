package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("entities/acme/2026/01/report.generate/run-1.json"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("/absolute/key"))
	assert.Error(t, ValidateKey("entities/../../../etc/passwd"))
	assert.Error(t, ValidateKey("entities//double"))
	assert.Error(t, ValidateKey("entities/./dot"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := "entities/acme/2026/01/report.generate/run-1.json"

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Store(ctx, key, []byte(`{"a":1}`), "application/json"))

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Write-once: storing the same key again leaves the first content.
	require.NoError(t, s.Store(ctx, key, []byte(`{"a":2}`), "application/json"))
	data, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := "entities/acme/2026/01/report.generate/run-1.json"

	require.NoError(t, s.Store(ctx, key, []byte(`{"a":1}`), "application/json"))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Write-once semantics match the memory backend.
	require.NoError(t, s.Store(ctx, key, []byte(`{"a":2}`), "application/json"))
	data, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	_, err = s.Get(ctx, "entities/acme/missing.json")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	require.NoError(t, s.Delete(ctx, key))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = s.Store(context.Background(), "../outside.json", []byte("x"), "")
	assert.Error(t, err)
}
