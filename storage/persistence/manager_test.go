package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistFetchDrop(t *testing.T) {
	m, err := NewManager(t.TempDir(), 1<<20)
	require.NoError(t, err)
	ctx := context.Background()

	addr, err := m.Persist(ctx, "segment_1", []byte("vector data"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), addr.Size)
	assert.NotEmpty(t, addr.Key)

	data, err := m.Fetch(ctx, "segment_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("vector data"), data)

	require.NoError(t, m.Drop(ctx, "segment_1"))
	_, err = m.Fetch(ctx, "segment_1")
	assert.True(t, errors.Is(err, blobstore.ErrNotFound))

	// Dropping twice is a no-op.
	require.NoError(t, m.Drop(ctx, "segment_1"))
}

func TestSizeCapRejectsOversizedObjects(t *testing.T) {
	m, err := NewManager(t.TempDir(), 8)
	require.NoError(t, err)

	_, err = m.Persist(context.Background(), "big", make([]byte, 9))
	require.Error(t, err)
	var tooLarge *ErrObjectTooLarge
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, int64(9), tooLarge.Size)
	assert.Equal(t, int64(8), tooLarge.Limit)
}

func TestCurrentObjectsSnapshot(t *testing.T) {
	m, err := NewManager(t.TempDir(), 1<<20)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Persist(ctx, "a", []byte("aa"))
	require.NoError(t, err)
	_, err = m.Persist(ctx, "b", []byte("bb"))
	require.NoError(t, err)

	objs := m.CurrentObjects()
	assert.Len(t, objs, 2)
	assert.Contains(t, objs, "a")
	assert.Contains(t, objs, "b")
}

func TestIdenticalContentSharesObject(t *testing.T) {
	m, err := NewManager(t.TempDir(), 1<<20)
	require.NoError(t, err)
	ctx := context.Background()

	a1, err := m.Persist(ctx, "first", []byte("same bytes"))
	require.NoError(t, err)
	a2, err := m.Persist(ctx, "second", []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, a1.Key, a2.Key)
}
