package resultcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	m, err := NewManager(100, nil)
	require.NoError(t, err)
	defer m.Close()

	key := Key{QueryHash: HashQuery("SELECT * FROM t"), VisibleTs: 42}
	m.Put(key, []byte("rows"))

	// Ristretto admits asynchronously.
	var (
		got []byte
		ok  bool
	)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, ok = m.Get(key); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, ok)
	assert.Equal(t, []byte("rows"), got)
}

func TestVisibilityTsSeparatesEntries(t *testing.T) {
	m, err := NewManager(100, nil)
	require.NoError(t, err)
	defer m.Close()

	h := HashQuery("SELECT count(*) FROM t")
	m.Put(Key{QueryHash: h, VisibleTs: 1}, []byte("old"))

	// A reader at a different snapshot must never see the old result.
	_, ok := m.Get(Key{QueryHash: h, VisibleTs: 2})
	assert.False(t, ok)
}

func TestPurgeDropsEverything(t *testing.T) {
	m, err := NewManager(100, nil)
	require.NoError(t, err)
	defer m.Close()

	key := Key{QueryHash: 1, VisibleTs: 1}
	m.Put(key, []byte("x"))
	time.Sleep(20 * time.Millisecond)

	m.Purge()
	_, ok := m.Get(key)
	assert.False(t, ok)
}

func TestHashQueryIsStable(t *testing.T) {
	assert.Equal(t, HashQuery("q"), HashQuery("q"))
	assert.NotEqual(t, HashQuery("q"), HashQuery("q2"))
}
