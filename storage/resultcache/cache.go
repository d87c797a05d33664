// Package resultcache implements the bounded, opt-in cache of query results.
// Entries are keyed by query hash plus visibility timestamp so a cached
// result can never leak rows a reader's snapshot should not see.
package resultcache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	quiver "github.com/quiverdb/quiver"
)

// Key identifies a cached result.
type Key struct {
	// QueryHash is the canonicalized query text hash.
	QueryHash uint64
	// VisibleTs is the snapshot timestamp the result was computed at.
	VisibleTs uint64
}

// hash folds the key into the cache's uint64 key space.
func (k Key) hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.QueryHash)
	binary.LittleEndian.PutUint64(buf[8:16], k.VisibleTs)
	return xxhash.Sum64(buf[:])
}

// HashQuery canonicalizes a query string into a cache hash.
func HashQuery(query string) uint64 {
	return xxhash.Sum64String(query)
}

// Manager is the result cache. It survives mode transitions once created;
// the supervisor constructs it lazily on first readable/writable bring-up.
type Manager struct {
	cache    *ristretto.Cache[uint64, []byte]
	capacity int64
	logger   *quiver.Logger
}

// NewManager creates a result cache holding up to capacity entries.
func NewManager(capacity int64, logger *quiver.Logger) (*Manager, error) {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{
		cache:    cache,
		capacity: capacity,
		logger:   logger.Or().WithComponent("resultcache"),
	}, nil
}

// Get returns a cached result.
func (m *Manager) Get(key Key) ([]byte, bool) {
	return m.cache.Get(key.hash())
}

// Put caches a result. Each entry costs one unit against the capacity.
func (m *Manager) Put(key Key, result []byte) {
	m.cache.Set(key.hash(), result, 1)
}

// Purge drops all cached results.
func (m *Manager) Purge() {
	m.cache.Clear()
}

// Capacity returns the configured entry capacity.
func (m *Manager) Capacity() int64 { return m.capacity }

// Close releases the cache's internal goroutines.
func (m *Manager) Close() {
	m.cache.Close()
}
