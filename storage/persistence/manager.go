// Package persistence maps large on-disk objects into a dedicated
// persistence directory. Objects are content-addressed; a per-object size cap
// keeps runaway writers from filling the persistence volume.
package persistence

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/quiverdb/quiver/blobstore"
)

// ErrObjectTooLarge is returned when an object exceeds the configured cap.
type ErrObjectTooLarge struct {
	Name  string
	Size  int64
	Limit int64
}

func (e *ErrObjectTooLarge) Error() string {
	return fmt.Sprintf("persistence: object %q is %d bytes, limit %d", e.Name, e.Size, e.Limit)
}

// ObjectAddr locates a persisted object.
type ObjectAddr struct {
	// Key is the content-addressed name inside the persistence directory.
	Key string
	// Size is the object size in bytes.
	Size int64
}

// Manager owns the persistence directory. It is constructed only when a
// persistence directory is configured and carries no background threads.
type Manager struct {
	store     *blobstore.LocalStore
	dir       string
	sizeLimit int64

	mu      sync.RWMutex
	objects map[string]ObjectAddr // logical name -> address
}

// NewManager creates a Manager rooted at dir with the given per-object size cap.
func NewManager(dir string, sizeLimit int64) (*Manager, error) {
	store, err := blobstore.NewLocalStore(dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: open dir %q: %w", dir, err)
	}
	return &Manager{
		store:     store,
		dir:       dir,
		sizeLimit: sizeLimit,
		objects:   make(map[string]ObjectAddr),
	}, nil
}

// Dir returns the persistence directory.
func (m *Manager) Dir() string { return m.dir }

// Persist writes data under the logical name and returns its address.
func (m *Manager) Persist(ctx context.Context, name string, data []byte) (ObjectAddr, error) {
	if m.sizeLimit > 0 && int64(len(data)) > m.sizeLimit {
		return ObjectAddr{}, &ErrObjectTooLarge{Name: name, Size: int64(len(data)), Limit: m.sizeLimit}
	}

	sum := xxhash.Sum64(data)
	var key [8]byte
	key[0] = byte(sum >> 56)
	key[1] = byte(sum >> 48)
	key[2] = byte(sum >> 40)
	key[3] = byte(sum >> 32)
	key[4] = byte(sum >> 24)
	key[5] = byte(sum >> 16)
	key[6] = byte(sum >> 8)
	key[7] = byte(sum)
	addr := ObjectAddr{Key: hex.EncodeToString(key[:]), Size: int64(len(data))}

	if err := m.store.Put(ctx, addr.Key, data); err != nil {
		return ObjectAddr{}, err
	}

	m.mu.Lock()
	m.objects[name] = addr
	m.mu.Unlock()
	return addr, nil
}

// Fetch reads back the object stored under the logical name.
func (m *Manager) Fetch(ctx context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	addr, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return blobstore.ReadAll(ctx, m.store, addr.Key)
}

// Drop removes the object stored under the logical name.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	addr, ok := m.objects[name]
	delete(m.objects, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.store.Delete(ctx, addr.Key)
}

// CurrentObjects returns a snapshot of logical name to address mappings.
func (m *Manager) CurrentObjects() map[string]ObjectAddr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ObjectAddr, len(m.objects))
	for k, v := range m.objects {
		out[k] = v
	}
	return out
}
