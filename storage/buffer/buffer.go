// Package buffer implements the page cache between the transaction layer and
// the on-disk stores. Pages live in a fixed byte budget split across LRU
// shards; evicted dirty pages flow to the persistence manager when one is
// configured, else straight to the data directory.
package buffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/persistence"
	"golang.org/x/time/rate"
)

// PageID identifies a page within the manager.
type PageID struct {
	// Object is the logical file the page belongs to (segment, index, ...).
	Object string
	// Index is the page index within the object.
	Index uint32
}

func (id PageID) name() string {
	return fmt.Sprintf("%s.%d", id.Object, id.Index)
}

// Page is a cached unit of object data.
type Page struct {
	ID   PageID
	Data []byte

	dirty atomic.Bool
	pins  atomic.Int32

	// writeMu serializes writers; readers only pin.
	writeMu sync.Mutex

	prev, next *Page // lru linkage, guarded by the owning shard
}

// MarkDirty records that the page content diverged from disk.
func (p *Page) MarkDirty() { p.dirty.Store(true) }

// Pinned reports whether any reader or writer holds the page.
func (p *Page) Pinned() bool { return p.pins.Load() > 0 }

// BeginWrite takes the single-writer latch for the page.
func (p *Page) BeginWrite() { p.writeMu.Lock() }

// EndWrite releases the single-writer latch.
func (p *Page) EndWrite() { p.writeMu.Unlock() }

type shard struct {
	mu    sync.Mutex
	pages map[PageID]*Page
	lru   lruList
	bytes int64
}

// Manager is the buffer manager. Construct with NewManager, then Start; Stop
// flushes all dirty pages and joins the flusher.
type Manager struct {
	budget   int64
	dataDir  string
	tempDir  string
	persist  *persistence.Manager // nil when no persistence dir configured
	shards   []*shard
	used     atomic.Int64
	flushLim *rate.Limiter

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	logger *quiver.Logger
}

// NewManager creates a buffer manager with the given byte budget and shard
// count. persist may be nil.
func NewManager(budget int64, dataDir, tempDir string, persist *persistence.Manager, shardNum int, logger *quiver.Logger) *Manager {
	if shardNum <= 0 {
		shardNum = 1
	}
	shards := make([]*shard, shardNum)
	for i := range shards {
		shards[i] = &shard{pages: make(map[PageID]*Page)}
	}
	return &Manager{
		budget:  budget,
		dataDir: dataDir,
		tempDir: tempDir,
		persist: persist,
		shards:  shards,
		// Background flushing is throttled so eviction storms cannot
		// starve foreground commits of disk bandwidth.
		flushLim: rate.NewLimiter(rate.Limit(64<<20), 64<<20),
		logger:   logger.Or().WithComponent("buffer"),
	}
}

// Start spawns the background flusher.
func (m *Manager) Start() {
	if m.started.Swap(true) {
		quiver.Unrecoverable("buffer manager started twice")
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.flushLoop()
	m.logger.Info("buffer manager started",
		"budget", humanize.IBytes(uint64(m.budget)),
		"shards", len(m.shards))
}

// Stop flushes every dirty page and joins the flusher. The manager cannot be
// restarted afterward.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	if err := m.FlushAll(context.Background()); err != nil {
		m.logger.Error("flush on stop failed", "error", err)
	}
	m.logger.Info("buffer manager stopped")
}

func (m *Manager) shardFor(id PageID) *shard {
	h := xxhash.Sum64String(id.name())
	return m.shards[h%uint64(len(m.shards))]
}

// Pin returns the page for id, loading it from disk on a miss, and takes a
// reader pin. Callers must Unpin.
func (m *Manager) Pin(ctx context.Context, id PageID, size int) (*Page, error) {
	s := m.shardFor(id)

	s.mu.Lock()
	if p, ok := s.pages[id]; ok {
		p.pins.Add(1)
		s.lru.moveToFront(p)
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	data, err := m.load(ctx, id, size)
	if err != nil {
		return nil, err
	}

	p := &Page{ID: id, Data: data}
	p.pins.Add(1)

	s.mu.Lock()
	if prev, ok := s.pages[id]; ok {
		// Lost a race; use the resident page.
		prev.pins.Add(1)
		s.lru.moveToFront(prev)
		s.mu.Unlock()
		return prev, nil
	}
	s.pages[id] = p
	s.lru.pushFront(p)
	s.bytes += int64(len(data))
	s.mu.Unlock()
	m.used.Add(int64(len(data)))

	m.evictIfNeeded(ctx)
	return p, nil
}

// Unpin releases a pin taken by Pin.
func (m *Manager) Unpin(p *Page) {
	if p.pins.Add(-1) < 0 {
		quiver.Unrecoverable("page %s unpinned below zero", p.ID.name())
	}
}

// Used returns the current resident byte count.
func (m *Manager) Used() int64 { return m.used.Load() }

// FlushAll writes every dirty page out.
func (m *Manager) FlushAll(ctx context.Context) error {
	for _, s := range m.shards {
		s.mu.Lock()
		pages := make([]*Page, 0, len(s.pages))
		for _, p := range s.pages {
			pages = append(pages, p)
		}
		s.mu.Unlock()
		for _, p := range pages {
			if err := m.flushPage(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) load(ctx context.Context, id PageID, size int) ([]byte, error) {
	if m.persist != nil {
		data, err := m.persist.Fetch(ctx, id.name())
		if err == nil {
			return data, nil
		}
	}
	path := filepath.Join(m.dataDir, id.name())
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Fresh page.
			return make([]byte, size), nil
		}
		return nil, fmt.Errorf("buffer: load page %s: %w", id.name(), err)
	}
	return data, nil
}

func (m *Manager) flushPage(ctx context.Context, p *Page) error {
	if !p.dirty.Load() {
		return nil
	}
	if err := m.flushLim.WaitN(ctx, len(p.Data)); err != nil {
		return err
	}
	p.BeginWrite()
	defer p.EndWrite()

	if m.persist != nil {
		if _, err := m.persist.Persist(ctx, p.ID.name(), p.Data); err != nil {
			return err
		}
	} else {
		path := filepath.Join(m.dataDir, p.ID.name())
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, p.Data, 0600); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	p.dirty.Store(false)
	return nil
}

func (m *Manager) evictIfNeeded(ctx context.Context) {
	if m.used.Load() <= m.budget {
		return
	}
	for _, s := range m.shards {
		if m.used.Load() <= m.budget {
			return
		}
		s.mu.Lock()
		victim := s.lru.back(func(p *Page) bool { return !p.Pinned() })
		if victim != nil {
			s.lru.remove(victim)
			delete(s.pages, victim.ID)
			s.bytes -= int64(len(victim.Data))
		}
		s.mu.Unlock()
		if victim == nil {
			continue
		}
		if err := m.flushPage(ctx, victim); err != nil {
			m.logger.Error("evict flush failed", "page", victim.ID.name(), "error", err)
		}
		m.used.Add(-int64(len(victim.Data)))
	}
}

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.FlushAll(context.Background()); err != nil {
				m.logger.Error("background flush failed", "error", err)
			}
		}
	}
}
