// Package catalog holds the in-memory schema and metadata: databases, their
// tables, and the segment bookkeeping the background machinery needs. The
// catalog permits concurrent reads; writes arrive serialized through the
// transaction commit path and the single background worker.
package catalog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	quiver "github.com/quiverdb/quiver"
)

// ConflictType selects behavior when a DDL target already exists (or is missing).
type ConflictType int

const (
	// ConflictError surfaces a Status error.
	ConflictError ConflictType = iota
	// ConflictIgnore makes the operation a no-op.
	ConflictIgnore
)

// Database is a named collection of tables.
type Database struct {
	Name     string
	Comment  string
	CreateTs uint64

	mu     sync.RWMutex
	tables map[string]*Table
}

// Table carries the per-table segment bookkeeping the lifecycle consults.
type Table struct {
	Name string

	// Segments is the set of live segment ids.
	Segments *roaring.Bitmap

	// memIndexBytes is the approximate in-memory index footprint.
	memIndexBytes atomic.Int64
}

// MemIndexBytes returns the approximate in-memory index footprint.
func (t *Table) MemIndexBytes() int64 { return t.memIndexBytes.Load() }

// AddMemIndexBytes adjusts the in-memory index footprint.
func (t *Table) AddMemIndexBytes(delta int64) { t.memIndexBytes.Add(delta) }

// Tables returns a snapshot of the database's tables.
func (d *Database) Tables() []*Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		out = append(out, t)
	}
	return out
}

// GetTable returns a table by name.
func (d *Database) GetTable(name string) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[name]
	return t, ok
}

// CreateTable adds a table to the database.
func (d *Database) CreateTable(name string) (*Table, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; ok {
		return nil, quiver.NewStatus(quiver.CodeConflict, fmt.Sprintf("table %q already exists in %q", name, d.Name))
	}
	t := &Table{Name: name, Segments: roaring.New()}
	d.tables[name] = t
	return t, nil
}

// Catalog is the root of the schema tree.
type Catalog struct {
	mu        sync.RWMutex
	databases map[string]*Database

	// maxCommitTs is the highest commit timestamp reflected in the catalog.
	maxCommitTs atomic.Uint64

	// dirtySegments accumulates segment ids touched since the last delta
	// checkpoint.
	dirtyMu       sync.Mutex
	dirtySegments *roaring.Bitmap

	// droppedSegments accumulates segment ids awaiting physical cleanup.
	droppedSegments *roaring.Bitmap

	// compactionArmed is set once when the compaction algorithm is armed
	// for a writable bring-up; compactionStartTs records the arming point.
	compactionArmed   atomic.Bool
	compactionStartTs atomic.Uint64

	// memIndexCommit gates in-memory index mutation; armed by
	// StartMemoryIndexCommit during bring-up.
	memIndexCommit atomic.Bool

	// functionsSeeded guards the single-shot builtin function seeding.
	functionsSeeded atomic.Bool

	// builtinFunctions records the seeded registry names. The registry
	// itself is an external collaborator.
	builtinFunctions []string
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		databases:       make(map[string]*Database),
		dirtySegments:   roaring.New(),
		droppedSegments: roaring.New(),
	}
}

// MaxCommitTs returns the highest commit timestamp reflected in the catalog.
func (c *Catalog) MaxCommitTs() uint64 { return c.maxCommitTs.Load() }

// AdvanceCommitTs moves the catalog's commit horizon forward.
func (c *Catalog) AdvanceCommitTs(ts uint64) {
	for {
		cur := c.maxCommitTs.Load()
		if ts <= cur || c.maxCommitTs.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// CreateDatabase adds a database. commitTs stamps the entry.
func (c *Catalog) CreateDatabase(name, comment string, commitTs uint64, conflict ConflictType) (*Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.databases[name]; ok {
		if conflict == ConflictIgnore {
			return c.databases[name], nil
		}
		return nil, quiver.NewStatus(quiver.CodeConflict, fmt.Sprintf("database %q already exists", name))
	}
	db := &Database{
		Name:     name,
		Comment:  comment,
		CreateTs: commitTs,
		tables:   make(map[string]*Table),
	}
	c.databases[name] = db
	c.AdvanceCommitTs(commitTs)
	return db, nil
}

// DropDatabase removes a database and queues its segments for cleanup.
func (c *Catalog) DropDatabase(name string, commitTs uint64, conflict ConflictType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.databases[name]
	if !ok {
		if conflict == ConflictIgnore {
			return nil
		}
		return quiver.NewStatus(quiver.CodeNotFound, fmt.Sprintf("database %q does not exist", name))
	}
	delete(c.databases, name)
	c.AdvanceCommitTs(commitTs)

	c.dirtyMu.Lock()
	for _, t := range db.Tables() {
		c.droppedSegments.Or(t.Segments)
	}
	c.dirtyMu.Unlock()
	return nil
}

// GetDatabase returns a database by name.
func (c *Catalog) GetDatabase(name string) (*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, ok := c.databases[name]
	if !ok {
		return nil, quiver.NewStatus(quiver.CodeNotFound, fmt.Sprintf("database %q does not exist", name))
	}
	return db, nil
}

// ListDatabases returns the database names in unspecified order.
func (c *Catalog) ListDatabases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.databases))
	for name := range c.databases {
		out = append(out, name)
	}
	return out
}

// DatabaseCount returns the number of live databases.
func (c *Catalog) DatabaseCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.databases)
}

// MarkSegmentDirty records a segment touched since the last delta checkpoint.
func (c *Catalog) MarkSegmentDirty(segID uint32) {
	c.dirtyMu.Lock()
	c.dirtySegments.Add(segID)
	c.dirtyMu.Unlock()
}

// TakeDirtySegments returns and clears the dirty segment set.
func (c *Catalog) TakeDirtySegments() *roaring.Bitmap {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	out := c.dirtySegments
	c.dirtySegments = roaring.New()
	return out
}

// TakeDroppedSegments returns and clears the pending-cleanup segment set.
func (c *Catalog) TakeDroppedSegments() *roaring.Bitmap {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	out := c.droppedSegments
	c.droppedSegments = roaring.New()
	return out
}

// InitCompactionAlg arms segment compaction from the given start timestamp.
// Called only on writable bring-up when a compact interval is configured.
func (c *Catalog) InitCompactionAlg(systemStartTs uint64) {
	c.compactionStartTs.Store(systemStartTs)
	c.compactionArmed.Store(true)
}

// CompactionArmed reports whether InitCompactionAlg ran for this bring-up.
func (c *Catalog) CompactionArmed() bool { return c.compactionArmed.Load() }

// StartMemoryIndexCommit opens the in-memory index commit gate.
func (c *Catalog) StartMemoryIndexCommit() {
	c.memIndexCommit.Store(true)
}

// MemIndexCommitStarted reports whether the commit gate is open.
func (c *Catalog) MemIndexCommitStarted() bool { return c.memIndexCommit.Load() }
