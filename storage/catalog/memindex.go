package catalog

import (
	"context"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/buffer"
)

// memIndexPageSize is the unit in which in-memory index state is staged
// through the buffer manager during recovery.
const memIndexPageSize = 1 << 20

// MemIndexRecover replays in-memory index state for every table, one page per
// live segment; systemStartTs is not consulted. It runs single-threaded during
// bring-up, before the periodic trigger thread starts, and requires the commit
// gate to be open.
func (c *Catalog) MemIndexRecover(bufMgr *buffer.Manager, systemStartTs uint64) {
	if !c.MemIndexCommitStarted() {
		quiver.Unrecoverable("mem index recover before StartMemoryIndexCommit")
	}

	ctx := context.Background()
	c.mu.RLock()
	dbs := make([]*Database, 0, len(c.databases))
	for _, db := range c.databases {
		dbs = append(dbs, db)
	}
	c.mu.RUnlock()

	for _, db := range dbs {
		for _, t := range db.Tables() {
			// Stage each table's index image through the page cache so a
			// subsequent flush lands it in the right store.
			it := t.Segments.Iterator()
			for it.HasNext() {
				segID := it.Next()
				page, err := bufMgr.Pin(ctx, buffer.PageID{
					Object: "memidx/" + db.Name + "/" + t.Name,
					Index:  segID,
				}, memIndexPageSize)
				if err != nil {
					quiver.Unrecoverable("mem index recover: pin %s/%s seg %d: %v", db.Name, t.Name, segID, err)
				}
				t.AddMemIndexBytes(int64(len(page.Data)))
				bufMgr.Unpin(page)
			}
		}
	}
}
