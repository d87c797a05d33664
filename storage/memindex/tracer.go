// Package memindex tracks the in-memory index footprint against a quota and
// schedules flushes when the quota is exceeded.
package memindex

import (
	"context"
	"sync/atomic"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/catalog"
	"github.com/quiverdb/quiver/storage/txn"
	"golang.org/x/sync/semaphore"
)

// Tracer accounts memory-index bytes against a quota. It owns no threads;
// flush pressure is applied on the caller's goroutine.
type Tracer struct {
	quota  int64
	sem    *semaphore.Weighted // nil when quota <= 0 (tracking only)
	used   atomic.Int64
	cat    *catalog.Catalog
	txnMgr *txn.Manager

	flushes atomic.Uint64

	logger *quiver.Logger
}

// NewTracer creates a tracer with the given byte quota. A non-positive quota
// disables enforcement but keeps accounting.
func NewTracer(quota int64, cat *catalog.Catalog, txnMgr *txn.Manager, logger *quiver.Logger) *Tracer {
	t := &Tracer{
		quota:  quota,
		cat:    cat,
		txnMgr: txnMgr,
		logger: logger.Or().WithComponent("memindex"),
	}
	if quota > 0 {
		t.sem = semaphore.NewWeighted(quota)
	}
	return t
}

// Acquire reserves bytes of quota, blocking when the quota is exhausted.
func (t *Tracer) Acquire(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	t.used.Add(bytes)
	return nil
}

// Release returns bytes of quota.
func (t *Tracer) Release(bytes int64) {
	if bytes <= 0 {
		return
	}
	if t.used.Add(-bytes) < 0 {
		quiver.Unrecoverable("mem index tracer released below zero")
	}
	if t.sem != nil {
		t.sem.Release(bytes)
	}
}

// Used returns the tracked footprint.
func (t *Tracer) Used() int64 { return t.used.Load() }

// Quota returns the configured quota.
func (t *Tracer) Quota() int64 { return t.quota }

// TriggerFlushIfNeeded finds the table with the largest in-memory index and
// commits a flush transaction for it when usage crosses the quota.
func (t *Tracer) TriggerFlushIfNeeded() {
	if t.quota <= 0 || t.used.Load() < t.quota {
		return
	}
	var (
		victim   *catalog.Table
		victimDB string
	)
	for _, dbName := range t.cat.ListDatabases() {
		db, err := t.cat.GetDatabase(dbName)
		if err != nil {
			continue
		}
		for _, tbl := range db.Tables() {
			if victim == nil || tbl.MemIndexBytes() > victim.MemIndexBytes() {
				victim = tbl
				victimDB = dbName
			}
		}
	}
	if victim == nil || victim.MemIndexBytes() == 0 {
		return
	}

	bytes := victim.MemIndexBytes()
	tx := t.txnMgr.BeginTxn("flush mem index " + victimDB + "." + victim.Name)
	it := victim.Segments.Iterator()
	for it.HasNext() {
		tx.TouchSegment(it.Next())
	}
	if err := t.txnMgr.CommitTxn(tx); err != nil {
		t.logger.Error("mem index flush commit failed", "error", err)
		return
	}
	victim.AddMemIndexBytes(-bytes)
	t.Release(bytes)
	t.flushes.Add(1)
	t.logger.Info("mem index flushed", "database", victimDB, "table", victim.Name, "bytes", bytes)
}

// Flushes returns the number of quota-driven flushes.
func (t *Tracer) Flushes() uint64 { return t.flushes.Load() }
