// Package txn implements the transaction manager: timestamp assignment,
// begin/commit/rollback, and the WAL emission that makes commits durable.
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/buffer"
	"github.com/quiverdb/quiver/storage/catalog"
	"github.com/quiverdb/quiver/storage/wal"
)

// State tracks a transaction through its lifetime.
type State int

const (
	// StateActive is a begun, uncommitted transaction.
	StateActive State = iota
	// StateCommitted is a durably committed transaction.
	StateCommitted
	// StateRolledBack is an aborted transaction.
	StateRolledBack
)

type stagedOp struct {
	entry wal.Entry
	apply func(cat *catalog.Catalog, commitTs uint64) error
}

// Txn is a single transaction. Not safe for concurrent use by multiple
// goroutines; the owning session drives it.
type Txn struct {
	id      uint64
	beginTs uint64
	text    string

	mu            sync.Mutex
	state         State
	readerAllowed bool
	staged        []stagedOp

	mgr *Manager
}

// ID returns the transaction id.
func (t *Txn) ID() uint64 { return t.id }

// BeginTs returns the timestamp assigned at begin.
func (t *Txn) BeginTs() uint64 { return t.beginTs }

// Text returns the descriptive text supplied at begin.
func (t *Txn) Text() string { return t.text }

// State returns the current transaction state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetReaderAllowed marks the transaction visible to replica readers during
// bring-up. System-internal transactions (default database creation, forced
// checkpoints) set this before commit.
func (t *Txn) SetReaderAllowed(allowed bool) {
	t.mu.Lock()
	t.readerAllowed = allowed
	t.mu.Unlock()
}

// ReaderAllowed reports the reader visibility flag.
func (t *Txn) ReaderAllowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readerAllowed
}

// CreateDatabase stages a database creation in this transaction.
func (t *Txn) CreateDatabase(name string, conflict catalog.ConflictType, comment string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return quiver.NewStatus(quiver.CodeInvalidMode, fmt.Sprintf("txn %d is not active", t.id))
	}
	// Surface conflicts at stage time so callers see them before commit.
	if _, err := t.mgr.cat.GetDatabase(name); err == nil && conflict == catalog.ConflictError {
		return quiver.NewStatus(quiver.CodeConflict, fmt.Sprintf("database %q already exists", name))
	}
	t.staged = append(t.staged, stagedOp{
		entry: wal.Entry{
			Type:     wal.EntryCreateDatabase,
			TxnID:    t.id,
			Database: name,
			Comment:  comment,
		},
		apply: func(cat *catalog.Catalog, commitTs uint64) error {
			_, err := cat.CreateDatabase(name, comment, commitTs, conflict)
			return err
		},
	})
	return nil
}

// DropDatabase stages a database drop in this transaction.
func (t *Txn) DropDatabase(name string, conflict catalog.ConflictType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return quiver.NewStatus(quiver.CodeInvalidMode, fmt.Sprintf("txn %d is not active", t.id))
	}
	t.staged = append(t.staged, stagedOp{
		entry: wal.Entry{
			Type:     wal.EntryDropDatabase,
			TxnID:    t.id,
			Database: name,
		},
		apply: func(cat *catalog.Catalog, commitTs uint64) error {
			return cat.DropDatabase(name, commitTs, conflict)
		},
	})
	return nil
}

// CreateTable stages a table creation in this transaction.
func (t *Txn) CreateTable(database, table string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return quiver.NewStatus(quiver.CodeInvalidMode, fmt.Sprintf("txn %d is not active", t.id))
	}
	t.staged = append(t.staged, stagedOp{
		entry: wal.Entry{
			Type:     wal.EntryCreateTable,
			TxnID:    t.id,
			Database: database,
			Table:    table,
		},
		apply: func(cat *catalog.Catalog, commitTs uint64) error {
			db, err := cat.GetDatabase(database)
			if err != nil {
				return err
			}
			_, err = db.CreateTable(table)
			return err
		},
	})
	return nil
}

// TouchSegment stages a segment-dirty record in this transaction.
func (t *Txn) TouchSegment(segID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = append(t.staged, stagedOp{
		entry: wal.Entry{Type: wal.EntrySegmentDirty, TxnID: t.id, SegmentID: segID},
		apply: func(cat *catalog.Catalog, commitTs uint64) error {
			cat.MarkSegmentDirty(segID)
			cat.AdvanceCommitTs(commitTs)
			return nil
		},
	})
}

// Manager issues timestamps and drives commits. Owned by the storage
// supervisor; constructed during bring-up with the replayed system start
// timestamp.
type Manager struct {
	bufMgr *buffer.Manager
	walMgr *wal.Manager
	cat    *catalog.Catalog

	// clock is the monotonically increasing timestamp source, seeded from
	// systemStartTs.
	clock   atomic.Uint64
	startTs uint64
	nextID  atomic.Uint64

	mu      sync.Mutex
	active  map[uint64]*Txn
	drained *sync.Cond

	started atomic.Bool
	stopped atomic.Bool

	logger *quiver.Logger
}

// NewManager creates a transaction manager. bufMgr and walMgr must already
// exist; cat is the catalog commits apply to.
func NewManager(bufMgr *buffer.Manager, walMgr *wal.Manager, cat *catalog.Catalog, systemStartTs uint64, logger *quiver.Logger) *Manager {
	m := &Manager{
		bufMgr:  bufMgr,
		walMgr:  walMgr,
		cat:     cat,
		startTs: systemStartTs,
		active:  make(map[uint64]*Txn),
		logger:  logger.Or().WithComponent("txn"),
	}
	m.clock.Store(systemStartTs)
	m.drained = sync.NewCond(&m.mu)
	return m
}

// Start makes the manager accept transactions.
func (m *Manager) Start() {
	if m.started.Swap(true) {
		quiver.Unrecoverable("transaction manager started twice")
	}
	m.logger.Info("transaction manager started", "start_ts", m.clock.Load())
}

// Stop refuses new transactions and waits for in-flight ones to drain.
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	m.mu.Lock()
	for len(m.active) > 0 {
		m.drained.Wait()
	}
	m.mu.Unlock()
	m.logger.Info("transaction manager stopped")
}

// CurrentTs returns the clock's current timestamp. Implements wal.TxnSource.
func (m *Manager) CurrentTs() uint64 { return m.clock.Load() }

// StartTs returns the system start timestamp the manager was seeded with.
func (m *Manager) StartTs() uint64 { return m.startTs }

// nextTs advances and returns the timestamp clock.
func (m *Manager) nextTs() uint64 { return m.clock.Add(1) }

// BeginTxn starts a transaction. text describes the work for diagnostics.
func (m *Manager) BeginTxn(text string) *Txn {
	if !m.started.Load() || m.stopped.Load() {
		quiver.Unrecoverable("begin txn on a stopped transaction manager")
	}
	t := &Txn{
		id:      m.nextID.Add(1),
		beginTs: m.nextTs(),
		text:    text,
		state:   StateActive,
		mgr:     m,
	}
	m.mu.Lock()
	m.active[t.id] = t
	m.mu.Unlock()
	return t
}

// CommitTxn assigns the commit timestamp, makes the transaction durable via
// the WAL, and applies its staged operations to the catalog.
func (m *Manager) CommitTxn(t *Txn) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return quiver.NewStatus(quiver.CodeInvalidMode, fmt.Sprintf("txn %d is not active", t.id))
	}
	staged := t.staged
	t.mu.Unlock()

	commitTs := m.nextTs()

	for i := range staged {
		e := staged[i].entry
		e.CommitTs = commitTs
		if err := m.walMgr.Append(&e); err != nil {
			m.finish(t, StateRolledBack)
			return err
		}
	}
	for i := range staged {
		if err := staged[i].apply(m.cat, commitTs); err != nil {
			// The record is already durable; an apply failure here means a
			// conflict raced between stage and commit. Surface it; replay
			// applies with ConflictIgnore so the log stays consistent.
			m.finish(t, StateRolledBack)
			return err
		}
	}

	m.finish(t, StateCommitted)
	return nil
}

// RollbackTxn aborts the transaction, discarding staged operations.
func (m *Manager) RollbackTxn(t *Txn) {
	m.finish(t, StateRolledBack)
}

func (m *Manager) finish(t *Txn, s State) {
	t.mu.Lock()
	t.state = s
	t.staged = nil
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.active, t.id)
	if len(m.active) == 0 {
		m.drained.Broadcast()
	}
	m.mu.Unlock()
}

// ActiveCount returns the number of in-flight transactions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
