// Package storage implements the storage supervisor: the mode state machine
// that owns every manager and enforces bring-up and tear-down order across
// mode transitions.
package storage

import (
	"sync"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/metrics"
	"github.com/quiverdb/quiver/storage/background"
	"github.com/quiverdb/quiver/storage/buffer"
	"github.com/quiverdb/quiver/storage/catalog"
	"github.com/quiverdb/quiver/storage/compaction"
	"github.com/quiverdb/quiver/storage/memindex"
	"github.com/quiverdb/quiver/storage/objectstore"
	"github.com/quiverdb/quiver/storage/persistence"
	"github.com/quiverdb/quiver/storage/resultcache"
	"github.com/quiverdb/quiver/storage/trigger"
	"github.com/quiverdb/quiver/storage/txn"
	"github.com/quiverdb/quiver/storage/wal"
)

// Storage is the supervisor. It owns the managers exclusively; components
// receive non-owning references whose validity is guaranteed by the
// tear-down order. Mode transitions are serialized by callers observing the
// mutex-protected mode; the mutex itself is held only for field updates,
// never across manager Start or Stop.
type Storage struct {
	cfg     *config.Config
	logger  *quiver.Logger
	metrics *metrics.Lifecycle

	mu              sync.Mutex
	mode            Mode
	readerInitPhase ReaderInitPhase

	cleanupTracer *CleanupInfoTracer

	objProc     *objectstore.Processor
	persistMgr  *persistence.Manager
	resultCache *resultcache.Manager
	bufMgr      *buffer.Manager
	walMgr      *wal.Manager
	cat         *catalog.Catalog
	txnMgr      *txn.Manager
	bgProc      *background.Processor
	compactProc *compaction.Processor
	memTracer   *memindex.Tracer
	triggers    *trigger.Thread
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *quiver.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

// WithMetrics sets the lifecycle metric set. Nil disables metrics.
func WithMetrics(m *metrics.Lifecycle) Option {
	return func(s *Storage) { s.metrics = m }
}

// New creates a supervisor in the uninitialized mode. cfg must already be
// validated.
func New(cfg *config.Config, optFns ...Option) *Storage {
	s := &Storage{cfg: cfg}
	for _, fn := range optFns {
		if fn != nil {
			fn(s)
		}
	}
	s.logger = s.logger.Or().WithComponent("storage")
	return s
}

// GetMode reads the current mode under the supervisor mutex.
func (s *Storage) GetMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ReaderPhase reads the replica bring-up phase.
func (s *Storage) ReaderPhase() ReaderInitPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readerInitPhase
}

func (s *Storage) setModeField(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *Storage) setPhaseField(p ReaderInitPhase) {
	s.mu.Lock()
	s.readerInitPhase = p
	s.mu.Unlock()
}

// ResultCacheManager returns the result cache, or nil when the config turns
// it off; the cache object itself may outlive mode changes.
func (s *Storage) ResultCacheManager() *resultcache.Manager {
	if !s.cfg.ResultCacheOn {
		return nil
	}
	return s.resultCache
}

// Catalog returns the live catalog, or nil outside readable/writable modes.
func (s *Storage) Catalog() *catalog.Catalog { return s.cat }

// TxnManager returns the live transaction manager, or nil when absent.
func (s *Storage) TxnManager() *txn.Manager { return s.txnMgr }

// WalManager returns the live WAL manager, or nil when absent.
func (s *Storage) WalManager() *wal.Manager { return s.walMgr }

// BufferManager returns the live buffer manager, or nil when absent.
func (s *Storage) BufferManager() *buffer.Manager { return s.bufMgr }

// BGProcessor returns the live background task processor, or nil when absent.
func (s *Storage) BGProcessor() *background.Processor { return s.bgProc }

// CompactionProcessor returns the live compaction processor, or nil when absent.
func (s *Storage) CompactionProcessor() *compaction.Processor { return s.compactProc }

// MemIndexTracer returns the live memory index tracer, or nil when absent.
func (s *Storage) MemIndexTracer() *memindex.Tracer { return s.memTracer }

// TriggerThread returns the live periodic trigger thread, or nil when absent.
func (s *Storage) TriggerThread() *trigger.Thread { return s.triggers }

// CleanupTracer returns the tracer for the most recent transition.
func (s *Storage) CleanupTracer() *CleanupInfoTracer { return s.cleanupTracer }

// SetMode drives the transition to target. Returns nil on success and a
// *quiver.Status for recoverable failures (remote store init). Illegal
// transitions and broken bring-up invariants are fatal.
func (s *Storage) SetMode(target Mode) error {
	current := s.GetMode()
	if current == target {
		s.logger.Warn("set unchanged mode", "mode", target.String())
		return nil
	}
	if !transitionLegal(current, target) {
		quiver.Unrecoverable("attempt to set storage mode from %s to %s", current, target)
	}
	s.cleanupTracer = NewCleanupInfoTracer()

	var err error
	switch current {
	case ModeUnInitialized:
		err = s.fromUnInitialized(target)
	case ModeAdmin:
		err = s.fromAdmin(target)
	case ModeReadable:
		err = s.fromReadable(target)
	case ModeWritable:
		err = s.fromWritable(target)
	}
	if err != nil {
		s.metrics.ObserveTransitionError(current.String(), target.String())
		return err
	}
	s.metrics.ObserveTransition(current.String(), target.String(), int(s.GetMode()))
	return nil
}

// fromUnInitialized handles UnInit -> Admin: construct the WAL manager, not
// started.
func (s *Storage) fromUnInitialized(target Mode) error {
	s.setModeField(target)

	if s.walMgr != nil {
		quiver.Unrecoverable("WAL manager was initialized before")
	}
	s.walMgr = s.newWalManager()
	s.logger.Info("set storage from un-init mode to admin")
	return nil
}

// fromAdmin handles Admin -> UnInit (drop the WAL manager) and the core
// bring-up Admin -> Readable/Writable.
func (s *Storage) fromAdmin(target Mode) error {
	if target == ModeUnInitialized {
		s.walMgr.Stop()
		s.walMgr = nil
		s.setModeField(target)
		s.logger.Info("set storage from admin mode to un-init")
		return nil
	}
	return s.bringUp(target)
}

// bringUp is the core Admin -> Readable/Writable sequence. The mode is set
// first; the only recoverable failure (remote store init) rolls it back.
func (s *Storage) bringUp(target Mode) error {
	prev := s.GetMode()
	s.setModeField(target)

	// Remote object store, when configured.
	switch s.cfg.StorageType {
	case config.StorageTypeLocal:
		// No remote store.
	case config.StorageTypeRemoteBlob:
		s.logger.Info("init remote store", "url", s.cfg.ObjectStoreURL)
		if err := objectstore.InitRemote(s.cfg); err != nil {
			s.setModeField(prev)
			objectstore.UnInitRemote()
			return err
		}
		if s.objProc != nil {
			quiver.Unrecoverable("object storage processor was initialized before")
		}
		s.objProc = objectstore.NewProcessor(s.logger)
		s.objProc.Start()
	default:
		quiver.Unrecoverable("unsupported storage type: %s", s.cfg.StorageType)
	}

	// Persistence manager, when a persistence dir is configured.
	if s.cfg.PersistenceDir != "" {
		if s.persistMgr != nil {
			quiver.Unrecoverable("persistence manager was initialized before")
		}
		pm, err := persistence.NewManager(s.cfg.PersistenceDir, s.cfg.PersistenceObjectSizeLimit)
		if err != nil {
			quiver.Unrecoverable("persistence manager construction failed: %v", err)
		}
		s.persistMgr = pm
	}

	// The result cache is built lazily once and survives mode changes.
	if s.resultCache == nil {
		rc, err := resultcache.NewManager(s.cfg.CacheResultCapacity, s.logger)
		if err != nil {
			quiver.Unrecoverable("result cache construction failed: %v", err)
		}
		s.resultCache = rc
	}

	if s.bufMgr != nil {
		quiver.Unrecoverable("buffer manager was initialized before")
	}
	s.bufMgr = buffer.NewManager(s.cfg.BufferManagerSize, s.cfg.DataDir, s.cfg.TempDir, s.persistMgr, s.cfg.LRUShardNum, s.logger)
	s.bufMgr.Start()

	if target == ModeReadable {
		s.logger.Info("no checkpoint found in reader mode, waiting for log replication")
		s.setPhaseField(Phase1)
		return nil
	}

	// Replay the WAL; replay reconstructs the catalog as a side effect.
	systemStartTs, cat, err := s.walMgr.ReplayWalFile(target.String())
	if err != nil {
		quiver.Unrecoverable("wal replay failed: %v", err)
	}
	if systemStartTs == 0 {
		s.logger.Info("init a new catalog")
		cat = catalog.New()
		s.walMgr.SetCatalog(cat)
	}
	s.cat = cat

	if s.cfg.CompactInterval > 0 && target == ModeWritable {
		s.logger.Info("init compaction alg")
		s.cat.InitCompactionAlg(systemStartTs)
	} else {
		s.logger.Info("skip init compaction alg")
	}

	s.cat.SeedBuiltinFunctions()

	if s.bgProc != nil {
		quiver.Unrecoverable("background processor was initialized before")
	}
	s.bgProc = background.NewProcessor(s.walMgr, s.cat, s.logger)

	if s.txnMgr != nil {
		quiver.Unrecoverable("transaction manager was initialized before")
	}
	s.txnMgr = txn.NewManager(s.bufMgr, s.walMgr, s.cat, systemStartTs, s.logger)
	s.txnMgr.Start()

	// The WAL manager starts after the transaction manager since it depends
	// on it.
	s.walMgr.SetTxnSource(s.txnMgr)
	s.walMgr.Start()

	if systemStartTs == 0 && target == ModeWritable {
		s.CreateDefaultDatabase()
	}

	if s.memTracer != nil {
		quiver.Unrecoverable("memory index tracer was initialized before")
	}
	s.memTracer = memindex.NewTracer(s.cfg.MemIndexMemoryQuota, s.cat, s.txnMgr, s.logger)

	s.bgProc.Start()

	if target == ModeWritable {
		if s.compactProc != nil {
			quiver.Unrecoverable("compaction processor was initialized before")
		}
		s.compactProc = compaction.NewProcessor(s.cat, s.txnMgr, s.logger)
		s.compactProc.Start()
	}

	// Recover the in-memory index state after the compaction processor is
	// up and before the periodic triggers start.
	s.cat.StartMemoryIndexCommit()
	s.cat.MemIndexRecover(s.bufMgr, systemStartTs)

	if s.triggers != nil {
		quiver.Unrecoverable("periodic trigger thread was initialized before")
	}
	s.triggers = trigger.NewThread(s.logger)
	if target == ModeWritable {
		s.installWriterTriggers()
	}
	s.triggers.Cleanup = trigger.NewCleanupTrigger(s.cfg.CleanupInterval, s.bgProc, s.txnMgr)

	if target == ModeWritable {
		// A forced full checkpoint must complete before the trigger thread
		// starts so the first persisted state is self-consistent.
		t := s.txnMgr.BeginTxn("ForceCheckpointTask")
		task := background.NewForceCheckpointTask(t, true, systemStartTs)
		s.bgProc.Submit(task)
		if err := task.Wait(); err != nil {
			quiver.Unrecoverable("force checkpoint failed: %v", err)
		}
		s.metrics.ObserveCheckpoint("full")
		t.SetReaderAllowed(true)
		if err := s.txnMgr.CommitTxn(t); err != nil {
			quiver.Unrecoverable("force checkpoint commit failed: %v", err)
		}
	} else {
		s.setPhaseField(Phase2)
	}

	s.triggers.Start()
	return nil
}

func (s *Storage) installWriterTriggers() {
	s.triggers.FullCheckpoint = trigger.NewCheckpointTrigger(s.cfg.FullCheckpointInterval, s.walMgr, s.txnMgr, true, s.logger)
	s.triggers.DeltaCheckpoint = trigger.NewCheckpointTrigger(s.cfg.DeltaCheckpointInterval, s.walMgr, s.txnMgr, false, s.logger)
	s.triggers.CompactSegment = trigger.NewCompactSegmentTrigger(s.cfg.CompactInterval, s.compactProc)
	s.triggers.OptimizeIndex = trigger.NewOptimizeIndexTrigger(s.cfg.OptimizeIndexInterval, s.compactProc)
}

// fromReadable handles Readable -> UnInit/Admin (tear-down) and Readable ->
// Writable (promotion).
func (s *Storage) fromReadable(target Mode) error {
	if target == ModeUnInitialized || target == ModeAdmin {
		if s.triggers != nil {
			if s.ReaderPhase() != Phase2 {
				quiver.Unrecoverable("error reader init phase")
			}
			s.triggers.Stop()
			s.triggers = nil
		}

		if s.compactProc != nil {
			quiver.Unrecoverable("compaction processor shouldn't be set on a replica")
		}

		if s.bgProc != nil {
			if s.ReaderPhase() != Phase2 {
				quiver.Unrecoverable("error reader init phase")
			}
			s.bgProc.Stop()
			s.bgProc = nil
		}

		s.cat = nil
		s.memTracer = nil

		if s.walMgr != nil {
			s.walMgr.Stop()
			s.walMgr = nil
		}

		s.unInitRemote()

		if s.txnMgr != nil {
			if s.ReaderPhase() != Phase2 {
				quiver.Unrecoverable("error reader init phase")
			}
			s.txnMgr.Stop()
			s.txnMgr = nil
		}

		if s.bufMgr != nil {
			s.bufMgr.Stop()
			s.bufMgr = nil
		}

		s.persistMgr = nil

		if target == ModeAdmin {
			// Stop does not leave a reusable WAL manager; reconstruct it.
			s.walMgr = s.newWalManager()
		}
		s.setPhaseField(PhaseNone)
	}

	if target == ModeWritable {
		if s.compactProc != nil {
			quiver.Unrecoverable("compaction processor was initialized before")
		}
		s.compactProc = compaction.NewProcessor(s.cat, s.txnMgr, s.logger)
		s.compactProc.Start()

		// Rebuild the trigger thread with the writer triggers installed;
		// the cleanup trigger carries over.
		s.triggers.Stop()
		s.triggers = trigger.NewThread(s.logger)
		s.installWriterTriggers()
		s.triggers.Cleanup = trigger.NewCleanupTrigger(s.cfg.CleanupInterval, s.bgProc, s.txnMgr)
		s.triggers.Start()
	}

	s.setModeField(target)
	return nil
}

// fromWritable handles Writable -> UnInit/Admin (tear-down) and Writable ->
// Readable (demotion).
func (s *Storage) fromWritable(target Mode) error {
	if target == ModeUnInitialized || target == ModeAdmin {
		if s.triggers != nil {
			s.triggers.Stop()
			s.triggers = nil
		}

		if s.compactProc != nil {
			s.compactProc.Stop()
			s.compactProc = nil
		}

		if s.bgProc != nil {
			s.bgProc.Stop()
			s.bgProc = nil
		}

		s.cat = nil
		s.memTracer = nil

		if s.walMgr != nil {
			s.walMgr.Stop()
			s.walMgr = nil
		}

		s.unInitRemote()

		if s.txnMgr != nil {
			s.txnMgr.Stop()
			s.txnMgr = nil
		}

		if s.bufMgr != nil {
			s.bufMgr.Stop()
			s.bufMgr = nil
		}

		s.persistMgr = nil

		if target == ModeAdmin {
			s.walMgr = s.newWalManager()
		}
		s.setPhaseField(PhaseNone)
	}

	if target == ModeReadable {
		if s.triggers != nil {
			s.triggers.Stop()
			s.triggers = nil
		}

		if s.compactProc != nil {
			s.compactProc.Stop()
			s.compactProc = nil
		}

		// Replicas carry only the cleanup trigger.
		s.triggers = trigger.NewThread(s.logger)
		s.triggers.Cleanup = trigger.NewCleanupTrigger(s.cfg.CleanupInterval, s.bgProc, s.txnMgr)
		s.triggers.Start()
		s.setPhaseField(Phase2)
	}

	s.setModeField(target)
	return nil
}

// unInitRemote tears down the remote store handle and its processor,
// according to the configured storage type.
func (s *Storage) unInitRemote() {
	switch s.cfg.StorageType {
	case config.StorageTypeLocal:
		// No remote store.
	case config.StorageTypeRemoteBlob:
		if s.objProc != nil {
			s.objProc.Stop()
			s.objProc = nil
			objectstore.UnInitRemote()
		}
	default:
		quiver.Unrecoverable("unsupported storage type: %s", s.cfg.StorageType)
	}
}

func (s *Storage) newWalManager() *wal.Manager {
	m, err := wal.NewManager(
		s.cfg.WALDir,
		s.cfg.DataDir,
		s.cfg.WALCompactThreshold,
		s.cfg.DeltaCheckpointThreshold,
		walFlushMethod(s.cfg.FlushMethodAtCommit),
		s.logger,
	)
	if err != nil {
		quiver.Unrecoverable("wal manager construction failed: %v", err)
	}
	return m
}

func walFlushMethod(m config.FlushMethod) wal.FlushMethod {
	switch m {
	case config.FlushAtCommit:
		return wal.FlushSync
	case config.FlushGrouped:
		return wal.FlushGroup
	case config.FlushAsync:
		return wal.FlushAsync
	default:
		quiver.Unrecoverable("unsupported flush method: %d", int(m))
		return wal.FlushSync
	}
}

// ContinueReaderBringUp completes Phase2 for a replica whose log stream has
// caught up to systemStartTs. Calling it outside Readable/Phase1 is a
// programming error.
func (s *Storage) ContinueReaderBringUp(systemStartTs uint64) error {
	if mode := s.GetMode(); mode != ModeReadable {
		quiver.Unrecoverable("expect current storage mode is readable, but it is %s", mode)
	}
	if s.ReaderPhase() != Phase1 {
		quiver.Unrecoverable("error reader init phase: %s", s.ReaderPhase())
	}

	// The catalog arrives via the log stream; a replica of an empty primary
	// starts fresh.
	if s.cat == nil {
		s.cat = catalog.New()
		s.walMgr.SetCatalog(s.cat)
	}
	s.cat.SeedBuiltinFunctions()

	if s.bgProc != nil {
		quiver.Unrecoverable("background processor was initialized before")
	}
	s.bgProc = background.NewProcessor(s.walMgr, s.cat, s.logger)

	if s.txnMgr != nil {
		quiver.Unrecoverable("transaction manager was initialized before")
	}
	s.txnMgr = txn.NewManager(s.bufMgr, s.walMgr, s.cat, systemStartTs, s.logger)
	s.txnMgr.Start()

	s.walMgr.SetTxnSource(s.txnMgr)
	s.walMgr.Start()

	if s.memTracer != nil {
		quiver.Unrecoverable("memory index tracer was initialized before")
	}
	s.memTracer = memindex.NewTracer(s.cfg.MemIndexMemoryQuota, s.cat, s.txnMgr, s.logger)

	s.cat.StartMemoryIndexCommit()
	s.cat.MemIndexRecover(s.bufMgr, systemStartTs)

	s.bgProc.Start()

	if s.triggers != nil {
		quiver.Unrecoverable("periodic trigger thread was initialized before")
	}
	s.triggers = trigger.NewThread(s.logger)
	s.triggers.Cleanup = trigger.NewCleanupTrigger(s.cfg.CleanupInterval, s.bgProc, s.txnMgr)
	s.triggers.Start()

	s.setPhaseField(Phase2)
	return nil
}

// AttachCatalog repopulates the catalog from a full checkpoint plus ordered
// delta checkpoints. Admin-mode tooling only.
func (s *Storage) AttachCatalog(full catalog.FullCheckpointInfo, deltas []catalog.DeltaCheckpointInfo) error {
	cat, err := catalog.LoadFromFiles(full, deltas)
	if err != nil {
		return err
	}
	s.cat = cat
	if s.walMgr != nil {
		s.walMgr.SetCatalog(cat)
	}
	return nil
}

// LoadFullCheckpoint loads a full catalog checkpoint. The catalog must not
// already exist.
func (s *Storage) LoadFullCheckpoint(path string) error {
	if s.cat != nil {
		quiver.Unrecoverable("catalog was already initialized before")
	}
	cat, err := catalog.LoadFullCheckpoint(path)
	if err != nil {
		return err
	}
	s.cat = cat
	if s.walMgr != nil {
		s.walMgr.SetCatalog(cat)
	}
	return nil
}

// AttachDeltaCheckpoint overlays a delta checkpoint onto the loaded catalog.
func (s *Storage) AttachDeltaCheckpoint(path string) error {
	return s.cat.AttachDeltaCheckpoint(path)
}

// CreateDefaultDatabase creates the distinguished initial database inside a
// reader-visible transaction. Failure means the store cannot serve even
// system queries, which is fatal.
func (s *Storage) CreateDefaultDatabase() {
	t := s.txnMgr.BeginTxn("create " + s.cfg.DefaultDatabaseName)
	t.SetReaderAllowed(true)
	if err := t.CreateDatabase(s.cfg.DefaultDatabaseName, catalog.ConflictError, "Initial startup created"); err != nil {
		quiver.Unrecoverable("can't create %q: %v", s.cfg.DefaultDatabaseName, err)
	}
	if err := s.txnMgr.CommitTxn(t); err != nil {
		quiver.Unrecoverable("can't commit %q creation: %v", s.cfg.DefaultDatabaseName, err)
	}
}
