package storage_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/config"
	"github.com/quiverdb/quiver/storage"
	"github.com/quiverdb/quiver/storage/catalog"
	"github.com/quiverdb/quiver/storage/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, optFns ...config.Option) *config.Config {
	t.Helper()
	base := t.TempDir()
	opts := append([]config.Option{
		func(c *config.Config) {
			c.DataDir = filepath.Join(base, "data")
			c.TempDir = filepath.Join(base, "tmp")
			c.WALDir = filepath.Join(base, "wal")
			c.BufferManagerSize = 8 << 20
			c.LRUShardNum = 2
			c.CompactInterval = 60 * time.Second
			c.OptimizeIndexInterval = 0
			c.CleanupInterval = 120 * time.Second
			c.FullCheckpointInterval = 300 * time.Second
			c.DeltaCheckpointInterval = 30 * time.Second
		},
	}, optFns...)
	cfg := config.New(opts...)
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0750))
	require.NoError(t, os.MkdirAll(cfg.TempDir, 0750))
	return cfg
}

// TestFreshWritableStart drives uninit -> admin -> writable on an empty data
// directory and verifies the fully brought-up primary.
func TestFreshWritableStart(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.Equal(t, storage.ModeAdmin, s.GetMode())
	require.NotNil(t, s.WalManager())

	require.NoError(t, s.SetMode(storage.ModeWritable))
	require.Equal(t, storage.ModeWritable, s.GetMode())

	// Fresh start: the default database must exist and be the only one.
	cat := s.Catalog()
	require.NotNil(t, cat)
	assert.Equal(t, 1, cat.DatabaseCount())
	_, err := cat.GetDatabase("default_db")
	require.NoError(t, err)

	// The compaction processor runs only on a writable primary.
	assert.NotNil(t, s.CompactionProcessor())

	// Writer triggers plus cleanup: optimize is disabled by interval.
	th := s.TriggerThread()
	require.NotNil(t, th)
	assert.NotNil(t, th.FullCheckpoint)
	assert.NotNil(t, th.DeltaCheckpoint)
	assert.NotNil(t, th.CompactSegment)
	assert.NotNil(t, th.Cleanup)
	assert.Equal(t, 4, th.ArmedCount()) // optimize interval 0 disables it

	// The forced checkpoint completed before the trigger thread started.
	files, err := filepath.Glob(filepath.Join(cfg.WALDir, "catalog_full_*"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestReplayExistingStore shuts a primary down and brings a new supervisor up
// over the same directories, expecting the catalog to come back from the WAL.
func TestReplayExistingStore(t *testing.T) {
	cfg := testConfig(t)

	s := storage.New(cfg)
	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeWritable))

	// Add state beyond the default database.
	tx := s.TxnManager().BeginTxn("create analytics")
	require.NoError(t, tx.CreateDatabase("analytics", catalog.ConflictError, "test"))
	require.NoError(t, s.TxnManager().CommitTxn(tx))

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))

	s2 := storage.New(cfg)
	require.NoError(t, s2.SetMode(storage.ModeAdmin))
	require.NoError(t, s2.SetMode(storage.ModeWritable))

	// Prior state replayed: no fresh default creation, both databases live.
	assert.Greater(t, s2.TxnManager().StartTs(), uint64(0))
	cat := s2.Catalog()
	assert.Equal(t, 2, cat.DatabaseCount())
	_, err := cat.GetDatabase("default_db")
	require.NoError(t, err)
	_, err = cat.GetDatabase("analytics")
	require.NoError(t, err)

	require.NoError(t, s2.SetMode(storage.ModeUnInitialized))
}

// TestReplicaBringUp exercises the two-phase reader start.
func TestReplicaBringUp(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeReadable))
	assert.Equal(t, storage.ModeReadable, s.GetMode())
	assert.Equal(t, storage.Phase1, s.ReaderPhase())

	// Phase1: transaction machinery is not up yet.
	assert.Nil(t, s.TxnManager())
	assert.Nil(t, s.TriggerThread())

	require.NoError(t, s.ContinueReaderBringUp(1000))
	assert.Equal(t, storage.Phase2, s.ReaderPhase())
	assert.Equal(t, uint64(1000), s.TxnManager().StartTs())

	// Replicas never compact; only the cleanup trigger is installed.
	assert.Nil(t, s.CompactionProcessor())
	th := s.TriggerThread()
	require.NotNil(t, th)
	assert.Nil(t, th.FullCheckpoint)
	assert.Nil(t, th.DeltaCheckpoint)
	assert.Nil(t, th.CompactSegment)
	assert.Nil(t, th.OptimizeIndex)
	assert.NotNil(t, th.Cleanup)
	assert.Equal(t, 1, th.ArmedCount())

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestPromoteReplica brings a replica to Phase2 and promotes it, expecting
// the transaction manager and catalog to survive the promotion.
func TestPromoteReplica(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeReadable))
	require.NoError(t, s.ContinueReaderBringUp(1000))

	txnBefore := s.TxnManager()
	catBefore := s.Catalog()

	require.NoError(t, s.SetMode(storage.ModeWritable))
	assert.Equal(t, storage.ModeWritable, s.GetMode())

	assert.Same(t, txnBefore, s.TxnManager())
	assert.Same(t, catBefore, s.Catalog())
	assert.NotNil(t, s.CompactionProcessor())

	th := s.TriggerThread()
	require.NotNil(t, th)
	assert.NotNil(t, th.FullCheckpoint)
	assert.NotNil(t, th.CompactSegment)
	assert.NotNil(t, th.Cleanup)

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestDemoteToReadable demotes a writable primary, expecting compaction to
// drop and the trigger thread to carry only cleanup.
func TestDemoteToReadable(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeWritable))
	require.NoError(t, s.SetMode(storage.ModeReadable))

	assert.Equal(t, storage.ModeReadable, s.GetMode())
	assert.Equal(t, storage.Phase2, s.ReaderPhase())
	assert.Nil(t, s.CompactionProcessor())

	th := s.TriggerThread()
	require.NotNil(t, th)
	assert.Nil(t, th.FullCheckpoint)
	assert.NotNil(t, th.Cleanup)
	assert.Equal(t, 1, th.ArmedCount())

	// The running managers survive the demotion.
	assert.NotNil(t, s.TxnManager())
	assert.NotNil(t, s.Catalog())
	assert.NotNil(t, s.WalManager())

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestRemoteStoreFailure points the supervisor at an unreachable object
// store and expects a rolled-back transition with the handle uninitialized.
func TestRemoteStoreFailure(t *testing.T) {
	objectstore.ResetForTest()
	t.Cleanup(objectstore.ResetForTest)

	cfg := testConfig(t, func(c *config.Config) {
		c.StorageType = config.StorageTypeRemoteBlob
		c.ObjectStoreProvider = config.ProviderMinio
		c.ObjectStoreURL = "127.0.0.1:1"
		c.ObjectStoreAccessKey = "minioadmin"
		c.ObjectStoreSecretKey = "minioadmin"
		c.ObjectStoreBucket = "quiver"
	})
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	err := s.SetMode(storage.ModeWritable)
	require.Error(t, err)

	st := quiver.StatusOf(err)
	require.NotNil(t, st)
	assert.Equal(t, quiver.CodeRemoteStore, st.Code)

	// Mode rolled back; the process-wide handle stayed uninitialized.
	assert.Equal(t, storage.ModeAdmin, s.GetMode())
	assert.False(t, objectstore.IsInit())

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestGracefulShutdown verifies that tearing down a writable primary nulls
// every manager and leaks no worker goroutines.
func TestGracefulShutdown(t *testing.T) {
	cfg := testConfig(t)

	before := runtime.NumGoroutine()

	s := storage.New(cfg)
	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeWritable))
	require.NoError(t, s.SetMode(storage.ModeUnInitialized))

	assert.Equal(t, storage.ModeUnInitialized, s.GetMode())
	assert.Nil(t, s.WalManager())
	assert.Nil(t, s.TxnManager())
	assert.Nil(t, s.BufferManager())
	assert.Nil(t, s.Catalog())
	assert.Nil(t, s.BGProcessor())
	assert.Nil(t, s.CompactionProcessor())
	assert.Nil(t, s.MemIndexTracer())
	assert.Nil(t, s.TriggerThread())

	// Give exiting goroutines a moment to unwind. The surviving result
	// cache keeps a small fixed set of goroutines; allow for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+4 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+4)
}

// TestSameTargetIsNoOp verifies that requesting the current mode is a
// warning no-op.
func TestSameTargetIsNoOp(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeAdmin))
	assert.Equal(t, storage.ModeAdmin, s.GetMode())

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestIllegalTransitionsAreFatal enumerates the forbidden off-diagonal entries
// of the transition table and expects an invariant panic for each.
func TestIllegalTransitionsAreFatal(t *testing.T) {
	tests := []struct {
		name   string
		target storage.Mode
	}{
		{name: "uninit to readable", target: storage.ModeReadable},
		{name: "uninit to writable", target: storage.ModeWritable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			s := storage.New(cfg)
			defer func() {
				r := recover()
				require.NotNil(t, r)
				_, ok := r.(*quiver.InvariantError)
				assert.True(t, ok, "expected InvariantError, got %T", r)
			}()
			_ = s.SetMode(tt.target)
		})
	}
}

// TestReaderBringUpPhaseGuard verifies ContinueReaderBringUp is rejected
// outside Readable/Phase1.
func TestReaderBringUpPhaseGuard(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)
	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeWritable))
	t.Cleanup(func() { _ = s.SetMode(storage.ModeUnInitialized) })

	require.Panics(t, func() { _ = s.ContinueReaderBringUp(1) })
}

// TestSystemStartTsSeedsTxnManager checks the replayed timestamp and the
// transaction manager's seed agree.
func TestSystemStartTsSeedsTxnManager(t *testing.T) {
	cfg := testConfig(t)

	s := storage.New(cfg)
	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeWritable))
	assert.Equal(t, uint64(0), s.TxnManager().StartTs())
	require.NoError(t, s.SetMode(storage.ModeUnInitialized))

	s2 := storage.New(cfg)
	require.NoError(t, s2.SetMode(storage.ModeAdmin))
	require.NoError(t, s2.SetMode(storage.ModeWritable))
	// Replay produced a non-zero horizon; the clock resumed from it.
	assert.Greater(t, s2.TxnManager().StartTs(), uint64(0))
	assert.GreaterOrEqual(t, s2.TxnManager().CurrentTs(), s2.TxnManager().StartTs())
	require.NoError(t, s2.SetMode(storage.ModeUnInitialized))
}

// TestWritableToAdminReconstructsWal checks that stepping back to admin
// leaves a usable (fresh) WAL manager.
func TestWritableToAdminReconstructsWal(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	require.NoError(t, s.SetMode(storage.ModeWritable))
	walBefore := s.WalManager()

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	assert.Equal(t, storage.ModeAdmin, s.GetMode())
	require.NotNil(t, s.WalManager())
	assert.NotSame(t, walBefore, s.WalManager())

	// The reconstructed manager can carry a fresh bring-up.
	require.NoError(t, s.SetMode(storage.ModeWritable))
	assert.Equal(t, storage.ModeWritable, s.GetMode())
	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}

// TestResultCacheAccessor verifies the accessor honors the config toggle.
func TestResultCacheAccessor(t *testing.T) {
	t.Run("off", func(t *testing.T) {
		cfg := testConfig(t)
		s := storage.New(cfg)
		require.NoError(t, s.SetMode(storage.ModeAdmin))
		require.NoError(t, s.SetMode(storage.ModeWritable))
		assert.Nil(t, s.ResultCacheManager())
		require.NoError(t, s.SetMode(storage.ModeUnInitialized))
	})

	t.Run("on", func(t *testing.T) {
		cfg := testConfig(t, func(c *config.Config) {
			c.ResultCacheOn = true
			c.CacheResultCapacity = 128
		})
		s := storage.New(cfg)
		require.NoError(t, s.SetMode(storage.ModeAdmin))
		require.NoError(t, s.SetMode(storage.ModeWritable))
		rc := s.ResultCacheManager()
		require.NotNil(t, rc)
		assert.Equal(t, int64(128), rc.Capacity())

		// The cache survives the mode change.
		require.NoError(t, s.SetMode(storage.ModeAdmin))
		assert.Same(t, rc, s.ResultCacheManager())
		require.NoError(t, s.SetMode(storage.ModeUnInitialized))
	})
}

// TestCleanupTracerPerTransition verifies a fresh tracer per transition.
func TestCleanupTracerPerTransition(t *testing.T) {
	cfg := testConfig(t)
	s := storage.New(cfg)

	require.NoError(t, s.SetMode(storage.ModeAdmin))
	first := s.CleanupTracer()
	require.NotNil(t, first)
	first.SetCleanupInfo("leftover from admin")

	require.NoError(t, s.SetMode(storage.ModeWritable))
	second := s.CleanupTracer()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Empty(t, second.GetCleanupInfoText())

	require.NoError(t, s.SetMode(storage.ModeUnInitialized))
}
