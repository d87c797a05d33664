package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quiverdb/quiver/storage/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, walDir string) *Manager {
	t.Helper()
	m, err := NewManager(walDir, t.TempDir(), 1<<30, 64<<20, FlushSync, nil)
	require.NoError(t, err)
	return m
}

func TestAppendReplayRoundTrip(t *testing.T) {
	walDir := t.TempDir()

	m := newTestManager(t, walDir)
	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 1, Database: "db1", Comment: "first"}))
	require.NoError(t, m.Append(&Entry{Type: EntryCreateTable, CommitTs: 2, Database: "db1", Table: "vectors"}))
	require.NoError(t, m.Append(&Entry{Type: EntrySegmentDirty, CommitTs: 3, SegmentID: 7}))
	m.Stop()

	m2 := newTestManager(t, walDir)
	ts, cat, err := m2.ReplayWalFile("writable")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ts)
	require.NotNil(t, cat)

	db, err := cat.GetDatabase("db1")
	require.NoError(t, err)
	_, ok := db.GetTable("vectors")
	assert.True(t, ok)
	m2.Stop()
}

func TestReplayEmptyDirReturnsZero(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Stop()

	ts, cat, err := m.ReplayWalFile("writable")
	require.NoError(t, err)
	assert.Zero(t, ts)
	assert.Nil(t, cat)
}

func TestReplayStopsAtTornTail(t *testing.T) {
	walDir := t.TempDir()

	m := newTestManager(t, walDir)
	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 5, Database: "db1"}))
	m.Stop()

	// Append garbage that looks like the start of a frame.
	f, err := os.OpenFile(filepath.Join(walDir, "quiver.wal"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0x00, 0x00, 0x00, 0xDE, 0xAD})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2 := newTestManager(t, walDir)
	defer m2.Stop()
	ts, cat, err := m2.ReplayWalFile("writable")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ts)
	require.NotNil(t, cat)
	_, err = cat.GetDatabase("db1")
	assert.NoError(t, err)
}

func TestCheckpointAndReplayFromIt(t *testing.T) {
	walDir := t.TempDir()

	m := newTestManager(t, walDir)
	cat := catalog.New()
	m.SetCatalog(cat)

	_, err := cat.CreateDatabase("db1", "", 10, catalog.ConflictError)
	require.NoError(t, err)
	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 10, Database: "db1"}))

	require.NoError(t, m.Checkpoint(true, 10))
	assert.Equal(t, uint64(10), m.LastCheckpointTs())

	// Post-checkpoint traffic replays on top of the checkpoint image.
	_, err = cat.CreateDatabase("db2", "", 11, catalog.ConflictError)
	require.NoError(t, err)
	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 11, Database: "db2"}))
	m.Stop()

	m2 := newTestManager(t, walDir)
	defer m2.Stop()
	ts, replayed, err := m2.ReplayWalFile("writable")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), ts)
	require.NotNil(t, replayed)
	_, err = replayed.GetDatabase("db1")
	require.NoError(t, err)
	_, err = replayed.GetDatabase("db2")
	require.NoError(t, err)
}

func TestSegmentSealAndReplayAcrossSegments(t *testing.T) {
	walDir := t.TempDir()

	// Tiny compact threshold so a single record crosses it.
	m, err := NewManager(walDir, t.TempDir(), 1, 64<<20, FlushSync, nil)
	require.NoError(t, err)
	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 1, Database: "db1"}))

	m.mu.Lock()
	require.NoError(t, m.sealLocked())
	m.mu.Unlock()

	sealed := sealedSegments(walDir)
	require.Len(t, sealed, 1)

	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 2, Database: "db2"}))
	m.Stop()

	m2 := newTestManager(t, walDir)
	defer m2.Stop()
	ts, cat, err := m2.ReplayWalFile("writable")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ts)
	_, err = cat.GetDatabase("db1")
	require.NoError(t, err)
	_, err = cat.GetDatabase("db2")
	require.NoError(t, err)
}

func TestFullCheckpointTruncatesSealedSegments(t *testing.T) {
	walDir := t.TempDir()

	m, err := NewManager(walDir, t.TempDir(), 1, 64<<20, FlushSync, nil)
	require.NoError(t, err)
	defer m.Stop()
	m.SetCatalog(catalog.New())

	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 1, Database: "db1"}))
	m.mu.Lock()
	require.NoError(t, m.sealLocked())
	m.mu.Unlock()
	require.Len(t, sealedSegments(walDir), 1)

	require.NoError(t, m.Checkpoint(true, 1))
	assert.Empty(t, sealedSegments(walDir))
}

func TestDeltaCheckpointDue(t *testing.T) {
	walDir := t.TempDir()

	m, err := NewManager(walDir, t.TempDir(), 1<<30, 16, FlushSync, nil)
	require.NoError(t, err)
	defer m.Stop()
	m.SetCatalog(catalog.New())

	assert.False(t, m.DeltaCheckpointDue())
	require.NoError(t, m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 1, Database: "db1"}))
	assert.True(t, m.DeltaCheckpointDue())

	require.NoError(t, m.Checkpoint(false, 1))
	assert.False(t, m.DeltaCheckpointDue())
}

func TestStoppedManagerRejectsAppends(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	m.Stop()
	err := m.Append(&Entry{Type: EntryCreateDatabase, CommitTs: 1, Database: "db1"})
	require.Error(t, err)
}
