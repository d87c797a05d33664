// Package wal implements the write-ahead log manager: an append-only durable
// log of committed mutations, segment rolling, checkpoint coordination, and
// replay into a fresh catalog.
//
// The active segment is written uncompressed so appends stay cheap; sealed
// segments are rewritten through zstd. Replay walks sealed segments in order,
// then the active segment, reading each segment up to its first torn record.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/catalog"
)

const (
	activeFileName    = "quiver.wal"
	sealedSuffix      = ".zst"
	groupCommitTick   = 5 * time.Millisecond
	compactorTick     = time.Second
	fullCkpFilePrefix = "catalog_full_"
	deltaCkpPrefix    = "catalog_delta_"
	ckpFileSuffix     = ".ckp"
)

// FlushMethod mirrors config.FlushMethod; redeclared here so the package does
// not depend on config.
type FlushMethod int

const (
	// FlushSync fsyncs on every append.
	FlushSync FlushMethod = iota
	// FlushGroup batches fsyncs across appends; Append blocks until its
	// record is persisted.
	FlushGroup
	// FlushAsync leaves durability to the flusher tick.
	FlushAsync
)

// TxnSource is what the WAL manager needs from the transaction manager at
// Start time. It is an interface so the txn package can depend on wal without
// a cycle.
type TxnSource interface {
	// CurrentTs returns the transaction clock's current timestamp.
	CurrentTs() uint64
}

// Manager is the WAL manager. Construct, replay, SetTxnSource, Start, Stop.
// A stopped manager is not reusable; the supervisor reconstructs it when
// returning to admin mode.
type Manager struct {
	walDir           string
	dataDir          string
	compactThreshold int64
	deltaThreshold   int64
	flushMethod      FlushMethod

	mu          sync.Mutex
	file        *os.File
	bw          *bufio.Writer
	activeBytes int64
	sealedSeq   uint64

	appendSeq    uint64
	persistedSeq uint64
	syncCond     *sync.Cond

	sinceDeltaCkp atomic.Int64
	lastCkpTs     atomic.Uint64

	txnSource TxnSource
	cat       *catalog.Catalog

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	logger *quiver.Logger
}

// NewManager creates a WAL manager over walDir. The active segment file is
// opened (and created if missing) immediately so admin-mode inspection works
// before Start.
func NewManager(walDir, dataDir string, compactThreshold, deltaThreshold int64, flushMethod FlushMethod, logger *quiver.Logger) (*Manager, error) {
	if err := os.MkdirAll(walDir, 0750); err != nil {
		return nil, fmt.Errorf("wal: create dir %q: %w", walDir, err)
	}
	path := filepath.Join(walDir, activeFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("wal: open %q: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wal: stat %q: %w", path, err)
	}

	m := &Manager{
		walDir:           walDir,
		dataDir:          dataDir,
		compactThreshold: compactThreshold,
		deltaThreshold:   deltaThreshold,
		flushMethod:      flushMethod,
		file:             f,
		bw:               bufio.NewWriter(f),
		activeBytes:      st.Size(),
		sealedSeq:        maxSealedSeq(walDir),
		logger:           logger.Or().WithComponent("wal"),
	}
	m.syncCond = sync.NewCond(&m.mu)
	return m, nil
}

// SetCatalog binds the catalog checkpoints are taken from. The supervisor
// calls this once replay (or fresh catalog construction) is done.
func (m *Manager) SetCatalog(c *catalog.Catalog) {
	m.mu.Lock()
	m.cat = c
	m.mu.Unlock()
}

// SetTxnSource binds the transaction manager. Must precede Start.
func (m *Manager) SetTxnSource(src TxnSource) {
	m.mu.Lock()
	m.txnSource = src
	m.mu.Unlock()
}

// Start spawns the flusher and compactor. The transaction manager must be
// bound first; starting the WAL before the transaction manager is a bring-up
// ordering violation.
func (m *Manager) Start() {
	if m.stopped.Load() {
		quiver.Unrecoverable("wal manager restarted after stop")
	}
	if m.started.Swap(true) {
		quiver.Unrecoverable("wal manager started twice")
	}
	m.mu.Lock()
	if m.txnSource == nil {
		m.mu.Unlock()
		quiver.Unrecoverable("wal manager started before transaction manager")
	}
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if m.flushMethod == FlushGroup || m.flushMethod == FlushAsync {
		m.wg.Add(1)
		go m.groupCommitLoop()
	}
	m.wg.Add(1)
	go m.compactorLoop()
	m.logger.Info("wal manager started", "dir", m.walDir)
}

// Stop flushes outstanding records and joins the worker goroutines. The
// manager is unusable afterward.
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	if m.started.Load() {
		close(m.stopCh)
		m.wg.Wait()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		_ = m.bw.Flush()
		_ = fdatasync(m.file)
		_ = m.file.Close()
		m.file = nil
	}
	m.syncCond.Broadcast()
	m.logger.Info("wal manager stopped")
}

// Append writes one record, honoring the configured durability method.
func (m *Manager) Append(e *Entry) error {
	m.mu.Lock()
	if m.stopped.Load() || m.file == nil {
		m.mu.Unlock()
		return quiver.NewStatus(quiver.CodeIO, "wal manager is stopped")
	}
	n, err := encodeEntry(m.bw, e)
	if err != nil {
		m.mu.Unlock()
		return quiver.NewStatusErr(quiver.CodeIO, "wal append", err)
	}
	m.activeBytes += n
	m.sinceDeltaCkp.Add(n)
	m.appendSeq++
	seq := m.appendSeq

	switch m.flushMethod {
	case FlushSync:
		err = m.flushLocked()
		m.mu.Unlock()
		return err
	case FlushGroup:
		for m.persistedSeq < seq && !m.stopped.Load() {
			m.syncCond.Wait()
		}
		m.mu.Unlock()
		return nil
	default: // FlushAsync
		m.mu.Unlock()
		return nil
	}
}

func (m *Manager) flushLocked() error {
	if err := m.bw.Flush(); err != nil {
		return quiver.NewStatusErr(quiver.CodeIO, "wal flush", err)
	}
	if err := fdatasync(m.file); err != nil {
		return quiver.NewStatusErr(quiver.CodeIO, "wal fsync", err)
	}
	m.persistedSeq = m.appendSeq
	m.syncCond.Broadcast()
	return nil
}

func (m *Manager) groupCommitLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(groupCommitTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			m.mu.Lock()
			_ = m.flushLocked()
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.persistedSeq < m.appendSeq {
				if err := m.flushLocked(); err != nil {
					m.logger.Error("group commit flush failed", "error", err)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) compactorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(compactorTick)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.compactThreshold > 0 && m.activeBytes >= m.compactThreshold {
				if err := m.sealLocked(); err != nil {
					m.logger.Error("wal segment seal failed", "error", err)
				}
			}
			m.mu.Unlock()
		}
	}
}

// sealLocked rolls the active segment: flushes, rewrites it through zstd as a
// sealed segment, and opens a fresh active file. Caller holds mu.
func (m *Manager) sealLocked() error {
	if err := m.bw.Flush(); err != nil {
		return err
	}
	if err := fdatasync(m.file); err != nil {
		return err
	}
	if err := m.file.Close(); err != nil {
		return err
	}

	activePath := filepath.Join(m.walDir, activeFileName)
	m.sealedSeq++
	sealedPath := fmt.Sprintf("%s.%08d%s", activePath, m.sealedSeq, sealedSuffix)

	raw, err := os.ReadFile(activePath)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()
	if err := os.WriteFile(sealedPath+".tmp", compressed, 0600); err != nil {
		return err
	}
	if err := os.Rename(sealedPath+".tmp", sealedPath); err != nil {
		return err
	}

	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	m.file = f
	m.bw = bufio.NewWriter(f)
	m.activeBytes = 0
	m.logger.Info("wal segment sealed", "path", sealedPath, "raw_bytes", len(raw))
	return nil
}

// Checkpoint takes a catalog checkpoint (full or delta), appends the marker
// record, and, after a full checkpoint, truncates sealed segments.
func (m *Manager) Checkpoint(full bool, ts uint64) error {
	m.mu.Lock()
	cat := m.cat
	m.mu.Unlock()
	if cat == nil {
		quiver.Unrecoverable("wal checkpoint without catalog")
	}

	var (
		path      string
		entryType EntryType
	)
	if full {
		path = filepath.Join(m.walDir, fmt.Sprintf("%s%d%s", fullCkpFilePrefix, ts, ckpFileSuffix))
		entryType = EntryFullCheckpoint
		if err := cat.SaveFullCheckpoint(path); err != nil {
			return err
		}
	} else {
		path = filepath.Join(m.walDir, fmt.Sprintf("%s%d%s", deltaCkpPrefix, ts, ckpFileSuffix))
		entryType = EntryDeltaCheckpoint
		if err := cat.SaveDeltaCheckpoint(path); err != nil {
			return err
		}
	}

	if err := m.Append(&Entry{
		Type:           entryType,
		CommitTs:       ts,
		CheckpointPath: path,
	}); err != nil {
		return err
	}
	// Checkpoint markers must be on disk regardless of flush method.
	m.mu.Lock()
	err := m.flushLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.sinceDeltaCkp.Store(0)
	m.lastCkpTs.Store(ts)

	if full {
		m.truncateSealed()
	}
	m.logger.Info("checkpoint taken", "full", full, "ts", ts, "path", path)
	return nil
}

// DeltaCheckpointDue reports whether enough bytes accumulated since the last
// checkpoint that a delta checkpoint should fire off-schedule.
func (m *Manager) DeltaCheckpointDue() bool {
	return m.deltaThreshold > 0 && m.sinceDeltaCkp.Load() >= m.deltaThreshold
}

// LastCheckpointTs returns the timestamp of the most recent checkpoint.
func (m *Manager) LastCheckpointTs() uint64 { return m.lastCkpTs.Load() }

func (m *Manager) truncateSealed() {
	for _, path := range sealedSegments(m.walDir) {
		if err := os.Remove(path); err != nil {
			m.logger.Error("sealed segment removal failed", "path", path, "error", err)
		}
	}
}

func sealedSegments(walDir string) []string {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, activeFileName+".") && strings.HasSuffix(name, sealedSuffix) {
			out = append(out, filepath.Join(walDir, name))
		}
	}
	sort.Strings(out)
	return out
}

func maxSealedSeq(walDir string) uint64 {
	var max uint64
	for _, path := range sealedSegments(walDir) {
		base := filepath.Base(path)
		trimmed := strings.TrimSuffix(strings.TrimPrefix(base, activeFileName+"."), sealedSuffix)
		if n, err := strconv.ParseUint(trimmed, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max
}
