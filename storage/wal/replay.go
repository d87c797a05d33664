package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/quiverdb/quiver/storage/catalog"
)

// ReplayWalFile scans sealed segments then the active segment, reconstructs
// the catalog, and returns the system start timestamp. A zero timestamp (and
// nil catalog) means there was no prior state and the caller must initialize
// fresh. mode is a label carried into the log lines only; replay itself is
// mode-independent.
func (m *Manager) ReplayWalFile(mode string) (uint64, *catalog.Catalog, error) {
	entries, err := m.scanAll()
	if err != nil {
		return 0, nil, err
	}
	if len(entries) == 0 {
		m.logger.Info("wal replay found no prior state", "mode", mode)
		return 0, nil, nil
	}

	// Replay starts from the newest full checkpoint; everything before it is
	// already reflected in the checkpoint file.
	startIdx := 0
	var cat *catalog.Catalog
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == EntryFullCheckpoint {
			loaded, err := catalog.LoadFullCheckpoint(entries[i].CheckpointPath)
			if err != nil {
				return 0, nil, fmt.Errorf("wal: load checkpoint %q: %w", entries[i].CheckpointPath, err)
			}
			cat = loaded
			startIdx = i + 1
			break
		}
	}
	if cat == nil {
		cat = catalog.New()
	}

	var systemStartTs uint64
	for _, e := range entries[startIdx:] {
		if e.CommitTs > systemStartTs {
			systemStartTs = e.CommitTs
		}
		if err := applyEntry(cat, &e); err != nil {
			return 0, nil, fmt.Errorf("wal: apply entry ts %d: %w", e.CommitTs, err)
		}
	}
	if ts := cat.MaxCommitTs(); ts > systemStartTs {
		systemStartTs = ts
	}

	m.SetCatalog(cat)
	m.logger.Info("wal replay complete",
		"mode", mode,
		"entries", len(entries)-startIdx,
		"system_start_ts", systemStartTs)
	return systemStartTs, cat, nil
}

func applyEntry(cat *catalog.Catalog, e *Entry) error {
	switch e.Type {
	case EntryCreateDatabase:
		// Conflicts are ignored on replay; the log can overlap the state a
		// delta checkpoint already captured.
		_, err := cat.CreateDatabase(e.Database, e.Comment, e.CommitTs, catalog.ConflictIgnore)
		return err
	case EntryDropDatabase:
		return cat.DropDatabase(e.Database, e.CommitTs, catalog.ConflictIgnore)
	case EntryCreateTable:
		db, err := cat.GetDatabase(e.Database)
		if err != nil {
			return err
		}
		if _, ok := db.GetTable(e.Table); ok {
			return nil
		}
		_, err = db.CreateTable(e.Table)
		return err
	case EntrySegmentDirty:
		cat.MarkSegmentDirty(e.SegmentID)
		cat.AdvanceCommitTs(e.CommitTs)
		return nil
	case EntryDeltaCheckpoint:
		return cat.AttachDeltaCheckpoint(e.CheckpointPath)
	case EntryFullCheckpoint:
		// Full markers before the newest one are stale; the newest was
		// consumed above.
		return nil
	default:
		return fmt.Errorf("wal: unknown entry type %d", e.Type)
	}
}

// scanAll reads every intact record from sealed segments (in order) and the
// active segment.
func (m *Manager) scanAll() ([]Entry, error) {
	var entries []Entry

	for _, path := range sealedSegments(m.walDir) {
		compressed, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		raw, err := dec.DecodeAll(compressed, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("wal: decompress %q: %w", path, err)
		}
		segEntries, err := scanStream(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("wal: scan %q: %w", path, err)
		}
		entries = append(entries, segEntries...)
	}

	activePath := filepath.Join(m.walDir, activeFileName)
	f, err := os.Open(activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	defer f.Close()
	activeEntries, err := scanStream(f)
	if err != nil {
		return nil, fmt.Errorf("wal: scan active segment: %w", err)
	}
	return append(entries, activeEntries...), nil
}

func scanStream(r io.Reader) ([]Entry, error) {
	var entries []Entry
	for {
		var e Entry
		err := decodeEntry(r, &e)
		if err == io.EOF || errors.Is(err, errTornRecord) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}
