package wal

// EntryType is the kind of a WAL record.
type EntryType uint8

const (
	// EntryCreateDatabase records a committed database creation.
	EntryCreateDatabase EntryType = iota + 1
	// EntryDropDatabase records a committed database drop.
	EntryDropDatabase
	// EntryCreateTable records a committed table creation.
	EntryCreateTable
	// EntrySegmentDirty records a segment touched by a committed mutation.
	EntrySegmentDirty
	// EntryFullCheckpoint marks a full catalog checkpoint. Replay starts at
	// the newest one.
	EntryFullCheckpoint
	// EntryDeltaCheckpoint marks a delta catalog checkpoint.
	EntryDeltaCheckpoint
)

// Entry is a single durable WAL record. Entries are appended by committed
// transactions and by checkpoint tasks.
type Entry struct {
	Type     EntryType `json:"type"`
	TxnID    uint64    `json:"txn_id,omitempty"`
	CommitTs uint64    `json:"commit_ts"`

	// DDL payload.
	Database string `json:"database,omitempty"`
	Table    string `json:"table,omitempty"`
	Comment  string `json:"comment,omitempty"`

	// Segment payload.
	SegmentID uint32 `json:"segment_id,omitempty"`

	// Checkpoint payload: path of the catalog checkpoint file this marker
	// refers to.
	CheckpointPath string `json:"checkpoint_path,omitempty"`
}

// IsCheckpoint reports whether the entry is a checkpoint marker.
func (e *Entry) IsCheckpoint() bool {
	return e.Type == EntryFullCheckpoint || e.Type == EntryDeltaCheckpoint
}
